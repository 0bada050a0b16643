package mcp

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// httpClient builds the HTTP client for a streamable-http server: traced,
// and authenticated with OAuth client credentials or a static Bearer token
// when configured.
func httpClient(ctx context.Context, cfg ServerConfig) *http.Client {
	base := otelhttp.NewTransport(http.DefaultTransport)

	switch {
	case cfg.OAuth != nil:
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// The token source outlives ctx, so it must not inherit its cancellation.
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Transport: base})
		return &http.Client{Transport: &oauth2.Transport{Source: cc.TokenSource(tokenCtx), Base: base}}

	case cfg.Token != "":
		return &http.Client{Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   base,
		}}
	}
	return &http.Client{Transport: base}
}
