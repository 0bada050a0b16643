// Package docreader fetches project artifacts over HTTP and extracts their
// text so the copilot can quote them.
//
// Supported formats are plain text (.txt, .md), JSON (.json, re-indented),
// HTML (.html, .htm, visible text only), Word documents (.docx) and PDF
// (.pdf, best-effort text operators only).
package docreader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnsupportedFormat is returned by [Reader.Read] for file extensions it
// cannot extract text from.
var ErrUnsupportedFormat = errors.New("docreader: unsupported file format")

const (
	defaultTimeout = 30 * time.Second

	// maxFileSize caps how much of a single file is downloaded.
	maxFileSize = 20 << 20
)

// Option configures a [Reader].
type Option func(*Reader)

// WithBaseURL resolves relative file URLs against base.
func WithBaseURL(base string) Option {
	return func(r *Reader) { r.baseURL = base }
}

// WithToken sends token as a bearer Authorization header.
func WithToken(token string) Option {
	return func(r *Reader) { r.token = token }
}

// WithTimeout sets the per-file fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) { r.timeout = d }
}

// WithHTTPClient replaces the HTTP client used for fetching.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.client = c }
}

// Reader fetches and extracts artifact text. It is safe for concurrent use.
type Reader struct {
	client  *http.Client
	baseURL string
	token   string
	timeout time.Duration
}

// New returns a Reader configured by opts.
func New(opts ...Option) *Reader {
	r := &Reader{
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Read downloads fileURL and returns its extracted text.
func (r *Reader) Read(ctx context.Context, fileURL string) (string, error) {
	target, err := r.resolve(fileURL)
	if err != nil {
		return "", fmt.Errorf("docreader: %s: %w", fileURL, err)
	}

	ext := strings.ToLower(path.Ext(target.Path))
	switch ext {
	case ".txt", ".md", ".json", ".html", ".htm", ".docx", ".pdf":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	data, err := r.fetch(ctx, target.String())
	if err != nil {
		return "", fmt.Errorf("docreader: %s: %w", fileURL, err)
	}

	var text string
	switch ext {
	case ".txt", ".md":
		text = strings.TrimSpace(string(data))
	case ".json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return "", fmt.Errorf("docreader: %s: invalid json: %w", fileURL, err)
		}
		text = buf.String()
	case ".html", ".htm":
		text, err = extractHTML(data)
	case ".docx":
		text, err = extractDOCX(data)
	case ".pdf":
		text, err = extractPDF(data)
	}
	if err != nil {
		return "", fmt.Errorf("docreader: %s: %w", fileURL, err)
	}
	return text, nil
}

func (r *Reader) resolve(fileURL string) (*url.URL, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() || r.baseURL == "" {
		return u, nil
	}
	base, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	return base.ResolveReference(u), nil
}

func (r *Reader) fetch(ctx context.Context, target string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch file: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("file exceeds %d bytes", maxFileSize)
	}
	return data, nil
}
