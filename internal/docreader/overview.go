package docreader

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dealdesk/internal/store"
)

// maxConcurrentReads bounds parallel downloads in [Overview].
const maxConcurrentReads = 4

// TextReader extracts the text of one file. [*Reader] implements it.
type TextReader interface {
	Read(ctx context.Context, fileURL string) (string, error)
}

var _ TextReader = (*Reader)(nil)

// Overview reads every artifact concurrently and renders them as a single
// markdown document in artifact order. A file that cannot be read is rendered
// with its error instead of failing the whole overview.
func Overview(ctx context.Context, r TextReader, artifacts []store.Artifact) string {
	if len(artifacts) == 0 {
		return "No documents available."
	}

	contents := make([]string, len(artifacts))
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentReads)
	for i, a := range artifacts {
		eg.Go(func() error {
			text, err := r.Read(ctx, a.FileURL)
			if err != nil {
				contents[i] = fmt.Sprintf("_[Error reading file: %v]_", err)
				return nil
			}
			contents[i] = text
			return nil
		})
	}
	_ = eg.Wait()

	var sb strings.Builder
	sb.WriteString("# Documents\n\n")
	for i, a := range artifacts {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n---\n\n", a.FileName, contents[i])
	}
	return sb.String()
}
