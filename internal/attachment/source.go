package attachment

import (
	"context"
)

// Metadata describes an external document.
type Metadata struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Link     string
}

// Source fetches external document references.
type Source interface {
	Metadata(ctx context.Context, ref string) (*Metadata, error)
	// Download returns at most maxBytes of content and the mime type the
	// content is in, which can differ from the metadata type for documents
	// the source exports.
	Download(ctx context.Context, meta *Metadata, maxBytes int64) ([]byte, string, error)
}
