package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/user/conclave/internal/credential"
	"github.com/user/conclave/internal/metrics"
)

const (
	DefaultMaxBytes    = 10 << 20
	DefaultMaxChars    = 50000
	DefaultConcurrency = 4

	truncatedMarker = "\n\n[Content truncated]"
)

type Options struct {
	// MaxBytes caps the size of a fetched document.
	MaxBytes int64
	// MaxChars caps the resolved text of one descriptor.
	MaxChars int
	// Concurrency bounds parallel fetches.
	Concurrency int
	Registry    *Registry
	Extractors  map[Kind]Extractor
	Metrics     *metrics.Metrics
}

// Resolver resolves descriptors. A nil source leaves every external
// reference unresolved.
type Resolver struct {
	source     Source
	registry   *Registry
	extractors map[Kind]Extractor
	maxBytes   int64
	maxChars   int
	limit      int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewResolver(source Source, opts Options) *Resolver {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Extractors == nil {
		opts.Extractors = DefaultExtractors()
	}
	return &Resolver{
		source:     source,
		registry:   opts.Registry,
		extractors: opts.Extractors,
		maxBytes:   opts.MaxBytes,
		maxChars:   opts.MaxChars,
		limit:      opts.Concurrency,
		metrics:    opts.Metrics,
		logger:     slog.Default().With("component", "attachment"),
	}
}

// Resolve returns a copy of descs of the same length in which every entry is
// either resolved or carries an unresolved reason. It never fails as a
// whole; one bad descriptor does not affect the others.
func (r *Resolver) Resolve(ctx context.Context, descs []Descriptor) []Descriptor {
	out := make([]Descriptor, len(descs))
	copy(out, descs)

	var g errgroup.Group
	g.SetLimit(r.limit)
	for i := range out {
		d := &out[i]
		if d.Inline() {
			d.ResolvedText = r.capText(d, d.Text)
			r.metrics.Attachment("inline", "resolved")
			continue
		}
		g.Go(func() error {
			kind := r.resolveExternal(ctx, d)
			outcome := "resolved"
			if !d.Resolved() {
				outcome = "unresolved"
				r.logger.Info("attachment unresolved", "name", d.Name, "ref", d.ExternalRef, "reason", d.Unresolved)
			}
			r.metrics.Attachment(kind.String(), outcome)
			return nil
		})
	}
	g.Wait()
	return out
}

func (r *Resolver) resolveExternal(ctx context.Context, d *Descriptor) Kind {
	if d.ExternalRef == "" {
		d.Unresolved = "no content or document reference"
		return KindUnsupported
	}
	if r.source == nil {
		d.Unresolved = "no document source configured"
		return KindUnsupported
	}

	meta, err := r.source.Metadata(ctx, d.ExternalRef)
	if err != nil {
		d.Unresolved = reason("metadata unavailable", err)
		return KindUnsupported
	}
	if d.Name == "" {
		d.Name = meta.Name
	}
	if meta.MimeType != "" {
		d.MimeType = meta.MimeType
	}
	d.Link = meta.Link
	d.Size = meta.Size

	if meta.Size > r.maxBytes {
		d.Unresolved = fmt.Sprintf("file too large (%d bytes, limit %d)", meta.Size, r.maxBytes)
		return KindUnsupported
	}

	kind := r.registry.Classify(d.MimeType)
	if kind == KindUnsupported && isGoogleNative(d.MimeType) {
		kind = r.registry.Classify(ExportMime(d.MimeType))
	}

	// Explicit fallback arm: anything without a kind or an extractor is
	// annotated rather than fetched.
	extractor, ok := r.extractors[kind]
	switch {
	case kind == KindUnsupported:
		d.Unresolved = "no content extraction available for " + displayMime(d.MimeType)
		return kind
	case !ok:
		d.Unresolved = fmt.Sprintf("no %s extractor for %s", kind, displayMime(d.MimeType))
		return kind
	}

	data, contentType, err := r.source.Download(ctx, meta, r.maxBytes)
	if err != nil {
		d.Unresolved = reason("download failed", err)
		return kind
	}
	text, err := extractor.Extract(ctx, data, contentType)
	if err != nil {
		d.Unresolved = reason("extraction failed", err)
		return kind
	}
	d.ResolvedText = r.capText(d, text)
	return kind
}

func (r *Resolver) capText(d *Descriptor, text string) string {
	runes := []rune(text)
	if len(runes) <= r.maxChars {
		return text
	}
	d.Truncated = true
	return string(runes[:r.maxChars]) + truncatedMarker
}

func reason(prefix string, err error) string {
	if errors.Is(err, credential.ErrNoCredential) {
		return "credential unavailable"
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}

var exportable = map[string]bool{
	googleAppsPrefix + "document":     true,
	googleAppsPrefix + "spreadsheet":  true,
	googleAppsPrefix + "presentation": true,
}

func isGoogleNative(mimeType string) bool {
	return exportable[mimeType]
}

func displayMime(mimeType string) string {
	if mimeType == "" {
		return "unknown type"
	}
	return mimeType
}
