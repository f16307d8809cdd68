// Package attachment turns attachment descriptors into plain-text context
// blocks for a prompt. Inline text is used as is; external document
// references are fetched from a Source and run through a format extractor
// chosen by mime type.
package attachment

import (
	"fmt"
	"strings"
)

// Descriptor is one caller-supplied attachment. Resolve fills in either
// ResolvedText or Unresolved.
type Descriptor struct {
	Name        string `json:"name"`
	MimeType    string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	ExternalRef string `json:"externalRef,omitempty"`

	ResolvedText string `json:"resolvedText,omitempty"`
	Unresolved   string `json:"unresolved,omitempty"`
	Link         string `json:"link,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// Inline reports whether the descriptor carries its own text.
func (d *Descriptor) Inline() bool {
	return d.Text != ""
}

// Resolved reports whether text was produced for the descriptor.
func (d *Descriptor) Resolved() bool {
	return d.Unresolved == "" && (d.ResolvedText != "" || d.Inline())
}

func (d *Descriptor) label() string {
	if d.Name != "" {
		return d.Name
	}
	if d.ExternalRef != "" {
		return d.ExternalRef
	}
	return "attachment"
}

// FormatBlocks renders resolved descriptors as delimited text blocks and
// unresolved ones as a single annotated line.
func FormatBlocks(descs []Descriptor) string {
	var b strings.Builder
	for i := range descs {
		d := &descs[i]
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if !d.Resolved() {
			fmt.Fprintf(&b, "[Attachment: %s (unresolved: %s)", d.label(), d.Unresolved)
			if d.Link != "" {
				fmt.Fprintf(&b, " %s", d.Link)
			}
			b.WriteString("]")
			continue
		}
		fmt.Fprintf(&b, "[Attachment: %s]\n%s\n[End of attachment: %s]", d.label(), d.ResolvedText, d.label())
	}
	return b.String()
}

// Merge appends the attachment blocks to the user text that goes upstream.
func Merge(userText string, descs []Descriptor) string {
	if len(descs) == 0 {
		return userText
	}
	return userText + "\n\n" + FormatBlocks(descs)
}

// Summary is the short textual record of the attachments kept with the
// stored turn in place of their content.
func Summary(descs []Descriptor) string {
	if len(descs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(descs))
	for i := range descs {
		d := &descs[i]
		if d.Resolved() {
			parts = append(parts, fmt.Sprintf("%s (%d chars)", d.label(), len([]rune(d.ResolvedText))))
		} else {
			parts = append(parts, fmt.Sprintf("%s (unresolved: %s)", d.label(), d.Unresolved))
		}
	}
	return "[Attachments: " + strings.Join(parts, "; ") + "]"
}
