package attachment

import (
	"mime"
	"strings"
)

// Kind is the extraction family a mime type belongs to.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindPDF
	KindSpreadsheet
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPDF:
		return "pdf"
	case KindSpreadsheet:
		return "spreadsheet"
	default:
		return "unsupported"
	}
}

// Rule maps a mime pattern to a kind. A pattern is an exact type, a
// "type/*" wildcard or a "prefix*" match.
type Rule struct {
	Pattern string
	Kind    Kind
}

// DefaultRules is the mime registry used when a Resolver is built without
// its own. Earlier rules win.
var DefaultRules = []Rule{
	{"application/pdf", KindPDF},
	{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", KindSpreadsheet},
	{"application/vnd.ms-excel.sheet.macroenabled.12", KindSpreadsheet},
	{"text/*", KindText},
	{"application/json", KindText},
	{"application/ld+json", KindText},
	{"application/xml", KindText},
	{"application/xhtml+xml", KindText},
	{"application/javascript", KindText},
	{"application/x-yaml", KindText},
	{"application/yaml", KindText},
	{"application/toml", KindText},
	{"application/x-sh", KindText},
	{"application/sql", KindText},
}

// Registry classifies mime types by pattern.
type Registry struct {
	rules []Rule
}

func NewRegistry(rules ...Rule) *Registry {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Registry{rules: rules}
}

// Classify returns the kind for mimeType, falling back to KindUnsupported.
// Parameters such as charset are ignored.
func (r *Registry) Classify(mimeType string) Kind {
	mt := normalizeMime(mimeType)
	if mt == "" {
		return KindUnsupported
	}
	for _, rule := range r.rules {
		if matchMime(rule.Pattern, mt) {
			return rule.Kind
		}
	}
	return KindUnsupported
}

func normalizeMime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	return strings.ToLower(s)
}

func matchMime(pattern, mt string) bool {
	switch {
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(mt, strings.TrimSuffix(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(mt, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == mt
	}
}
