package vault

import (
	"net/url"
	"strings"

	"github.com/chunkvault/chunkvault/internal/meta"
)

// URLResolver turns a live record into a public URL. Implementations decide
// how stored keys map onto the serving surface.
type URLResolver interface {
	Resolve(rec *meta.FileRecord) string
}

// BaseURLResolver joins a fixed base URL with the record's storage key,
// escaping each path segment. An empty base resolves every record to "".
type BaseURLResolver struct {
	Base string
}

func (r BaseURLResolver) Resolve(rec *meta.FileRecord) string {
	if r.Base == "" || rec.Path == "" {
		return ""
	}
	segments := strings.Split(rec.Path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(r.Base, "/") + "/" + strings.Join(segments, "/")
}
