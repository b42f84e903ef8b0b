package vault

import (
	"path"
	"strings"
)

// allowedFile checks a file name and its declared MIME type against the
// configured allow list. Entries are a bare extension ("pdf"), the wildcard
// "*", or a MIME mapping "image/jpeg:jpg" ("image/jpeg:*" accepts any
// extension for that type). An empty list allows everything.
func allowedFile(allowed []string, name, mimeType string) bool {
	if len(allowed) == 0 {
		return true
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))

	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		if wantMime, wantExt, ok := strings.Cut(entry, ":"); ok {
			if mimeType != wantMime {
				continue
			}
			if wantExt == "*" || wantExt == ext {
				return true
			}
			continue
		}
		if entry == ext {
			return true
		}
	}
	return false
}
