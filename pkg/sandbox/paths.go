package sandbox

import (
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizePath puts a path in the form allowlist comparison uses: NFC,
// forward slashes, cleaned of . and .. segments, case folded. Relative paths
// stay relative and only match relative allowlist entries.
func normalizePath(p string) string {
	p = norm.NFC.String(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	// cases.Caser is stateful; one per call.
	return cases.Fold().String(p)
}

// underPrefix reports whether p equals prefix or lies below it at a segment boundary.
func underPrefix(p, prefix string) bool {
	if prefix == "" || p == "" {
		return false
	}
	if p == prefix {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(p, prefix)
	}
	return strings.HasPrefix(p, prefix+"/")
}

func escapesRoot(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}

// isWriteMode reports whether an open mode string asks for write access.
func isWriteMode(mode string) bool {
	return strings.ContainsAny(mode, "wax+")
}
