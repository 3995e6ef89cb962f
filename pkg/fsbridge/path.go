package fsbridge

import (
	"path"
	"strings"

	"github.com/beam-cloud/airsync/pkg/types"
)

// NormalizePath turns an editor or sandbox path into the canonical
// root-relative form: no leading slash, no "." segments, no duplicate
// separators. Traversal outside the root is rejected. Case is preserved.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", &types.ErrPathInvalid{Path: p, Reason: "contains NUL byte"}
	}

	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", &types.ErrPathInvalid{Path: p, Reason: "path traversal"}
		}
	}

	clean := path.Clean("/" + p)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", &types.ErrPathInvalid{Path: p, Reason: "empty path"}
	}
	return clean, nil
}

// NormalizeName validates a single path segment
func NormalizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", &types.ErrPathInvalid{Path: name, Reason: "invalid name"}
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", &types.ErrPathInvalid{Path: name, Reason: "name contains a separator or NUL byte"}
	}
	return name, nil
}

// Ancestors returns the parent chain of p, nearest first
func Ancestors(p string) []string {
	var out []string
	for {
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return out
		}
		p = p[:i]
		out = append(out, p)
	}
}
