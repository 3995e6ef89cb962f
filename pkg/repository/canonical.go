package repository

import (
	"path"
	"sort"
	"strings"

	"github.com/beam-cloud/airsync/pkg/types"
)

// JoinPath builds a root-relative child path
func JoinPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// ParentPath returns the parent of a root-relative path ("" for top level)
func ParentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// IsDescendant reports whether p lies strictly under ancestor
func IsDescendant(p, ancestor string) bool {
	if ancestor == "" {
		return p != ""
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// SortByPath orders entries so parents come before their children
func SortByPath(entries []*types.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		di, dj := strings.Count(entries[i].Path, "/"), strings.Count(entries[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return entries[i].Path < entries[j].Path
	})
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}
