package common

import (
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	// FolderHash tags folder creation in snapshots and echo records
	FolderHash = "dir"
	// DeletedHash tags removals in echo records
	DeletedHash = "deleted"
)

// ContentHash returns a short stable digest of file content
func ContentHash(content []byte) string {
	return strconv.FormatUint(xxhash.Sum64(content), 16)
}

// ReaderHash hashes everything read from r
func ReaderHash(r io.Reader) (string, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", err
	}
	return strconv.FormatUint(d.Sum64(), 16), nil
}
