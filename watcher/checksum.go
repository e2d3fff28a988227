package watcher

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrChecksumUnchanged signals that a candidate has the same content as the
// active module. It is a suppression signal, not a failure.
var ErrChecksumUnchanged = errors.New("watcher: checksum unchanged")

// errPartial marks a candidate that looks mid-write.
var errPartial = errors.New("watcher: candidate is empty")

// ChecksumFunc computes the content checksum of a module artifact.
type ChecksumFunc func(path string) (uint32, error)

// Checksum returns the CRC-32 (IEEE) of the file at path. An empty file is
// reported as an error because builds truncate before they write.
func Checksum(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, fmt.Errorf("checksum %s: %w", path, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("checksum %s: %w", path, errPartial)
	}
	return h.Sum32(), nil
}
