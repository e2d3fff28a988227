package module

import (
	"errors"

	"go.uber.org/zap"

	"github.com/andewx/vkhot/slot"
)

// Host is what the runtime exposes to guest code. Resources are referenced
// by opaque 64-bit handles; the guest can only compare them and ask whether
// they are still valid.
type Host interface {
	Log(msg string)
	CreateBuffer(size uint64, usage uint32) (uint64, error)
	ReleaseResource(handle uint64) error
	ResourceValid(handle uint64) bool
}

// Status codes returned to guests by resource_release.
const (
	StatusOK       int32 = 0
	StatusStale    int32 = 1
	StatusNotFound int32 = 2
	StatusFailed   int32 = 3
)

// StatusOf maps a host error onto a guest status code.
func StatusOf(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, slot.ErrStaleHandle):
		return StatusStale
	case errors.Is(err, slot.ErrNotFound):
		return StatusNotFound
	}
	return StatusFailed
}

var errNoHost = errors.New("no host resources attached")

// nopHost logs guest messages and refuses resource requests.
type nopHost struct{}

func (nopHost) Log(msg string) {
	Logger().Info(msg, zap.String("source", "guest"))
}

func (nopHost) CreateBuffer(uint64, uint32) (uint64, error) { return 0, errNoHost }
func (nopHost) ReleaseResource(uint64) error               { return slot.ErrNotFound }
func (nopHost) ResourceValid(uint64) bool                   { return false }
