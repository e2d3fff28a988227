//go:build !(darwin || freebsd || linux)

package module

import (
	"context"
	"errors"
)

var errNativeUnsupported = errors.New("native modules are not supported on this platform")

type NativeLoader struct{}

func NewNativeLoader(string) *NativeLoader {
	return &NativeLoader{}
}

func (l *NativeLoader) Load(ctx context.Context, path string) (Module, error) {
	return nil, &LoadError{Path: path, Err: errNativeUnsupported}
}
