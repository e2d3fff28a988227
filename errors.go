package vkhot

import (
	"errors"
	"fmt"
	"runtime"

	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// VulkanError is a failed vk.Result together with the call site that saw it.
type VulkanError struct {
	Result vk.Result
	Frame  string
}

func (e *VulkanError) Error() string {
	msg := "success"
	if err := vk.Error(e.Result); err != nil {
		msg = err.Error()
	}
	if e.Frame == "" {
		return fmt.Sprintf("vulkan error: %s (%d)", msg, e.Result)
	}
	return fmt.Sprintf("vulkan error: %s (%d) on %s", msg, e.Result, e.Frame)
}

func isError(ret vk.Result) bool {
	return ret != vk.Success
}

// NewError wraps ret into a *VulkanError; nil for vk.Success.
func NewError(ret vk.Result) error {
	if !isError(ret) {
		return nil
	}
	return newError(ret, 2)
}

func newError(ret vk.Result, skip int) error {
	e := &VulkanError{Result: ret}
	if pc, _, _, ok := runtime.Caller(skip); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			file, line := fn.FileLine(pc)
			e.Frame = fmt.Sprintf("%s (%s:%d)", fn.Name(), file, line)
		}
	}
	return e
}

// IsFatal reports whether err is a device level failure the runtime
// cannot recover from.
func IsFatal(err error) bool {
	var ve *VulkanError
	if !errors.As(err, &ve) {
		return false
	}
	switch ve.Result {
	case vk.ErrorDeviceLost, vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory, vk.ErrorInitializationFailed:
		return true
	}
	return false
}

// Fatal runs the finalizers and exits the process through the logger.
func Fatal(err error, finalizers ...func()) {
	if err == nil {
		return
	}
	for _, fn := range finalizers {
		fn()
	}
	Logger().Fatal("fatal error", zap.Error(err), zap.Bool("device", IsFatal(err)))
}

func orPanic(err error) {
	if err != nil {
		panic(err)
	}
}

// checkErr turns a panic raised by orPanic into *err.
func checkErr(err *error) {
	if v := recover(); v != nil {
		if e, ok := v.(error); ok {
			*err = e
			return
		}
		*err = fmt.Errorf("%+v", v)
	}
}
