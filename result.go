package explicit

import (
	"errors"
	"fmt"

	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pass"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/internal/query"
	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/shader"
	"github.com/gogpu/explicit/swapchain"
)

// Result is the status code of an entry point. Non-success results are
// errors; Success is never returned as an error.
type Result int32

// Status codes.
const (
	Success Result = iota
	NotReady
	Timeout
	EventSet
	EventReset
	Incomplete

	ErrorOutOfHostMemory Result = -(iota - 5)
	ErrorOutOfDeviceMemory
	ErrorInitializationFailed
	ErrorDeviceLost
	ErrorMemoryMapFailed
	ErrorFeatureNotPresent
	ErrorFormatNotSupported
	ErrorInvalidHandle
	ErrorValidationFailed
	ErrorOutOfDate
)

var resultNames = map[Result]string{
	Success:                   "Success",
	NotReady:                  "NotReady",
	Timeout:                   "Timeout",
	EventSet:                  "EventSet",
	EventReset:                "EventReset",
	Incomplete:                "Incomplete",
	ErrorOutOfHostMemory:      "ErrorOutOfHostMemory",
	ErrorOutOfDeviceMemory:    "ErrorOutOfDeviceMemory",
	ErrorInitializationFailed: "ErrorInitializationFailed",
	ErrorDeviceLost:           "ErrorDeviceLost",
	ErrorMemoryMapFailed:      "ErrorMemoryMapFailed",
	ErrorFeatureNotPresent:    "ErrorFeatureNotPresent",
	ErrorFormatNotSupported:   "ErrorFormatNotSupported",
	ErrorInvalidHandle:        "ErrorInvalidHandle",
	ErrorValidationFailed:     "ErrorValidationFailed",
	ErrorOutOfDate:            "ErrorOutOfDate",
}

// String returns the result name.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// Error implements error.
func (r Result) Error() string { return "explicit: " + r.String() }

// IsError reports whether r is an error code.
func (r Result) IsError() bool { return r < 0 }

// ResultOf returns the status code carried by err: Success for nil, the
// code itself for a Result, and the mapped code for any other error.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return resultOf(err)
}

// codeResults maps native result codes. Codes absent from the table map
// to ErrorInitializationFailed.
var codeResults = map[native.Code]Result{
	native.CodeOK:              Success,
	native.CodeOutOfMemory:     ErrorOutOfDeviceMemory,
	native.CodeUnsupported:     ErrorFeatureNotPresent,
	native.CodeDeviceRemoved:   ErrorDeviceLost,
	native.CodeDeviceHung:      ErrorDeviceLost,
	native.CodeDeviceReset:     ErrorDeviceLost,
	native.CodeWasStillDrawing: NotReady,
	native.CodeInvalidArg:      ErrorValidationFailed,
}

// sentinelResults maps internal errors. The first match wins, so device
// loss comes before the wrappers that carry it.
var sentinelResults = []struct {
	err    error
	result Result
}{
	{queue.ErrDeviceLost, ErrorDeviceLost},
	{queue.ErrTimeout, Timeout},
	{queue.ErrInvalidSubmit, ErrorValidationFailed},
	{exec.ErrTimeout, Timeout},
	{syncobj.ErrTimeout, Timeout},
	{syncobj.ErrInUse, ErrorValidationFailed},

	{memory.ErrNotHostVisible, ErrorMemoryMapFailed},
	{memory.ErrAlreadyMapped, ErrorMemoryMapFailed},
	{memory.ErrMapRange, ErrorMemoryMapFailed},
	{memory.ErrNotMapped, ErrorValidationFailed},
	{memory.ErrMemoryType, ErrorValidationFailed},
	{memory.ErrZeroSize, ErrorValidationFailed},
	{memory.ErrFreed, ErrorInvalidHandle},
	{memory.ErrAlignment, ErrorValidationFailed},
	{memory.ErrTooSmall, ErrorValidationFailed},
	{memory.ErrTypeMask, ErrorValidationFailed},
	{memory.ErrUsage, ErrorFeatureNotPresent},
	{memory.ErrDestroyed, ErrorInvalidHandle},
	{memory.ErrNotBound, ErrorValidationFailed},
	{memory.ErrFormat, ErrorFormatNotSupported},
	{memory.ErrNoSampler, ErrorInitializationFailed},

	{pipeline.ErrNoLayout, ErrorValidationFailed},
	{pipeline.ErrStages, ErrorValidationFailed},
	{pipeline.ErrVertexInput, ErrorValidationFailed},
	{pipeline.ErrDuplicateBinding, ErrorValidationFailed},
	{pipeline.ErrNoBinding, ErrorValidationFailed},
	{pipeline.ErrDescriptorType, ErrorValidationFailed},
	{pipeline.ErrPoolExhausted, ErrorOutOfHostMemory},
	{pipeline.ErrFreeSet, ErrorValidationFailed},
	{pipeline.ErrSetFreed, ErrorInvalidHandle},
	{pipeline.ErrRegisterLimit, ErrorFeatureNotPresent},

	{pass.ErrAttachment, ErrorValidationFailed},
	{pass.ErrNoSubpass, ErrorValidationFailed},
	{pass.ErrFramebuffer, ErrorValidationFailed},

	{query.ErrNotReady, NotReady},
	{query.ErrUnsupported, ErrorFeatureNotPresent},
	{query.ErrRange, ErrorValidationFailed},
	{query.ErrBuffer, ErrorValidationFailed},

	{command.ErrNotRecording, ErrorValidationFailed},
	{command.ErrNotExecutable, ErrorValidationFailed},
	{command.ErrResetNotAllowed, ErrorValidationFailed},
	{command.ErrPoolDestroyed, ErrorInvalidHandle},
	{command.ErrFreed, ErrorInvalidHandle},
	{command.ErrInvalidUsage, ErrorValidationFailed},

	{swapchain.ErrNotReady, NotReady},
	{swapchain.ErrNotAcquired, ErrorValidationFailed},
	{swapchain.ErrDestroyed, ErrorOutOfDate},

	{shader.ErrEntryPoint, ErrorInitializationFailed},
	{shader.ErrStage, ErrorInitializationFailed},
	{shader.ErrEmptyModule, ErrorValidationFailed},
}

// resultOf maps err through the fixed tables. Native codes take precedence
// over the internal wrappers around them.
func resultOf(err error) Result {
	var ne *native.Error
	if errors.As(err, &ne) {
		if r, ok := codeResults[ne.Code]; ok {
			return r
		}
		return ErrorInitializationFailed
	}
	for _, s := range sentinelResults {
		if errors.Is(err, s.err) {
			return s.result
		}
	}
	return ErrorInitializationFailed
}

// fail converts err to its Result. Native failures are also reported to
// the observer, device loss at error severity.
func (d *Device) fail(op string, object uint64, err error) error {
	if err == nil {
		return nil
	}
	r := ResultOf(err)
	var ne *native.Error
	switch {
	case r == ErrorDeviceLost:
		d.sink.Errorf(diag.CategoryGeneral, object, "%s: device lost: %v", op, err)
	case errors.As(err, &ne):
		d.sink.Errorf(diag.CategoryGeneral, object, "%s: native %s failed with %v: %v", op, ne.Op, ne.Code, err)
	case r == ErrorValidationFailed || r == ErrorInvalidHandle:
		d.sink.Warnf(diag.CategoryValidation, object, "%s: %v", op, err)
	}
	Logger().Debug("explicit: call failed", "op", op, "object", object, "result", r, "err", err)
	return r
}
