package explicit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
)

func TestResultValues(t *testing.T) {
	tests := []struct {
		r       Result
		value   int32
		name    string
		isError bool
	}{
		{Success, 0, "Success", false},
		{NotReady, 1, "NotReady", false},
		{Incomplete, 5, "Incomplete", false},
		{ErrorOutOfHostMemory, -1, "ErrorOutOfHostMemory", true},
		{ErrorDeviceLost, -4, "ErrorDeviceLost", true},
		{ErrorOutOfDate, -10, "ErrorOutOfDate", true},
		{Result(42), 42, "Result(42)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int32(tt.r) != tt.value {
				t.Errorf("value = %d, want %d", int32(tt.r), tt.value)
			}
			if tt.r.String() != tt.name {
				t.Errorf("String() = %q, want %q", tt.r.String(), tt.name)
			}
			if tt.r.IsError() != tt.isError {
				t.Errorf("IsError() = %v, want %v", tt.r.IsError(), tt.isError)
			}
			if tt.r.Error() != "explicit: "+tt.name {
				t.Errorf("Error() = %q", tt.r.Error())
			}
		})
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, Success},
		{"result", ErrorInvalidHandle, ErrorInvalidHandle},
		{"wrapped result", fmt.Errorf("op: %w", Timeout), Timeout},
		{"native out of memory", &native.Error{Op: "CreateBuffer", Code: native.CodeOutOfMemory}, ErrorOutOfDeviceMemory},
		{"native removed", &native.Error{Op: "Draw", Code: native.CodeDeviceRemoved}, ErrorDeviceLost},
		{"native hung", &native.Error{Op: "Draw", Code: native.CodeDeviceHung}, ErrorDeviceLost},
		{"native still drawing", &native.Error{Op: "GetData", Code: native.CodeWasStillDrawing}, NotReady},
		{"native invalid arg", &native.Error{Op: "Draw", Code: native.CodeInvalidArg}, ErrorValidationFailed},
		{"native unknown", &native.Error{Op: "Draw", Code: native.CodeDriverInternal}, ErrorInitializationFailed},
		{"native inside queue loss", fmt.Errorf("%w: %w", queue.ErrDeviceLost, &native.Error{Code: native.CodeDeviceReset}), ErrorDeviceLost},
		{"map", memory.ErrNotHostVisible, ErrorMemoryMapFailed},
		{"wrapped sentinel", fmt.Errorf("bind: %w", memory.ErrTypeMask), ErrorValidationFailed},
		{"pool exhausted", pipeline.ErrPoolExhausted, ErrorOutOfHostMemory},
		{"fence timeout", syncobj.ErrTimeout, Timeout},
		{"unknown", errors.New("boom"), ErrorInitializationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultOf(tt.err); got != tt.want {
				t.Errorf("ResultOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailReportsToObserver(t *testing.T) {
	f := newDevice(t)
	if err := f.d.fail("op", 7, nil); err != nil {
		t.Fatalf("fail(nil) = %v", err)
	}
	if err := f.d.fail("op", 7, memory.ErrZeroSize); err != ErrorValidationFailed {
		t.Errorf("fail = %v, want ErrorValidationFailed", err)
	}
	if err := f.d.fail("op", 7, &native.Error{Op: "CreateTexture", Code: native.CodeDeviceRemoved}); err != ErrorDeviceLost {
		t.Errorf("fail = %v, want ErrorDeviceLost", err)
	}
	reports := f.obs.Reports()
	if len(reports) != 2 {
		t.Fatalf("reports = %v, want 2", reports)
	}
	if reports[0].Severity != SeverityWarning || reports[0].Category != CategoryValidation || reports[0].Object != 7 {
		t.Errorf("validation report = %+v", reports[0])
	}
	if reports[1].Severity != SeverityError {
		t.Errorf("device-lost report severity = %v, want error", reports[1].Severity)
	}
}
