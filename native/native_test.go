package native

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"
)

func TestCodeString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeOK, "OK"},
		{CodeDeviceRemoved, "DeviceRemoved"},
		{CodeWasStillDrawing, "WasStillDrawing"},
		{Code(99), "Code(99)"},
		{Code(-1), "Code(-1)"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("Code(%d).String() = %q, want %q", int32(tt.code), got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", &Error{Op: "Draw", Code: CodeDeviceHung})
	tests := []struct {
		name string
		err  error
		want Code
		lost bool
	}{
		{"nil", nil, CodeOK, false},
		{"plain", errors.New("x"), CodeFail, false},
		{"native", &Error{Op: "CreateBuffer", Code: CodeOutOfMemory}, CodeOutOfMemory, false},
		{"wrapped", wrapped, CodeDeviceHung, true},
		{"removed", Errorf("Map", CodeDeviceRemoved, "gone"), CodeDeviceRemoved, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
			if got := IsDeviceLost(tt.err); got != tt.lost {
				t.Errorf("IsDeviceLost() = %v, want %v", got, tt.lost)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf("CreateTexture", CodeInvalidArg, "width %d", 0)
	want := "native: CreateTexture: InvalidArg: width 0"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	bare := &Error{Op: "Flush", Code: CodeFail}
	if got := bare.Error(); got != "native: Flush: Fail" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSubresource(t *testing.T) {
	for layer := range uint32(3) {
		for mip := range uint32(4) {
			sub := Subresource(mip, layer, 4)
			gm, gl := SplitSubresource(sub, 4)
			if gm != mip || gl != layer {
				t.Errorf("SplitSubresource(%d) = (%d, %d), want (%d, %d)", sub, gm, gl, mip, layer)
			}
		}
	}
	if got := Subresource(1, 2, 5); got != 11 {
		t.Errorf("Subresource(1, 2, 5) = %d, want 11", got)
	}
}

func TestMipExtent(t *testing.T) {
	d := TextureDesc{Width: 16, Height: 4, Depth: 1, ArraySize: 1, MipLevels: 5}
	tests := []struct {
		mip  uint32
		w, h uint32
	}{
		{0, 16, 4},
		{1, 8, 2},
		{2, 4, 1},
		{4, 1, 1},
	}
	for _, tt := range tests {
		w, h, depth := d.MipExtent(tt.mip)
		if w != tt.w || h != tt.h || depth != 1 {
			t.Errorf("MipExtent(%d) = %d,%d,%d want %d,%d,1", tt.mip, w, h, depth, tt.w, tt.h)
		}
	}
}

func TestRowPitch(t *testing.T) {
	tests := []struct {
		format gputypes.TextureFormat
		width  uint32
		want   uint32
	}{
		{gputypes.TextureFormatRGBA8Unorm, 7, 28},
		{gputypes.TextureFormatR8Unorm, 3, 3},
		{gputypes.TextureFormatRGBA32Float, 2, 32},
		{gputypes.TextureFormatBC1RGBAUnorm, 5, 16},
		{gputypes.TextureFormatUndefined, 5, 0},
	}
	for _, tt := range tests {
		if got := RowPitch(tt.format, tt.width); got != tt.want {
			t.Errorf("RowPitch(%v, %d) = %d, want %d", tt.format, tt.width, got, tt.want)
		}
	}
	if got := RowCount(gputypes.TextureFormatBC3RGBAUnorm, 9); got != 3 {
		t.Errorf("RowCount(BC3, 9) = %d, want 3", got)
	}
}

func TestEncodeColor(t *testing.T) {
	c := f32.Vec4{1, 0.5, 0, 1}
	got, ok := EncodeColor(gputypes.TextureFormatRGBA8Unorm, c)
	if !ok || string(got) != string([]byte{255, 128, 0, 255}) {
		t.Errorf("RGBA8 = %v, %v", got, ok)
	}
	got, ok = EncodeColor(gputypes.TextureFormatBGRA8Unorm, c)
	if !ok || string(got) != string([]byte{0, 128, 255, 255}) {
		t.Errorf("BGRA8 = %v, %v", got, ok)
	}
	got, ok = EncodeColor(gputypes.TextureFormatRGBA16Float, f32.Vec4{1, 0, -2, 0.5})
	want := []byte{0x00, 0x3C, 0x00, 0x00, 0x00, 0xC0, 0x00, 0x38}
	if !ok || string(got) != string(want) {
		t.Errorf("RGBA16F = %x, want %x", got, want)
	}
	if _, ok := EncodeColor(gputypes.TextureFormatDepth32Float, c); ok {
		t.Error("EncodeColor accepted a depth format")
	}
}

func TestEncodeDepthStencil(t *testing.T) {
	texel := []byte{0, 0, 0, 0x7F}
	if !EncodeDepthStencil(gputypes.TextureFormatDepth24PlusStencil8, texel, ClearDepth, 1, 9) {
		t.Fatal("D24S8 rejected")
	}
	if want := []byte{0xFF, 0xFF, 0xFF, 0x7F}; string(texel) != string(want) {
		t.Errorf("depth-only clear = %x, want %x", texel, want)
	}
	EncodeDepthStencil(gputypes.TextureFormatDepth24PlusStencil8, texel, ClearStencil, 0, 9)
	if texel[3] != 9 || texel[0] != 0xFF {
		t.Errorf("stencil-only clear = %x", texel)
	}
	if EncodeDepthStencil(gputypes.TextureFormatRGBA8Unorm, texel, ClearDepth, 0, 0) {
		t.Error("colour format accepted")
	}
}

func TestStageMapping(t *testing.T) {
	for _, s := range []Stage{StageVertex, StagePixel, StageCompute} {
		got, ok := StageOf(s.Bit())
		if !ok || got != s {
			t.Errorf("StageOf(%v.Bit()) = %v, %v", s, got, ok)
		}
	}
	if _, ok := StageOf(gputypes.ShaderStageVertex | gputypes.ShaderStageFragment); ok {
		t.Error("StageOf accepted a stage mask")
	}
}

func TestRegistry(t *testing.T) {
	errBoom := errors.New("boom")
	Register("test-ok", func() (Device, error) { return nil, nil })
	Register("test-fail", func() (Device, error) { return nil, errBoom })
	t.Cleanup(func() {
		Unregister("test-ok")
		Unregister("test-fail")
	})

	if _, name, err := Open("test-ok"); err != nil || name != "test-ok" {
		t.Errorf("Open(test-ok) = %q, %v", name, err)
	}
	if _, _, err := Open("test-fail"); !errors.Is(err, errBoom) {
		t.Errorf("Open(test-fail) err = %v, want %v", err, errBoom)
	}
	if _, _, err := Open("missing"); !errors.Is(err, ErrNoDriver) {
		t.Errorf("Open(missing) err = %v, want ErrNoDriver", err)
	}
	found := false
	for _, n := range Drivers() {
		if n == "test-ok" {
			found = true
		}
	}
	if !found {
		t.Errorf("Drivers() = %v, missing test-ok", Drivers())
	}
}
