package swapchain

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
)

func newOffscreen(t *testing.T, count int) *Offscreen {
	t.Helper()
	dev := soft.New(soft.Options{})
	s, err := NewOffscreen(dev, 4, 2, gputypes.TextureFormatRGBA8Unorm, count)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Destroy()
		_ = dev.Close()
	})
	return s
}

func TestNewOffscreen(t *testing.T) {
	s := newOffscreen(t, 3)
	if got := len(s.Images()); got != 3 {
		t.Fatalf("images = %d, want 3", got)
	}
	desc := s.Images()[0].Desc()
	if desc.Width != 4 || desc.Height != 2 || !desc.Bind.Has(native.BindRenderTarget) {
		t.Errorf("image desc = %+v", desc)
	}
	if _, err := NewOffscreen(soft.New(soft.Options{}), 0, 2, gputypes.TextureFormatRGBA8Unorm, 1); err == nil {
		t.Error("zero width accepted")
	}
}

func TestAcquirePresent(t *testing.T) {
	s := newOffscreen(t, 2)
	a, err := s.AcquireNextImage(0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.AcquireNextImage(0)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("acquired %d twice", a)
	}
	if _, err := s.AcquireNextImage(0); !errors.Is(err, ErrNotReady) {
		t.Errorf("third acquire = %v, want ErrNotReady", err)
	}
	start := time.Now()
	if _, err := s.AcquireNextImage(5 * time.Millisecond); !errors.Is(err, ErrNotReady) {
		t.Errorf("timed acquire = %v, want ErrNotReady", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("timed acquire returned early")
	}

	if err := s.Present(b); err != nil {
		t.Fatal(err)
	}
	if err := s.Present(b); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("second present = %v, want ErrNotAcquired", err)
	}
	if err := s.Present(7); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("present out of range = %v, want ErrNotAcquired", err)
	}
	c, err := s.AcquireNextImage(0)
	if err != nil || c != b {
		t.Errorf("reacquire = %d, %v; want %d", c, err, b)
	}
	if err := s.Present(a); err != nil {
		t.Fatal(err)
	}
	if got := s.Presented(); !slices.Equal(got, []uint32{b, a}) {
		t.Errorf("Presented = %v, want [%d %d]", got, b, a)
	}
}

func TestDestroy(t *testing.T) {
	s := newOffscreen(t, 1)
	i, err := s.AcquireNextImage(0)
	if err != nil {
		t.Fatal(err)
	}
	s.Destroy()
	s.Destroy()
	if err := s.Present(i); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Present after Destroy = %v, want ErrDestroyed", err)
	}
}
