// Package swapchain provides presentation targets for the queue.
//
// A Swapchain is a fixed set of native textures. Images are acquired,
// rendered to through image views or copies, and handed back by Present.
//
// Offscreen is a swapchain without a window: presented images stay
// readable and every presentation is logged, which makes it the target of
// the replay tool and of tests.
//
// Example:
//
//	sc, _ := swapchain.NewOffscreen(dev, 640, 480, gputypes.TextureFormatRGBA8Unorm, 2)
//	i, _ := sc.AcquireNextImage(time.Second)
//	// record and submit work targeting sc.Images()[i]
//	_ = sc.Present(i)
package swapchain

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// Swapchain errors.
var (
	// ErrNotReady is returned when no image becomes free before the
	// acquire timeout.
	ErrNotReady = errors.New("swapchain: no image available")

	// ErrNotAcquired is returned when presenting an image that is not
	// acquired.
	ErrNotAcquired = errors.New("swapchain: image not acquired")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("swapchain: destroyed")
)

// Swapchain is a set of presentable images.
type Swapchain interface {
	// Images returns the native textures in index order.
	Images() []native.Texture

	// AcquireNextImage returns the index of a free image, waiting up to
	// timeout for one.
	AcquireNextImage(timeout time.Duration) (uint32, error)

	// Present hands an acquired image back to the presentation engine.
	Present(index uint32) error
}

// Offscreen is a Swapchain backed by plain native textures.
type Offscreen struct {
	width  uint32
	height uint32
	format gputypes.TextureFormat
	images []native.Texture

	// free holds the indices that may be acquired.
	free chan uint32

	mu        sync.Mutex
	acquired  []bool
	presents  []uint32
	destroyed bool
}

// NewOffscreen creates count render-target textures of the given size and
// format.
func NewOffscreen(dev native.Device, width, height uint32, format gputypes.TextureFormat, count int) (*Offscreen, error) {
	if count <= 0 || width == 0 || height == 0 {
		return nil, fmt.Errorf("swapchain: invalid offscreen %dx%d with %d images", width, height, count)
	}
	s := &Offscreen{
		width:    width,
		height:   height,
		format:   format,
		free:     make(chan uint32, count),
		acquired: make([]bool, count),
	}
	for i := range count {
		tex, err := dev.CreateTexture(native.TextureDesc{
			Label:       fmt.Sprintf("swapchain image %d", i),
			Dimension:   gputypes.TextureDimension2D,
			Width:       width,
			Height:      height,
			Depth:       1,
			ArraySize:   1,
			MipLevels:   1,
			SampleCount: 1,
			Format:      format,
			Usage:       native.UsageDefault,
			Bind:        native.BindRenderTarget | native.BindShaderResource,
		})
		if err != nil {
			s.release()
			return nil, fmt.Errorf("swapchain: image %d: %w", i, err)
		}
		s.images = append(s.images, tex)
		s.free <- uint32(i) // #nosec G115 -- count fits the channel
	}
	diag.Logger().Info("swapchain: created offscreen", "width", width, "height", height, "format", format, "images", count)
	return s, nil
}

// Width returns the image width in pixels.
func (s *Offscreen) Width() uint32 { return s.width }

// Height returns the image height in pixels.
func (s *Offscreen) Height() uint32 { return s.height }

// Format returns the image format.
func (s *Offscreen) Format() gputypes.TextureFormat { return s.format }

// Images implements Swapchain.
func (s *Offscreen) Images() []native.Texture { return s.images }

// AcquireNextImage implements Swapchain. A zero timeout does not wait.
func (s *Offscreen) AcquireNextImage(timeout time.Duration) (uint32, error) {
	var i uint32
	select {
	case i = <-s.free:
	default:
		if timeout <= 0 {
			return 0, ErrNotReady
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case i = <-s.free:
		case <-timer.C:
			return 0, ErrNotReady
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, ErrDestroyed
	}
	s.acquired[i] = true
	return i, nil
}

// Present implements Swapchain.
func (s *Offscreen) Present(index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if int(index) >= len(s.acquired) || !s.acquired[index] {
		return fmt.Errorf("%w: %d", ErrNotAcquired, index)
	}
	s.acquired[index] = false
	s.presents = append(s.presents, index)
	s.free <- index
	diag.Logger().Debug("swapchain: present", "index", index)
	return nil
}

// Presented returns the presented indices in order.
func (s *Offscreen) Presented() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.presents)
}

// Destroy releases the images.
func (s *Offscreen) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.release()
}

func (s *Offscreen) release() {
	for _, tex := range s.images {
		tex.Release()
	}
	s.images = nil
}

var _ Swapchain = (*Offscreen)(nil)
