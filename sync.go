package explicit

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/explicit/internal/syncobj"
)

// CreateFence creates a fence, signaled if requested.
func (d *Device) CreateFence(signaled bool) (Fence, error) {
	f, err := syncobj.NewFence(d.ctx, signaled, d.cfg.PollInterval, d.poller)
	if err != nil {
		return 0, d.fail("CreateFence", 0, err)
	}
	return d.fences.insert(f), nil
}

// DestroyFence destroys f.
func (d *Device) DestroyFence(f Fence) error {
	v, ok, err := d.fences.remove(f)
	if err != nil {
		return d.fail("DestroyFence", uint64(f), err)
	}
	if ok {
		v.Destroy()
	}
	return nil
}

// WaitForFences waits until every fence, or any when all is false, is
// signaled. A negative timeout waits until ctx is done. It returns Timeout
// when the wait gives up.
func (d *Device) WaitForFences(ctx context.Context, fences []Fence, all bool, timeout time.Duration) error {
	fs, err := getAll(d.fences, fences)
	if err != nil {
		return d.fail("WaitForFences", 0, err)
	}
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := syncobj.WaitMany(ctx, fs, all); err != nil {
		return d.fail("WaitForFences", 0, err)
	}
	return d.fail("WaitForFences", 0, d.binder.InvalidateMapped())
}

// ResetFences returns fences to unsignaled. A fence whose work has not
// completed cannot be reset.
func (d *Device) ResetFences(fences []Fence) error {
	fs, err := getAll(d.fences, fences)
	if err != nil {
		return d.fail("ResetFences", 0, err)
	}
	for i, f := range fs {
		if !f.Pending() {
			continue
		}
		done, err := f.Status()
		if err != nil {
			return d.fail("ResetFences", uint64(fences[i]), err)
		}
		if !done {
			return d.fail("ResetFences", uint64(fences[i]), fmt.Errorf("reset: %w", syncobj.ErrInUse))
		}
	}
	for _, f := range fs {
		f.Reset()
	}
	return nil
}

// GetFenceStatus returns Success when f is signaled and NotReady
// otherwise. Only failures are returned as errors.
func (d *Device) GetFenceStatus(f Fence) (Result, error) {
	v, err := d.fences.get(f)
	if err != nil {
		return ErrorInvalidHandle, d.fail("GetFenceStatus", uint64(f), err)
	}
	done, err := v.Status()
	if err != nil {
		e := d.fail("GetFenceStatus", uint64(f), err)
		return ResultOf(e), e
	}
	if done {
		return Success, nil
	}
	return NotReady, nil
}

// CreateEvent creates an event in the reset state.
func (d *Device) CreateEvent() (Event, error) {
	return d.events.insert(syncobj.NewEvent("")), nil
}

// DestroyEvent destroys e.
func (d *Device) DestroyEvent(e Event) error {
	_, _, err := d.events.remove(e)
	return d.fail("DestroyEvent", uint64(e), err)
}

// SetEvent sets e from the host.
func (d *Device) SetEvent(e Event) error {
	v, err := d.events.get(e)
	if err != nil {
		return d.fail("SetEvent", uint64(e), err)
	}
	v.Set()
	return nil
}

// ResetEvent resets e from the host.
func (d *Device) ResetEvent(e Event) error {
	v, err := d.events.get(e)
	if err != nil {
		return d.fail("ResetEvent", uint64(e), err)
	}
	v.Reset()
	return nil
}

// GetEventStatus returns EventSet or EventReset.
func (d *Device) GetEventStatus(e Event) (Result, error) {
	v, err := d.events.get(e)
	if err != nil {
		return ErrorInvalidHandle, d.fail("GetEventStatus", uint64(e), err)
	}
	if v.Status() {
		return EventSet, nil
	}
	return EventReset, nil
}

// CreateSemaphore creates an unsignaled binary semaphore.
func (d *Device) CreateSemaphore() (Semaphore, error) {
	return d.semaphores.insert(syncobj.NewSemaphore("")), nil
}

// DestroySemaphore destroys s.
func (d *Device) DestroySemaphore(s Semaphore) error {
	_, _, err := d.semaphores.remove(s)
	return d.fail("DestroySemaphore", uint64(s), err)
}
