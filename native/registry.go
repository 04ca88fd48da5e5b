package native

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/gpucontext"
)

// Driver opens a native device.
type Driver func() (Device, error)

// ErrNoDriver is returned by Open when no matching driver is registered.
var ErrNoDriver = errors.New("native: no driver registered")

// drivers holds the registered substrates, best first.
var drivers = gpucontext.NewRegistry[Driver](
	gpucontext.WithPriority("soft", "wgpu-software", "wgpu-noop"),
)

// Register makes a driver available under name. It is intended to be
// called from the init function of implementation packages.
func Register(name string, d Driver) {
	if d == nil {
		panic("native: Register driver is nil")
	}
	drivers.Register(name, func() Driver { return d })
}

// Unregister removes a driver. Mainly for tests.
func Unregister(name string) {
	drivers.Unregister(name)
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	names := drivers.Available()
	sort.Strings(names)
	return names
}

// Open opens the named driver, or the best registered driver if name is
// empty.
func Open(name string) (Device, string, error) {
	if name == "" {
		name = drivers.BestName()
		if name == "" {
			return nil, "", ErrNoDriver
		}
	}
	d := drivers.Get(name)
	if d == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrNoDriver, name)
	}
	dev, err := d()
	if err != nil {
		return nil, "", fmt.Errorf("native: open %s: %w", name, err)
	}
	return dev, name, nil
}
