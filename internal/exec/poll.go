package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// ErrTimeout is returned when a poll gives up before the query completed.
var ErrTimeout = errors.New("exec: timeout")

// DefaultPollInterval is the sleep between polls when none is configured.
const DefaultPollInterval = time.Millisecond

// QueryLocked polls q once. The caller holds the lock.
func (c *Context) QueryLocked(q native.Query) (uint64, bool, error) {
	v, ok, err := c.nc.GetData(q)
	if err != nil && native.IsDeviceLost(err) && c.lost == nil {
		c.lost = err
		diag.Logger().Error("exec: device lost", "op", "GetData", "err", err)
	}
	return v, ok, err
}

// Poll polls q until its result is available, sleeping interval between
// polls with the lock released. It returns ErrTimeout when ctx is done
// first.
func (c *Context) Poll(ctx context.Context, q native.Query, interval time.Duration) (uint64, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for polls := 0; ; polls++ {
		c.mu.Lock()
		v, ok, err := c.QueryLocked(q)
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if ok {
			diag.Logger().Debug("exec: query complete", "polls", polls+1)
			return v, nil
		}
		// A final poll happens after the deadline so a completed query is
		// never reported as timed out.
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w after %d polls", ErrTimeout, polls+1)
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}
