// Package query implements query pools on top of native queries, one
// native query per slot.
package query

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/native"
)

var (
	// ErrNotReady is returned by Results when a result is unavailable and
	// the wait flag is not set.
	ErrNotReady = errors.New("query: results not ready")

	// ErrUnsupported is returned for query kinds the substrate cannot
	// answer.
	ErrUnsupported = errors.New("query: kind not supported")

	// ErrRange is returned for slots outside the pool.
	ErrRange = errors.New("query: slot out of range")

	// ErrBuffer is returned when a result buffer is too small for the
	// requested layout.
	ErrBuffer = errors.New("query: result buffer too small")
)

// Kind is the query pool type.
type Kind uint8

// Query kinds.
const (
	KindOcclusion Kind = iota
	KindTimestamp
	KindPipelineStatistics
)

func (k Kind) String() string {
	switch k {
	case KindOcclusion:
		return "Occlusion"
	case KindTimestamp:
		return "Timestamp"
	case KindPipelineStatistics:
		return "PipelineStatistics"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ResultFlags control how results are written.
type ResultFlags uint8

// Result flags.
const (
	// Result64 writes 64-bit values instead of 32-bit ones.
	Result64 ResultFlags = 1 << iota
	// ResultWait waits for every result to become available.
	ResultWait
	// ResultWithAvailability writes an availability word after each value.
	ResultWithAvailability
	// ResultPartial writes the current value of unavailable results.
	ResultPartial
)

// Has reports whether all bits of f are set.
func (r ResultFlags) Has(f ResultFlags) bool { return r&f == f }

// Stride returns the minimum stride of one result under r.
func (r ResultFlags) Stride() uint64 {
	word := uint64(4)
	if r.Has(Result64) {
		word = 8
	}
	if r.Has(ResultWithAvailability) {
		return 2 * word
	}
	return word
}

type slot struct {
	q         native.Query
	issued    bool
	available bool
	value     uint64
}

// Pool is a query pool.
type Pool struct {
	kind     Kind
	interval time.Duration

	mu    sync.Mutex
	slots []slot
	once  sync.Once
}

// NewPool creates count native queries of kind. interval is the sleep
// between polls of waiting reads.
func NewPool(dev native.Device, kind Kind, count uint32, interval time.Duration) (*Pool, error) {
	var nk native.QueryKind
	switch kind {
	case KindOcclusion:
		nk = native.QueryOcclusion
	case KindTimestamp:
		if !dev.Caps().Timestamps {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, kind)
		}
		nk = native.QueryTimestamp
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, kind)
	}
	p := &Pool{kind: kind, interval: interval, slots: make([]slot, count)}
	for i := range p.slots {
		q, err := dev.CreateQuery(nk)
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("query: slot %d: %w", i, err)
		}
		p.slots[i].q = q
	}
	diag.Logger().Debug("query: pool created", "kind", kind, "count", count)
	return p, nil
}

// Kind returns the pool type.
func (p *Pool) Kind() Kind { return p.kind }

// Len returns the number of slots.
func (p *Pool) Len() uint32 { return uint32(len(p.slots)) } // #nosec G115 -- created from a uint32

func (p *Pool) check(first, count uint32) error {
	if uint64(first)+uint64(count) > uint64(len(p.slots)) {
		return fmt.Errorf("%w: [%d,+%d) of %d", ErrRange, first, count, len(p.slots))
	}
	return nil
}

// Reset marks slots [first, first+count) unavailable.
func (p *Pool) Reset(first, count uint32) error {
	if err := p.check(first, count); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := first; i < first+count; i++ {
		p.slots[i].issued, p.slots[i].available, p.slots[i].value = false, false, 0
	}
	return nil
}

// BeginLocked begins slot i. The caller holds the execution context lock.
func (p *Pool) BeginLocked(ctx *exec.Context, i uint32) error {
	if err := p.check(i, 1); err != nil {
		return err
	}
	if p.kind == KindTimestamp {
		return fmt.Errorf("%w: begin on timestamp query", ErrUnsupported)
	}
	p.mu.Lock()
	p.slots[i].issued, p.slots[i].available = false, false
	q := p.slots[i].q
	p.mu.Unlock()
	ctx.Native().Begin(q)
	return nil
}

// EndLocked ends slot i, or writes the timestamp of a timestamp slot. The
// caller holds the execution context lock.
func (p *Pool) EndLocked(ctx *exec.Context, i uint32) error {
	if err := p.check(i, 1); err != nil {
		return err
	}
	p.mu.Lock()
	p.slots[i].issued, p.slots[i].available = true, false
	q := p.slots[i].q
	p.mu.Unlock()
	ctx.Native().End(q)
	return nil
}

// poll refreshes slot i. The caller holds the execution context lock.
func (p *Pool) poll(ctx *exec.Context, i uint32) (uint64, bool, error) {
	p.mu.Lock()
	s := p.slots[i]
	p.mu.Unlock()
	if s.available {
		return s.value, true, nil
	}
	if !s.issued {
		return 0, false, nil
	}
	v, ok, err := ctx.QueryLocked(s.q)
	if err != nil || !ok {
		return 0, false, err
	}
	p.mu.Lock()
	p.slots[i].value, p.slots[i].available = v, true
	p.mu.Unlock()
	return v, true, nil
}

func (p *Pool) wait(c context.Context, ctx *exec.Context, i uint32) (uint64, bool, error) {
	p.mu.Lock()
	s := p.slots[i]
	p.mu.Unlock()
	if s.available {
		return s.value, true, nil
	}
	if !s.issued {
		// Waiting on a never-issued query cannot complete.
		return 0, false, nil
	}
	v, err := ctx.Poll(c, s.q, p.interval)
	if err != nil {
		return 0, false, err
	}
	p.mu.Lock()
	p.slots[i].value, p.slots[i].available = v, true
	p.mu.Unlock()
	return v, true, nil
}

// Results writes the results of [first, first+count) into data, one
// result every stride bytes. Without ResultWait it returns ErrNotReady
// when any result is unavailable, after writing the available ones.
// ResultWait blocks until c is done.
func (p *Pool) Results(c context.Context, ctx *exec.Context, first, count uint32, data []byte, stride uint64, flags ResultFlags) error {
	if err := p.check(first, count); err != nil {
		return err
	}
	if count > 0 && (stride < flags.Stride() || uint64(len(data)) < stride*uint64(count-1)+flags.Stride()) {
		return fmt.Errorf("%w: %d bytes, stride %d, %d results", ErrBuffer, len(data), stride, count)
	}
	ready := true
	for n := range count {
		var (
			v   uint64
			ok  bool
			err error
		)
		if flags.Has(ResultWait) {
			v, ok, err = p.wait(c, ctx, first+n)
		} else {
			ctx.Lock()
			v, ok, err = p.poll(ctx, first+n)
			ctx.Unlock()
		}
		if err != nil {
			return err
		}
		ready = ready && ok
		write(data[uint64(n)*stride:], v, ok, flags)
	}
	if !ready {
		return ErrNotReady
	}
	return nil
}

// CopyLocked writes results into dst at offset for the CopyQueryResults
// command. The caller holds the execution context lock. With ResultWait it
// flushes and polls under the lock.
func (p *Pool) CopyLocked(c context.Context, ctx *exec.Context, first, count uint32, dst native.Buffer, offset, stride uint64, flags ResultFlags) error {
	if err := p.check(first, count); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	data := make([]byte, stride*uint64(count-1)+flags.Stride())
	for n := range count {
		v, ok, err := p.poll(ctx, first+n)
		for err == nil && !ok && flags.Has(ResultWait) && p.issued(first+n) && c.Err() == nil {
			ctx.Native().Flush()
			v, ok, err = p.poll(ctx, first+n)
		}
		if err != nil {
			return err
		}
		write(data[uint64(n)*stride:], v, ok, flags)
	}
	return ctx.WriteBufferLocked(dst, offset, data)
}

func (p *Pool) issued(i uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[i].issued
}

// write stores one result. Unavailable values are written only with
// ResultPartial, as zero.
func write(dst []byte, v uint64, ok bool, flags ResultFlags) {
	word := 4
	if flags.Has(Result64) {
		word = 8
	}
	put := func(b []byte, x uint64) {
		if word == 8 {
			binary.LittleEndian.PutUint64(b, x)
		} else {
			binary.LittleEndian.PutUint32(b, uint32(x)) // #nosec G115 -- 32-bit results truncate by definition
		}
	}
	if ok || flags.Has(ResultPartial) {
		put(dst, v)
	}
	if flags.Has(ResultWithAvailability) {
		var a uint64
		if ok {
			a = 1
		}
		put(dst[word:], a)
	}
}

// Destroy releases the native queries.
func (p *Pool) Destroy() {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := range p.slots {
			if p.slots[i].q != nil {
				p.slots[i].q.Release()
				p.slots[i].q = nil
			}
		}
	})
}
