package soft

import (
	"fmt"
	"slices"

	"github.com/gogpu/explicit/native"
)

// Frequency is the tick rate reported by disjoint timestamp queries.
const Frequency = 1_000_000_000

// Begin implements native.Context.
func (c *Context) Begin(q native.Query) {
	c.trace.add("Begin", q)
	sq, ok := q.(*query)
	if !ok || !c.live(q) {
		c.reject("Begin on %v", q)
		return
	}
	if sq.kind == native.QueryEvent || sq.kind == native.QueryTimestamp {
		c.reject("Begin on %v query", sq.kind)
		return
	}
	sq.active, sq.ended, sq.flushed, sq.polls, sq.value = true, false, false, 0, 0
	if !slices.Contains(c.open, sq) {
		c.open = append(c.open, sq)
	}
}

// End implements native.Context.
func (c *Context) End(q native.Query) {
	c.trace.add("End", q)
	sq, ok := q.(*query)
	if !ok || !c.live(q) {
		c.reject("End on %v", q)
		return
	}
	switch sq.kind {
	case native.QueryEvent:
		sq.value = 1
	case native.QueryTimestamp:
		sq.value = c.ticks
	case native.QueryTimestampDisjoint:
		sq.value = Frequency
	default:
		if !sq.active {
			c.reject("End without Begin on %v", sq)
			return
		}
	}
	c.open = slices.DeleteFunc(c.open, func(o *query) bool { return o == sq })
	sq.active, sq.ended, sq.flushed, sq.polls = false, true, false, 0
	sq.issued = c.flushes
	c.queries = append(c.queries, sq)
}

// GetData implements native.Context. A result becomes available once a
// Flush followed End and QueryLatency polls have been made since.
func (c *Context) GetData(q native.Query) (uint64, bool, error) {
	const op = "GetData"
	if err := c.dev.check(op); err != nil {
		return 0, false, err
	}
	sq, ok := q.(*query)
	if !ok || sq.Released() {
		return 0, false, native.Errorf(op, native.CodeInvalidArg, "%v is not a live query", q)
	}
	if !sq.ended {
		return 0, false, nil
	}
	if !sq.flushed {
		// GetData flushes implicitly, like the driver does.
		c.Flush()
	}
	if sq.polls < c.dev.opts.QueryLatency {
		sq.polls++
		return 0, false, nil
	}
	return sq.value, true, nil
}

// Map implements native.Context.
func (c *Context) Map(res native.Resource, sub uint32, mode native.MapType) (native.Mapped, error) {
	const op = "Map"
	if err := c.begin(op, res, sub, mode); err != nil {
		return native.Mapped{}, err
	}
	var usage native.Usage
	var cpu native.CPUAccess
	switch r := res.(type) {
	case *Buffer:
		usage, cpu = r.desc.Usage, r.desc.CPUAccess
		if r.mapped || sub != 0 || r.Released() {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "%v subresource %d is mapped or invalid", r, sub)
		}
		if err := mapAllowed(usage, cpu, mode); err != nil {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "%v: %w", r, err)
		}
		r.mapped = true
		return native.Mapped{Data: r.data, RowPitch: uint32(len(r.data)), DepthPitch: uint32(len(r.data))}, nil // #nosec G115 -- buffers are far below 4 GiB here
	case *Texture:
		usage, cpu = r.desc.Usage, r.desc.CPUAccess
		if int(sub) >= len(r.subs) || r.mapped[sub] || r.Released() {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "%v subresource %d is mapped or invalid", r, sub)
		}
		if err := mapAllowed(usage, cpu, mode); err != nil {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "%v: %w", r, err)
		}
		r.mapped[sub] = true
		mip, _ := native.SplitSubresource(sub, r.desc.MipLevels)
		return native.Mapped{Data: r.subs[sub], RowPitch: r.rowPitch(mip), DepthPitch: r.slicePitch(mip)}, nil
	}
	return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", res)
}

func mapAllowed(usage native.Usage, cpu native.CPUAccess, mode native.MapType) error {
	switch mode {
	case native.MapRead:
		if usage == native.UsageStaging && cpu.Has(native.CPUAccessRead) {
			return nil
		}
	case native.MapWrite:
		if usage == native.UsageStaging && cpu.Has(native.CPUAccessWrite) {
			return nil
		}
	case native.MapReadWrite:
		if usage == native.UsageStaging && cpu.Has(native.CPUAccessRead|native.CPUAccessWrite) {
			return nil
		}
	case native.MapWriteDiscard, native.MapWriteNoOverwrite:
		if usage == native.UsageDynamic && cpu.Has(native.CPUAccessWrite) {
			return nil
		}
	}
	return fmt.Errorf("%v map of %v resource with CPU access %d", mode, usage, cpu)
}

// Unmap implements native.Context.
func (c *Context) Unmap(res native.Resource, sub uint32) {
	c.trace.add("Unmap", res, sub)
	switch r := res.(type) {
	case *Buffer:
		if !r.mapped {
			c.reject("Unmap of unmapped %v", r)
		}
		r.mapped = false
	case *Texture:
		if !r.mapped[sub] {
			c.reject("Unmap of unmapped %v subresource %d", r, sub)
		}
		delete(r.mapped, sub)
	default:
		c.reject("Unmap of foreign resource %T", res)
	}
}
