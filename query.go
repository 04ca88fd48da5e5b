package explicit

import (
	"context"

	"github.com/gogpu/explicit/internal/query"
)

// QueryType is the kind of a query pool.
type QueryType = query.Kind

// Query pool kinds.
const (
	QueryTypeOcclusion          = query.KindOcclusion
	QueryTypeTimestamp          = query.KindTimestamp
	QueryTypePipelineStatistics = query.KindPipelineStatistics
)

// QueryResultFlags control how query results are written.
type QueryResultFlags = query.ResultFlags

// Query result flags.
const (
	QueryResult64               = query.Result64
	QueryResultWait             = query.ResultWait
	QueryResultWithAvailability = query.ResultWithAvailability
	QueryResultPartial          = query.ResultPartial
)

// CreateQueryPool creates count queries of kind. Timestamp pools need the
// Timestamps feature; pipeline statistics are not supported.
func (d *Device) CreateQueryPool(kind QueryType, count uint32) (QueryPool, error) {
	if kind == QueryTypeTimestamp && !d.cfg.Features.Timestamps {
		return 0, d.fail("CreateQueryPool", 0, ErrorFeatureNotPresent)
	}
	p, err := query.NewPool(d.nd, kind, count, d.cfg.PollInterval)
	if err != nil {
		return 0, d.fail("CreateQueryPool", 0, err)
	}
	return d.queryPools.insert(p), nil
}

// DestroyQueryPool destroys pool.
func (d *Device) DestroyQueryPool(pool QueryPool) error {
	p, ok, err := d.queryPools.remove(pool)
	if err != nil {
		return d.fail("DestroyQueryPool", uint64(pool), err)
	}
	if ok {
		p.Destroy()
	}
	return nil
}

// GetQueryPoolResults writes count results from first into data, one every
// stride bytes. Without QueryResultWait it returns NotReady when a result
// is unavailable; with it the wait is bounded by ctx.
func (d *Device) GetQueryPoolResults(ctx context.Context, pool QueryPool, first, count uint32, data []byte, stride uint64, flags QueryResultFlags) error {
	p, err := d.queryPools.get(pool)
	if err != nil {
		return d.fail("GetQueryPoolResults", uint64(pool), err)
	}
	if flags.Has(QueryResultWait) {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.WaitIdleTimeout)
			defer cancel()
		}
	}
	err = p.Results(ctx, d.ctx, first, count, data, stride, flags)
	if ResultOf(err) == NotReady {
		return NotReady
	}
	return d.fail("GetQueryPoolResults", uint64(pool), err)
}
