package syncobj

import (
	"context"
	"sync"
	"time"

	"github.com/gogpu/explicit/internal/diag"
)

// Poller polls pending fences on a background goroutine and wakes
// waiters through a condition variable. A nil *Poller is valid and does
// nothing.
type Poller struct {
	interval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	watched map[*Fence]int
	// gen counts broadcasts.
	gen    uint64
	closed bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPoller starts a poller that checks watched fences every interval.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Millisecond
	}
	p := &Poller{
		interval: interval,
		watched:  make(map[*Fence]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		fences := make([]*Fence, 0, len(p.watched))
		for f := range p.watched {
			fences = append(fences, f)
		}
		p.mu.Unlock()
		for _, f := range fences {
			if _, err := f.poll(); err != nil {
				diag.Logger().Warn("syncobj: poll failed", "err", err)
				p.broadcast()
			}
		}
	}
}

func (p *Poller) broadcast() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.gen++
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Poller) forget(f *Fence) {
	p.mu.Lock()
	delete(p.watched, f)
	p.mu.Unlock()
}

// wait blocks on the condition variable until done reports true or c is
// done. done is evaluated without p.mu held; a wakeup generation detects
// broadcasts that happen meanwhile.
func (p *Poller) wait(c context.Context, fences []*Fence, done func() (bool, error)) error {
	p.mu.Lock()
	for _, f := range fences {
		p.watched[f]++
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		for _, f := range fences {
			if p.watched[f]--; p.watched[f] <= 0 {
				delete(p.watched, f)
			}
		}
		p.mu.Unlock()
	}()
	stop := context.AfterFunc(c, p.broadcast)
	defer stop()

	for {
		p.mu.Lock()
		gen, closed := p.gen, p.closed
		p.mu.Unlock()
		if closed {
			return pollWait(c, p.interval, done)
		}
		ok, err := done()
		if err != nil || ok {
			return err
		}
		if c.Err() != nil {
			return ErrTimeout
		}
		p.mu.Lock()
		for p.gen == gen {
			p.cond.Wait()
		}
		p.mu.Unlock()
	}
}

// Close stops the background goroutine and wakes every waiter.
func (p *Poller) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.broadcast()
	})
}
