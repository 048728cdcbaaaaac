package events

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Publisher delivers one envelope to a transport.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// DispatcherConfig sizes the publish lanes.
type DispatcherConfig struct {
	// Lanes is the number of worker goroutines. A board always maps to the
	// same lane, so its events leave in emission order.
	Lanes          int
	Buffer         int
	HandoffTimeout time.Duration
	PublishTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Lanes <= 0 {
		c.Lanes = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Dispatcher hands committed events to publishers without blocking the
// mutation path. Delivery is at-most-once: a saturated lane drops the event
// and a failing publisher is logged, never retried.
type Dispatcher struct {
	cfg        DispatcherConfig
	publishers []Publisher
	logger     *log.Logger
	lanes      []chan Envelope
	wg         sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewDispatcher starts the lane workers. Close must be called to stop them.
func NewDispatcher(cfg DispatcherConfig, logger *log.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		panic("logger is required")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{cfg: cfg, publishers: publishers, logger: logger, lanes: make([]chan Envelope, cfg.Lanes)}
	for i := range d.lanes {
		d.lanes[i] = make(chan Envelope, cfg.Buffer)
		d.wg.Add(1)
		go d.worker(i, d.lanes[i])
	}
	logger.Infof("event dispatcher started, lanes: %d, buffer: %d, handoff: %v", cfg.Lanes, cfg.Buffer, cfg.HandoffTimeout)
	return d
}

// Dispatch queues env for delivery and reports whether it was accepted.
func (d *Dispatcher) Dispatch(env Envelope) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	lane := d.lanes[d.laneFor(env.BoardID)]

	select {
	case lane <- env:
		return true
	default:
	}
	if d.cfg.HandoffTimeout > 0 {
		timer := time.NewTimer(d.cfg.HandoffTimeout)
		defer timer.Stop()
		select {
		case lane <- env:
			return true
		case <-timer.C:
		}
	}
	d.dropped.Add(1)
	d.logger.WithFields(log.Fields{"board": env.BoardID, "event": env.Name()}).Warn("publish lane saturated; event dropped")
	return false
}

// Dropped returns the number of events discarded because a lane was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed returns the number of publish calls that returned an error.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close stops accepting events and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.lanes {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) laneFor(boardID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(boardID))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

func (d *Dispatcher) worker(id int, ch <-chan Envelope) {
	defer d.wg.Done()
	for env := range ch {
		for _, p := range d.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
			err := p.Publish(ctx, env)
			cancel()
			if err != nil {
				d.failed.Add(1)
				d.logger.WithError(err).WithFields(log.Fields{
					"board":  env.BoardID,
					"event":  env.Name(),
					"worker": id,
				}).Error("event publish failed")
			}
		}
	}
}
