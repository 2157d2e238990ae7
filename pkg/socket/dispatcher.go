package socket

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/technocode/Cobalt/pkg/events"
	"github.com/technocode/Cobalt/pkg/metrics"
)

type job struct {
	handler events.Handler
	evt     any
}

// Dispatcher delivers events to the registered handlers on a fixed pool of
// workers. A panicking handler is recovered and reported through onPanic.
type Dispatcher struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	onPanic func(error)

	mu       sync.RWMutex
	handlers map[uint32]events.Handler
	order    []uint32
	nextID   uint32

	sendMu    sync.RWMutex
	jobs      chan job
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(workers, queueSize int, log *zap.Logger, m *metrics.Metrics, onPanic func(error)) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		log:      log,
		metrics:  m,
		onPanic:  onPanic,
		handlers: make(map[uint32]events.Handler),
		jobs:     make(chan job, queueSize),
		done:     make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("event handler panicked on %T: %v", j.evt, r)
			d.log.Error("recovered listener panic", zap.Error(err), zap.Stack("stack"))
			d.metrics.ListenerPanic()
			if d.onPanic != nil {
				d.onPanic(err)
			}
		}
	}()
	j.handler(j.evt)
}

// AddHandler registers h and returns an id for RemoveHandler.
func (d *Dispatcher) AddHandler(h events.Handler) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[d.nextID] = h
	d.order = append(d.order, d.nextID)
	return d.nextID
}

func (d *Dispatcher) RemoveHandler(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return false
	}
	delete(d.handlers, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Emit queues evt for every handler. It blocks while the queue is full and
// drops the event once the dispatcher is closed.
func (d *Dispatcher) Emit(evt any) {
	d.mu.RLock()
	targets := make([]events.Handler, 0, len(d.order))
	for _, id := range d.order {
		targets = append(targets, d.handlers[id])
	}
	d.mu.RUnlock()

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	for _, h := range targets {
		select {
		case <-d.done:
			return
		default:
		}
		select {
		case d.jobs <- job{handler: h, evt: evt}:
		case <-d.done:
			return
		}
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.sendMu.Lock()
		close(d.jobs)
		d.sendMu.Unlock()
	})
	d.wg.Wait()
}
