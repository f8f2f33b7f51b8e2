package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmctl/internal/domain"
)

var ErrClosed = errors.New("dispatcher closed")

// Handler processes one task. Handlers registered on a dispatcher run in
// registration order for every task.
type Handler func(ctx context.Context, t domain.Task) error

// Dispatcher is a FIFO work queue drained by a fixed number of workers.
// Enqueue never blocks. Tasks start in enqueue order; with more than one
// worker they may complete in any order.
type Dispatcher struct {
	ctx    context.Context
	logger *slog.Logger
	Now    func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []domain.Task
	handlers []Handler
	inFlight int
	closed   bool
	workers  sync.WaitGroup
}

// New starts concurrency workers. Handlers receive ctx.
func New(ctx context.Context, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{ctx: ctx, logger: logger, Now: time.Now}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < concurrency; i++ {
		d.workers.Add(1)
		go d.work()
	}
	return d
}

// OnProcess registers a handler invoked for every task.
func (d *Dispatcher) OnProcess(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Enqueue assigns an id and timestamp and schedules the task.
func (d *Dispatcher) Enqueue(taskType string, payload map[string]any) (domain.Task, error) {
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	t := domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   p,
		CreatedAt: d.Now().UTC(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.Task{}, ErrClosed
	}
	d.queue = append(d.queue, t)
	d.cond.Broadcast()
	return t, nil
}

// Pending is the number of queued tasks not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight is the number of tasks currently being handled.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Wait blocks until the queue is empty and no task is running.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 || d.inFlight > 0 {
		d.cond.Wait()
	}
}

// Close stops accepting tasks, drains what is queued and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.workers.Wait()
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		t := d.queue[0]
		d.queue[0] = domain.Task{}
		d.queue = d.queue[1:]
		d.inFlight++
		handlers := append([]Handler(nil), d.handlers...)
		d.mu.Unlock()

		d.process(t, handlers)

		d.mu.Lock()
		d.inFlight--
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// process runs the handler chain. The first failing handler ends the chain;
// the dispatcher never retries.
func (d *Dispatcher) process(t domain.Task, handlers []Handler) {
	for i, h := range handlers {
		if err := d.invoke(h, t); err != nil {
			d.logger.Error("task handler failed", "task_id", t.ID, "type", t.Type, "handler", i, "err", err)
			return
		}
	}
}

func (d *Dispatcher) invoke(h Handler, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(d.ctx, t)
}
