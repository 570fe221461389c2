package protocol

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/internal/util"
)

var (
	// ErrPoolClosed is returned when a task is submitted after Close.
	ErrPoolClosed = errors.New("blocking pool closed")
	// ErrPoolBusy is returned when the task queue is full. Submit never
	// blocks the event-dispatch thread.
	ErrPoolBusy = errors.New("blocking pool queue full")
)

const defaultQueueDepth = 1024

// BlockingPool runs CPU- or IO-bound protocol tasks on dedicated worker
// goroutines so they cannot stall the event-dispatch thread. One pool is
// shared by all protocol dispatchers of a node.
type BlockingPool struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewBlockingPool starts a pool with the given number of workers.
func NewBlockingPool(workers int) *BlockingPool {
	if workers <= 0 {
		workers = 1
	}
	p := &BlockingPool{
		tasks: make(chan func(), defaultQueueDepth),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("blocking-worker-%d", i)
		util.SafeGoWithName(name, func() {
			defer p.wg.Done()
			p.run()
		})
	}
	return p
}

func (p *BlockingPool) run() {
	for {
		select {
		case <-p.done:
			return
		case task := <-p.tasks:
			runTask(task)
		}
	}
}

// runTask keeps a panicking task from killing its worker.
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("blocking task panic recovered",
				"panic", r,
				"stack", string(debug.Stack()),
				logging.Component("blocking-pool"))
		}
	}()
	task()
}

// Submit queues a task for execution on a worker. It never blocks: a full
// queue yields ErrPoolBusy.
func (p *BlockingPool) Submit(task func()) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Close stops the workers and waits for the in-flight tasks to finish.
// Queued but unstarted tasks are dropped.
func (p *BlockingPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
