package envelopecrypt

import (
	"sync"
	"time"

	"github.com/vaultmesh/envelopecrypt/pkg/log"
)

// backgroundProcessor runs arbitrary deferred work items on a single goroutine.
// This bounds goroutine growth under eviction storms: session cache eviction
// and key cache orphan bookkeeping both hand off work here instead of
// spawning a goroutine per event, which matters on Lambda where each
// invocation pays for every goroutine it leaves running.
type backgroundProcessor struct {
	workChan chan func()
	done     chan struct{}
	once     sync.Once
}

// newBackgroundProcessor creates a single-goroutine work processor.
func newBackgroundProcessor() *backgroundProcessor {
	p := &backgroundProcessor{
		workChan: make(chan func(), 10000), // Large buffer for big bursts
		done:     make(chan struct{}),
	}

	go p.run()

	return p
}

// run executes submitted work sequentially until close is requested, then
// drains whatever remains queued before returning.
func (p *backgroundProcessor) run() {
	for {
		select {
		case work := <-p.workChan:
			log.Debugf("processing background work item")
			work()
		case <-p.done:
			for {
				select {
				case work := <-p.workChan:
					work()
				default:
					return
				}
			}
		}
	}
}

// submit queues work for processing, falling back to synchronous execution
// if the queue is full or the processor has already been closed.
func (p *backgroundProcessor) submit(work func()) bool {
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, fall back to synchronous execution
			log.Debugf("background processor closed, performing synchronous cleanup")
			work()
		}
	}()

	select {
	case <-p.done:
		log.Debugf("background processor closed, performing synchronous cleanup")
		work()
		return false
	default:
	}

	select {
	case p.workChan <- work:
		return true
	default:
		// Queue is full, fall back to synchronous execution
		log.Debugf("background processor queue full, performing synchronous cleanup")
		work()
		return false
	}
}

// close shuts down the processor.
func (p *backgroundProcessor) close() {
	p.once.Do(func() {
		close(p.done)
		// Don't need to wait since the run loop will drain and exit
	})
}

// waitForEmpty blocks until the work queue is empty.
// This is primarily used for testing to ensure cleanup has completed.
func (p *backgroundProcessor) waitForEmpty() {
	for i := 0; i < 200; i++ { // max 2 seconds
		if len(p.workChan) == 0 {
			// Give the run loop more time to finish any in-flight item
			time.Sleep(time.Millisecond * 100)
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}

// globalBackgroundProcessor is the shared processor for session cache eviction
// cleanup and key cache orphan sweeps. Using a single global processor keeps
// goroutine count constant regardless of how many caches are active.
var (
	globalBackgroundProcessor     *backgroundProcessor
	globalBackgroundProcessorOnce sync.Once
	globalBackgroundProcessorMu   sync.Mutex
)

// getBackgroundProcessor returns the global background processor, creating it if needed.
func getBackgroundProcessor() *backgroundProcessor {
	globalBackgroundProcessorOnce.Do(func() {
		globalBackgroundProcessor = newBackgroundProcessor()
	})

	return globalBackgroundProcessor
}

// resetGlobalBackgroundProcessor resets the global processor for testing.
// This should only be used in tests.
func resetGlobalBackgroundProcessor() {
	globalBackgroundProcessorMu.Lock()
	defer globalBackgroundProcessorMu.Unlock()

	if globalBackgroundProcessor != nil {
		globalBackgroundProcessor.close()
	}

	globalBackgroundProcessor = nil
	globalBackgroundProcessorOnce = sync.Once{}
}
