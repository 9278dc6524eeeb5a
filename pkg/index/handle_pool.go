package index

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// fileHandle is a pooled read handle on a table file.
type fileHandle struct {
	file *os.File
	buf  []byte // one record
}

func (h *fileHandle) readAt(offset int64, n int) ([]byte, error) {
	b := h.buf[:n]
	if _, err := h.file.ReadAt(b, offset); err != nil {
		return nil, err
	}
	return b, nil
}

// handlePool lends out read handles on one file. It never blocks: when all
// maxReaders handles are out, get fails with ErrHandlePoolExhausted. Once
// disposal starts, new gets fail with ErrFileBeingDeleted and the pool
// drains as outstanding handles come back; onDrained runs exactly once,
// after the last one.
type handlePool struct {
	path     string
	recSize  int
	capacity *semaphore.Weighted

	mu          sync.Mutex
	idle        []*fileHandle
	outstanding int
	disposing   bool
	deleteFile  bool

	drained   chan struct{}
	drainOnce sync.Once
	onDrained func(deleteFile bool)
}

func newHandlePool(path string, recSize, initialReaders, maxReaders int, onDrained func(deleteFile bool)) (*handlePool, error) {
	p := &handlePool{
		path:      path,
		recSize:   recSize,
		capacity:  semaphore.NewWeighted(int64(maxReaders)),
		drained:   make(chan struct{}),
		onDrained: onDrained,
	}
	for i := 0; i < initialReaders; i++ {
		h, err := p.open()
		if err != nil {
			p.closeIdle()
			return nil, err
		}
		p.idle = append(p.idle, h)
	}
	return p, nil
}

func (p *handlePool) open() (*fileHandle, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ptable %s: %w", p.path, err)
	}
	return &fileHandle{file: f, buf: make([]byte, max(p.recSize, midpointSize))}, nil
}

func (p *handlePool) get() (*fileHandle, error) {
	p.mu.Lock()
	if p.disposing {
		p.mu.Unlock()
		return nil, ErrFileBeingDeleted
	}
	if !p.capacity.TryAcquire(1) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandlePoolExhausted, p.path)
	}
	p.outstanding++
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	h, err := p.open()
	if err != nil {
		p.release(nil)
		return nil, err
	}
	return h, nil
}

// release returns a handle to the pool. A nil handle only gives back the slot.
func (p *handlePool) release(h *fileHandle) {
	p.mu.Lock()
	p.outstanding--
	p.capacity.Release(1)
	if h != nil {
		if p.disposing {
			_ = h.file.Close()
		} else {
			p.idle = append(p.idle, h)
		}
	}
	done := p.disposing && p.outstanding == 0
	deleteFile := p.deleteFile
	p.mu.Unlock()

	if done {
		p.finish(deleteFile)
	}
}

// markForDisposal stops lending handles. The pool drains once every
// outstanding handle is released.
func (p *handlePool) markForDisposal(deleteFile bool) {
	p.mu.Lock()
	p.deleteFile = deleteFile
	p.disposing = true
	done := p.outstanding == 0
	p.mu.Unlock()

	p.closeIdle()
	if done {
		p.finish(deleteFile)
	}
}

func (p *handlePool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		_ = h.file.Close()
	}
}

func (p *handlePool) finish(deleteFile bool) {
	p.drainOnce.Do(func() {
		if p.onDrained != nil {
			p.onDrained(deleteFile)
		}
		close(p.drained)
	})
}

// wait blocks until the pool has drained or timeout expires.
func (p *handlePool) wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.drained:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waiting for %s to be released", ErrTimeout, p.path)
	}
}

// isDrained reports whether disposal has completed.
func (p *handlePool) isDrained() bool {
	select {
	case <-p.drained:
		return true
	default:
		return false
	}
}
