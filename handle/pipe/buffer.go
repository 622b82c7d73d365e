// Package pipe provides bounded in-memory byte conduits and the pipe
// handles built on them.
package pipe

import (
	"bytes"
	"io"
	"sync"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/internal/waitq"
)

// DefaultSize is the capacity used when none is given.
const DefaultSize = 64 * 1024

// Buffer is a bounded byte queue with one logical reader side and one
// logical writer side. It never blocks: an empty read or a full write
// returns EAGAIN, and every state change notifies the watching queues.
type Buffer struct {
	buffer bytes.Buffer
	mu     sync.Mutex
	size   int
	closed bool // writer side gone
	broken bool // reader side gone
	queues []*waitq.Queue
}

func NewBuffer(size int, queues ...*waitq.Queue) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{size: size, queues: queues}
}

// Watch adds a queue to notify on changes.
func (bp *Buffer) Watch(q *waitq.Queue) {
	bp.mu.Lock()
	bp.queues = append(bp.queues, q)
	bp.mu.Unlock()
}

func (bp *Buffer) notify() {
	waitq.NotifyAll(bp.queues...)
}

// Write stores as much of data as fits. It fails with EPIPE once the
// reader side is gone.
func (bp *Buffer) Write(data []byte) (int, error) {
	bp.mu.Lock()
	if bp.broken {
		bp.mu.Unlock()
		return 0, abi.EPIPE
	}
	if bp.closed {
		bp.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	space := bp.size - bp.buffer.Len()
	if space <= 0 {
		bp.mu.Unlock()
		return 0, abi.EAGAIN
	}
	if len(data) > space {
		data = data[:space]
	}
	n, err := bp.buffer.Write(data)
	bp.mu.Unlock()
	bp.notify()
	return n, err
}

// Read drains up to len(p) bytes. An empty buffer reads EOF when the
// writer side is gone and EAGAIN otherwise.
func (bp *Buffer) Read(p []byte) (int, error) {
	bp.mu.Lock()
	if bp.buffer.Len() == 0 {
		closed := bp.closed
		bp.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		if len(p) == 0 {
			return 0, nil
		}
		return 0, abi.EAGAIN
	}
	n, err := bp.buffer.Read(p)
	bp.mu.Unlock()
	bp.notify()
	return n, err
}

// CloseWrite marks the writer side gone.
func (bp *Buffer) CloseWrite() error {
	bp.mu.Lock()
	bp.closed = true
	bp.mu.Unlock()
	bp.notify()
	return nil
}

// CloseRead marks the reader side gone and drops unread data.
func (bp *Buffer) CloseRead() error {
	bp.mu.Lock()
	bp.broken = true
	bp.buffer.Reset()
	bp.mu.Unlock()
	bp.notify()
	return nil
}

func (bp *Buffer) Close() error {
	bp.CloseWrite()
	return bp.CloseRead()
}

func (bp *Buffer) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.buffer.Len()
}

// Space returns how many bytes a write could store now.
func (bp *Buffer) Space() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.size - bp.buffer.Len()
}

// ReadEvents is the poll state seen from the reader side.
func (bp *Buffer) ReadEvents() (readable, hup bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.buffer.Len() > 0 || bp.closed, bp.closed
}

// WriteEvents is the poll state seen from the writer side.
func (bp *Buffer) WriteEvents() (writable, broken bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.buffer.Len() < bp.size && !bp.broken, bp.broken
}
