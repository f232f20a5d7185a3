package mysql

import (
	"io"
	"sync"
)

// memoryLob buffers LOB content on the proxy until it is bound as a
// statement parameter. MySQL has no server-side LOB locator API through the
// wire protocol, so the buffer is the locator.
type memoryLob struct {
	mu   sync.Mutex
	data []byte
	free bool
}

func newMemoryLob() *memoryLob { return &memoryLob{} }

func (l *memoryLob) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free {
		return 0, io.ErrClosedPipe
	}
	l.data = append(l.data, p...)
	return len(p), nil
}

func (l *memoryLob) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free {
		return 0, io.ErrClosedPipe
	}
	if off >= int64(len(l.data)) {
		return 0, io.EOF
	}
	n := copy(p, l.data[off:])
	if off+int64(n) == int64(len(l.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (l *memoryLob) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.data))
}

func (l *memoryLob) Free() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.free = true
	l.data = nil
	return nil
}
