package supervisor

import (
	"sync"
)

// maxCaptureBytes bounds each captured stdio stream. When a child
// writes more, the buffer keeps the tail: the end of a transcript is
// where errors and conclusions live.
const maxCaptureBytes = 1 << 20

// tailBuffer is a bounded, concurrency-safe capture buffer that
// retains the last maxCaptureBytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > maxCaptureBytes {
		b.buf = b.buf[len(b.buf)-maxCaptureBytes:]
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
