package agui

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

const maxBufferedStream = 8 * 1024 * 1024

var errStreamTooLarge = fmt.Errorf("agent stream exceeds %d buffered bytes", maxBufferedStream)

// streamBuffer drains a run body in the background so the request deadline
// covers receiving the stream but not what consumers do with it.
type streamBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	err  error
	done chan struct{}
}

func newStreamBuffer(src io.Reader) *streamBuffer {
	b := &streamBuffer{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.fill(src)
	return b
}

func (b *streamBuffer) fill(src io.Reader) {
	defer close(b.done)

	chunk := make([]byte, 32*1024)
	for {
		n, err := src.Read(chunk)

		b.mu.Lock()
		b.buf.Write(chunk[:n])
		if err == nil && b.buf.Len() > maxBufferedStream {
			err = errStreamTooLarge
		}
		if err != nil {
			b.err = err
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// Read returns buffered bytes, blocking until more arrive or the body ends.
func (b *streamBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && b.err == nil {
		b.cond.Wait()
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	return 0, b.err
}

// received reports whether the whole body arrived without a read error.
func (b *streamBuffer) received() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Is(b.err, io.EOF)
}
