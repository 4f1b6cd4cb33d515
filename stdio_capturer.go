package spawnkit

import (
	"bufio"
	"io"
	"sync"
)

// stdioCaptureLimit bounds how much combined stdout/stderr output is
// retained for diagnostics, so a runaway child can't exhaust memory.
const stdioCaptureLimit = 64 * 1024

// stdioCapturer reads a child's combined stdout/stderr in the
// background and retains up to stdioCaptureLimit bytes of it, so that a
// failed spawn's error report can include what the process printed
// before it died.
type stdioCapturer struct {
	mu      sync.Mutex
	buf     []byte
	done    chan struct{}
	readErr error
}

func newStdioCapturer() *stdioCapturer {
	return &stdioCapturer{done: make(chan struct{})}
}

// start begins reading r in the background until EOF or an error.
func (c *stdioCapturer) start(r io.Reader) {
	go func() {
		defer close(c.done)
		reader := bufio.NewReader(r)
		chunk := make([]byte, 4096)
		for {
			n, err := reader.Read(chunk)
			if n > 0 {
				c.mu.Lock()
				if len(c.buf) < stdioCaptureLimit {
					remaining := stdioCaptureLimit - len(c.buf)
					if n < remaining {
						remaining = n
					}
					c.buf = append(c.buf, chunk[:remaining]...)
				}
				c.mu.Unlock()
			}
			if err != nil {
				if err != io.EOF {
					c.mu.Lock()
					c.readErr = err
					c.mu.Unlock()
				}
				return
			}
		}
	}()
}

// wait blocks until the capturer has observed EOF (or the reader was
// closed out from under it, e.g. because the owning pipe was closed
// during cleanup).
func (c *stdioCapturer) wait() {
	<-c.done
}

// data returns everything captured so far. Safe to call concurrently
// with an in-progress capture.
func (c *stdioCapturer) data() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
