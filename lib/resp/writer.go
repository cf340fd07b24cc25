package resp

import (
	"io"
	"sync"
)

const defaultOutputBufferSize = 256 * 1024

// BufferedWriter coalesces small responses into larger writes. Each method
// takes a plain, non-reentrant mutex for its own duration only; a
// FlushGuard flushes through Flush, which takes that mutex again.
type BufferedWriter struct {
	mtx       sync.Mutex
	link      io.Writer
	buffer    []byte
	active    bool
	lastError error
}

func NewBufferedWriter(link io.Writer) *BufferedWriter {
	return &BufferedWriter{
		link:   link,
		buffer: make([]byte, 0, defaultOutputBufferSize),
		active: true,
	}
}

// SetActive enables or disables buffering. When buffering is turned off,
// pending bytes are flushed and subsequent sends go straight to the link.
func (w *BufferedWriter) SetActive(value bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.flushLocked()
	w.active = value
}

// Send appends a formatted response. The data only hits the link when the
// buffer fills up or Flush is called.
func (w *BufferedWriter) Send(data string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.lastError != nil {
		return w.lastError
	}

	if !w.active {
		_, err := io.WriteString(w.link, data)
		w.lastError = err
		return err
	}

	if len(w.buffer)+len(data) > cap(w.buffer) {
		w.flushLocked()
	}

	if len(data) >= cap(w.buffer) {
		_, err := io.WriteString(w.link, data)
		w.lastError = err
		return err
	}

	w.buffer = append(w.buffer, data...)
	return nil
}

// Flush forces pending bytes onto the link.
func (w *BufferedWriter) Flush() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.flushLocked()
}

func (w *BufferedWriter) flushLocked() error {
	if len(w.buffer) == 0 {
		return w.lastError
	}
	if w.lastError == nil {
		_, w.lastError = w.link.Write(w.buffer)
	}
	w.buffer = w.buffer[:0]
	return w.lastError
}

// FlushGuard flushes the writer when Release is called, typically through
// defer at the top of a request-processing scope.
type FlushGuard struct {
	writer *BufferedWriter
}

func NewFlushGuard(w *BufferedWriter) *FlushGuard {
	return &FlushGuard{writer: w}
}

func (g *FlushGuard) Release() {
	if g.writer != nil {
		g.writer.Flush()
		g.writer = nil
	}
}
