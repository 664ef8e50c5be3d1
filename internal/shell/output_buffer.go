package shell

// ============================================================================
// Output Buffer - UTF-8 safe output chunking
// Purpose:
//   1. Accumulate raw bytes written by a running directive
//   2. Emit chunks of at most OutputBufferDefaultCutLength bytes
//   3. Never cut inside a multi-byte UTF-8 sequence
//   4. Emit short tails once output has been idle long enough
//
// Flow:
//   Write(p) ─▶ buffer ─▶ emit full chunks immediately
//                  └──▶ flush loop (ticker) ─▶ emit idle tails
//   Flush()  ─▶ drain everything, keep accepting writes
//   Close()  ─▶ drain everything, stop flush loop
//
// Every byte written is emitted exactly once and in order; invalid UTF-8 is
// passed through untouched.
// ============================================================================

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// OutputBufferDefaultCutLength is the maximum size of one emitted chunk.
	OutputBufferDefaultCutLength = 100

	// OutputBufferMaxTimeSinceLastAppend is how long a short tail waits for
	// more bytes before it is emitted on its own.
	OutputBufferMaxTimeSinceLastAppend = 100 * time.Millisecond

	outputBufferFlushInterval = 10 * time.Millisecond
)

// ErrOutputBufferClosed is returned by Write after Close.
var ErrOutputBufferClosed = errors.New("shell: output buffer is closed")

// OutputBuffer turns an arbitrary byte stream into ordered text chunks.
type OutputBuffer struct {
	mu         sync.Mutex
	buf        []byte
	lastAppend time.Time
	closed     bool

	onOutput func(string)
	maxIdle  time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOutputBuffer starts a buffer that hands every chunk to onOutput.
// onOutput is never called concurrently.
func NewOutputBuffer(onOutput func(string)) *OutputBuffer {
	b := &OutputBuffer{
		lastAppend: time.Now(),
		onOutput:   onOutput,
		maxIdle:    OutputBufferMaxTimeSinceLastAppend,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Write appends p and emits every chunk that is already complete.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrOutputBufferClosed
	}

	b.buf = append(b.buf, p...)
	b.lastAppend = time.Now()
	b.emitLocked(false)

	return len(p), nil
}

// Flush emits everything buffered so far, so that whatever is emitted next
// starts a new chunk.
func (b *OutputBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.emitLocked(true)
	}
}

// Close emits whatever is left, including an incomplete trailing sequence,
// and waits for the flush loop to exit. Safe to call more than once.
func (b *OutputBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.emitLocked(true)
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	return nil
}

func (b *OutputBuffer) flushLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(outputBufferFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			if !b.closed {
				b.emitLocked(false)
			}
			b.mu.Unlock()
		}
	}
}

func (b *OutputBuffer) emitLocked(force bool) {
	for len(b.buf) > 0 {
		n := b.nextCut(force)
		if n == 0 {
			return
		}

		chunk := string(b.buf[:n])
		b.buf = b.buf[n:]
		b.onOutput(chunk)
	}

	b.buf = nil
}

// nextCut returns how many leading bytes form the next chunk, 0 if the
// buffer should keep waiting.
func (b *OutputBuffer) nextCut(force bool) int {
	idle := time.Since(b.lastAppend) >= b.maxIdle
	if len(b.buf) < OutputBufferDefaultCutLength && !force && !idle {
		return 0
	}

	cut := len(b.buf)
	if cut > OutputBufferDefaultCutLength {
		cut = OutputBufferDefaultCutLength
	}

	if force && cut == len(b.buf) {
		return cut
	}

	return completeSequenceBoundary(b.buf[:cut])
}

// completeSequenceBoundary returns len(p) when p ends on a complete UTF-8
// sequence, otherwise the index where the trailing incomplete one starts.
// Bytes that can never become valid UTF-8 count as complete.
func completeSequenceBoundary(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}

	return len(p)
}
