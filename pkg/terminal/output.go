package terminal

import (
	"bytes"
	"sync"

	"github.com/beam-cloud/airsync/pkg/types"
)

// OutputBuffer keeps the most recent terminal output for replay. Every byte
// has an absolute offset so a reconnecting client can ask for what it missed.
type OutputBuffer struct {
	buffer  bytes.Buffer
	mu      sync.Mutex
	maxSize int   // Maximum buffer size (0 = unlimited)
	start   int64 // offset of the first buffered byte
}

// NewOutputBuffer creates a replay buffer.
// maxSize limits the buffer size (0 = unlimited, recommended: 256KB)
func NewOutputBuffer(maxSize int) *OutputBuffer {
	return &OutputBuffer{maxSize: maxSize}
}

// Write implements io.Writer
func (o *OutputBuffer) Write(p []byte) (int, error) {
	o.Append(p)
	return len(p), nil
}

// Append stores p and returns the offset of its first byte
func (o *OutputBuffer) Append(p []byte) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	offset := o.start + int64(o.buffer.Len())

	// Enforce max size by discarding oldest data if needed
	if o.maxSize > 0 && o.buffer.Len()+len(p) > o.maxSize {
		overflow := o.buffer.Len() + len(p) - o.maxSize
		if overflow > o.buffer.Len() {
			o.start += int64(o.buffer.Len())
			o.buffer.Reset()
			if len(p) > o.maxSize {
				o.start += int64(len(p) - o.maxSize)
				p = p[len(p)-o.maxSize:]
			}
		} else {
			o.buffer.Next(overflow)
			o.start += int64(overflow)
		}
	}

	o.buffer.Write(p)
	return offset
}

// Since returns the buffered output from offset on. Bytes already dropped
// are skipped, so the chunk may start later than requested.
func (o *OutputBuffer) Since(offset int64) types.TerminalChunk {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offset < o.start {
		offset = o.start
	}
	end := o.start + int64(o.buffer.Len())
	if offset >= end {
		return types.TerminalChunk{Offset: end}
	}

	data := o.buffer.Bytes()[offset-o.start:]
	return types.TerminalChunk{Offset: offset, Data: append([]byte(nil), data...)}
}

// Offset returns the total number of bytes ever written
func (o *OutputBuffer) Offset() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.start + int64(o.buffer.Len())
}

// Len returns the current buffer length
func (o *OutputBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffer.Len()
}
