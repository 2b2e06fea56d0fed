package console

import (
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultScrollback is the number of transcript bytes kept for Scrollback.
const DefaultScrollback = 64 * 1024

// Transcript receives console text that no protocol claimed. Text is
// forwarded to a sink and the most recent bytes are kept for replay.
type Transcript struct {
	mu    sync.Mutex
	out   io.Writer
	buf   *ringbuffer.RingBuffer
	caret int64
}

// NewTranscript forwards to out (nil discards) and keeps scrollback bytes.
func NewTranscript(out io.Writer, scrollback int) *Transcript {
	if out == nil {
		out = io.Discard
	}
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	return &Transcript{out: out, buf: ringbuffer.New(scrollback)}
}

// Append writes data to the sink and records it. The caret, the offset
// where the next text lands, moves past it.
func (t *Transcript) Append(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = t.out.Write(data)
	t.caret += int64(len(data))

	keep := data
	if capacity := t.buf.Capacity(); len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	if over := len(keep) - t.buf.Free(); over > 0 {
		discard := make([]byte, over)
		_, _ = t.buf.Read(discard)
	}
	_, _ = t.buf.Write(keep)
}

// SetOutput replaces the sink.
func (t *Transcript) SetOutput(out io.Writer) {
	if out == nil {
		out = io.Discard
	}
	t.mu.Lock()
	t.out = out
	t.mu.Unlock()
}

// Caret returns the total number of bytes appended so far.
func (t *Transcript) Caret() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caret
}

// Scrollback returns a copy of the retained text, oldest first.
func (t *Transcript) Scrollback() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.buf.Length()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	_, _ = t.buf.Read(out)
	_, _ = t.buf.Write(out)
	return out
}

// Reset drops the retained text.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.buf.Reset()
	t.mu.Unlock()
}
