package fix

import (
	"bytes"
	"fmt"
)

// maxFrameBuffer caps per-connection buffering; overflow is a framing error
// and terminates the connection.
const maxFrameBuffer = 1 << 20

var (
	frameStart = []byte("8=FIX")
	frameEnd   = []byte("\x0110=")
)

// Framer accumulates raw TCP reads and extracts complete FIX messages.
// Message boundaries are the trailing 10=NNN<SOH> field.
type Framer struct {
	buf []byte
}

// Append adds newly read bytes and returns every complete message now
// available, in arrival order. Bytes before the first 8=FIX are discarded.
func (f *Framer) Append(data []byte) ([][]byte, error) {
	f.buf = append(f.buf, data...)
	if len(f.buf) > maxFrameBuffer {
		return nil, fmt.Errorf("frame buffer overflow (%d bytes)", len(f.buf))
	}

	var frames [][]byte
	for {
		start := bytes.Index(f.buf, frameStart)
		if start < 0 {
			// No message start in sight; keep only a potential partial
			// prefix at the tail.
			if len(f.buf) > len(frameStart) {
				f.buf = f.buf[len(f.buf)-len(frameStart):]
			}
			return frames, nil
		}
		if start > 0 {
			f.buf = f.buf[start:]
		}

		end := f.frameEndIndex()
		if end < 0 {
			return frames, nil
		}

		frame := make([]byte, end)
		copy(frame, f.buf[:end])
		frames = append(frames, frame)
		f.buf = f.buf[end:]
	}
}

// frameEndIndex returns the index one past the closing SOH of the 10=NNN
// field, or -1 when the buffer holds no complete message yet.
func (f *Framer) frameEndIndex() int {
	searchFrom := 0
	for {
		idx := bytes.Index(f.buf[searchFrom:], frameEnd)
		if idx < 0 {
			return -1
		}
		fieldStart := searchFrom + idx + len(frameEnd)
		// Need three digits and the terminating SOH.
		if len(f.buf) < fieldStart+4 {
			return -1
		}
		if isDigits(f.buf[fieldStart:fieldStart+3]) && f.buf[fieldStart+3] == SOH {
			return fieldStart + 4
		}
		searchFrom = fieldStart
	}
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Pending reports buffered byte count, for diagnostics.
func (f *Framer) Pending() int { return len(f.buf) }
