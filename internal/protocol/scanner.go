package protocol

import (
	"fmt"
)

// Scan extracts every complete frame from buf. It returns the decoded
// messages and how many leading bytes of buf are finished with; the caller
// keeps buf[consumed:] and prepends it to the next read.
//
// Frames that fail to decode or are too short for a header are dropped and
// reported to onBad, which may be nil. An open frame longer than maxFrame is
// dropped the same way.
func Scan(buf []byte, maxFrame int, onBad func(error)) (msgs []Message, consumed int) {
	start := -1
	for i, b := range buf {
		switch b {
		case FrameStart:
			start = i
		case FrameEnd:
			if start >= 0 {
				msg, err := decodeRegion(buf[start+1 : i])
				if err != nil {
					report(onBad, err)
				} else {
					msgs = append(msgs, msg)
				}
				start = -1
			}
			consumed = i + 1
		case FrameSync:
			if start < 0 {
				consumed = i + 1
			}
		}
	}

	if start < 0 {
		// nothing outside a frame can become part of one later
		return msgs, len(buf)
	}
	if maxFrame > 0 && len(buf)-start > maxFrame {
		report(onBad, fmt.Errorf("%w: open frame exceeds %d bytes", ErrMalformedFrame, maxFrame))
		return msgs, len(buf)
	}
	return msgs, start
}

func decodeRegion(region []byte) (Message, error) {
	raw, err := DecodeFrame(region)
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(raw)
}

func report(onBad func(error), err error) {
	if onBad != nil {
		onBad(err)
	}
}

// Scanner keeps the unconsumed tail between reads so a frame may span
// several of them.
type Scanner struct {
	buf      []byte
	maxFrame int
	onBad    func(error)
}

// NewScanner returns a scanner bounding open frames to maxFrame bytes.
func NewScanner(maxFrame int, onBad func(error)) *Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultBufferSize
	}
	return &Scanner{
		buf:      make([]byte, 0, maxFrame),
		maxFrame: maxFrame,
		onBad:    onBad,
	}
}

// Write appends p to the retained tail and returns the completed messages.
func (s *Scanner) Write(p []byte) []Message {
	s.buf = append(s.buf, p...)
	msgs, consumed := Scan(s.buf, s.maxFrame, s.onBad)
	n := copy(s.buf, s.buf[consumed:])
	s.buf = s.buf[:n]
	return msgs
}

// Buffered returns the number of bytes held for the next Write.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Reset drops any retained bytes.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}
