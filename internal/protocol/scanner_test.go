package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() Message {
	return Message{
		Flag:    7,
		Command: CmdRouteMessage,
		Param1:  uint16(ModeSingle),
		Param2:  5,
		Param3:  MasServerNotice,
		Payload: []byte{1, 2, 3},
	}
}

func TestScan_SingleFrame(t *testing.T) {
	frame := sampleMessage().Frame()

	msgs, consumed := Scan(frame, 0, nil)
	require.Len(t, msgs, 1)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, sampleMessage(), msgs[0])
}

func TestScan_MultipleFramesAndSync(t *testing.T) {
	a := sampleMessage()
	b := Message{Command: CmdGetResourceAddress, Param1: 2}

	var stream []byte
	stream = append(stream, '*', '*')
	stream = append(stream, a.Frame()...)
	stream = append(stream, '*')
	stream = append(stream, b.Frame()...)

	msgs, consumed := Scan(stream, 0, nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, len(stream), consumed)
	assert.Equal(t, a, msgs[0])
	assert.Equal(t, b, msgs[1])
}

func TestScan_LegacyDigitInsideFrame(t *testing.T) {
	raw := sampleMessage().Marshal()
	msgs, _ := Scan(EncodeFrame(raw, '3'), 0, nil)
	require.Len(t, msgs, 1)
	assert.Equal(t, sampleMessage(), msgs[0])
}

func TestScan_StrayTerminatorIsConsumed(t *testing.T) {
	frame := sampleMessage().Frame()
	stream := append([]byte{'!', '!'}, frame...)

	var bad []error
	msgs, consumed := Scan(stream, 0, func(err error) { bad = append(bad, err) })
	require.Len(t, msgs, 1)
	assert.Empty(t, bad)
	assert.Equal(t, len(stream), consumed)
}

func TestScan_IncompleteTailRetained(t *testing.T) {
	first := sampleMessage().Frame()
	second := sampleMessage().Frame()
	partial := second[:len(second)/2]
	stream := append(append([]byte{}, first...), partial...)

	msgs, consumed := Scan(stream, 0, nil)
	require.Len(t, msgs, 1)
	assert.Equal(t, len(first), consumed)
	assert.Equal(t, partial, stream[consumed:])
}

func TestScan_ShortFrameDropped(t *testing.T) {
	short := EncodeFrame([]byte{1, 2, 3, 4, 5}, 0)
	good := sampleMessage().Frame()
	stream := append(append([]byte{}, short...), good...)

	var bad []error
	msgs, consumed := Scan(stream, 0, func(err error) { bad = append(bad, err) })
	require.Len(t, msgs, 1)
	require.Len(t, bad, 1)
	assert.ErrorIs(t, bad[0], ErrShortFrame)
	assert.Equal(t, len(stream), consumed)
}

func TestScan_UndecodableFrameDropped(t *testing.T) {
	var bad []error
	msgs, _ := Scan([]byte("#u!"), 0, func(err error) { bad = append(bad, err) })
	assert.Empty(t, msgs)
	require.Len(t, bad, 1)
	assert.ErrorIs(t, bad[0], ErrMalformedFrame)
}

func TestScan_RestartedFrameUsesLastStart(t *testing.T) {
	frame := sampleMessage().Frame()
	stream := append([]byte("#uyj"), frame...)

	var bad []error
	msgs, _ := Scan(stream, 0, func(err error) { bad = append(bad, err) })
	require.Len(t, msgs, 1)
	assert.Empty(t, bad)
}

func TestScan_OversizedOpenFrameDropped(t *testing.T) {
	stream := append([]byte{'#'}, bytes.Repeat([]byte{'u'}, 64)...)

	var bad []error
	msgs, consumed := Scan(stream, 32, func(err error) { bad = append(bad, err) })
	assert.Empty(t, msgs)
	assert.Len(t, bad, 1)
	assert.Equal(t, len(stream), consumed)
}

func TestScanner_ReassemblyAtEverySplit(t *testing.T) {
	want := sampleMessage()
	frame := want.Frame()

	for split := 0; split <= len(frame); split++ {
		s := NewScanner(0, func(err error) { t.Errorf("split %d: unexpected bad frame: %v", split, err) })

		got := s.Write(frame[:split])
		got = append(got, s.Write(frame[split:])...)

		require.Len(t, got, 1, "split %d", split)
		assert.Equal(t, want, got[0], "split %d", split)
		assert.Zero(t, s.Buffered(), "split %d", split)
	}
}

func TestScanner_ByteAtATime(t *testing.T) {
	a := sampleMessage()
	b := Message{Flag: 1, Command: CmdFindServer, Param1: uint16(TypeLogin), Payload: EncodeName("L1")}
	stream := append(a.Frame(), b.Frame()...)

	s := NewScanner(0, nil)
	var got []Message
	for i := range stream {
		got = append(got, s.Write(stream[i:i+1])...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
}

func TestScanner_Reset(t *testing.T) {
	s := NewScanner(0, nil)
	s.Write([]byte("#uyjf"))
	assert.Equal(t, 5, s.Buffered())
	s.Reset()
	assert.Zero(t, s.Buffered())
}
