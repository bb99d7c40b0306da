package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := AppendVLQUint(nil, 3)
	payload = AppendVLQInt(payload, -1200)

	raw, err := AppendFrame(nil, 5, payload)
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if int(raw[0]) != len(raw) {
		t.Errorf("Expected length byte %d, got %d", len(raw), raw[0])
	}
	if raw[len(raw)-1] != MessageValueSync {
		t.Errorf("Expected trailing sync byte, got 0x%02X", raw[len(raw)-1])
	}

	f := NewFramer()
	f.Feed(raw)
	fr, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("Expected a frame, got ok=%v err=%v", ok, err)
	}
	if fr.Seq != 5 {
		t.Errorf("Expected seq 5, got %d", fr.Seq)
	}
	if !bytes.Equal(fr.Payload, payload) {
		t.Errorf("Expected payload %v, got %v", payload, fr.Payload)
	}
	if _, ok, _ := f.Next(); ok {
		t.Errorf("Expected no further frames")
	}
}

func TestFramerSplitInput(t *testing.T) {
	a, _ := AppendFrame(nil, 1, []byte{1, 2, 3})
	b, _ := AppendFrame(nil, 2, nil)
	stream := append(a, b...)

	f := NewFramer()
	var got []Frame
	for _, c := range stream {
		f.Feed([]byte{c})
		for {
			fr, ok, err := f.Next()
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, fr)
		}
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if got[1].Seq != 2 || len(got[1].Payload) != 0 {
		t.Errorf("Expected empty ACK frame with seq 2, got %+v", got[1])
	}
}

func TestFramerResyncAfterCorruption(t *testing.T) {
	bad, _ := AppendFrame(nil, 3, []byte{9, 9})
	bad[2] ^= 0xFF
	good, _ := AppendFrame(nil, 4, []byte{7})

	f := NewFramer()
	f.Feed(append([]byte{0x00, 0x13}, bad...))
	f.Feed(good)

	var frames []Frame
	for i := 0; i < 10; i++ {
		fr, ok, _ := f.Next()
		if ok {
			frames = append(frames, fr)
		}
	}
	if len(frames) != 1 || frames[0].Seq != 4 {
		t.Fatalf("Expected to recover the good frame, got %+v", frames)
	}
	if f.Dropped == 0 {
		t.Errorf("Expected dropped counter to record the corruption")
	}
}

func TestAppendFrameTooLong(t *testing.T) {
	if _, err := AppendFrame(nil, 0, make([]byte, MessagePayloadMax+1)); err != ErrFrameTooLong {
		t.Errorf("Expected ErrFrameTooLong, got %v", err)
	}
	if _, err := AppendFrame(nil, 0, make([]byte, MessagePayloadMax)); err != nil {
		t.Errorf("Expected max payload to fit, got %v", err)
	}
}

func TestNextSeqWraps(t *testing.T) {
	if NextSeq(15) != 0 {
		t.Errorf("Expected sequence to wrap to 0, got %d", NextSeq(15))
	}
}
