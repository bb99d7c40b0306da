package protocol

import (
	"testing"
)

func TestVLQEncodeDecodeInt(t *testing.T) {
	testCases := []int32{
		0, 1, -1, 31, -32, 95, 96, 127, -127, 128, -128,
		1000, -1000, 65535, -65535, 1000000, -1000000,
		1 << 30, -(1 << 30), 2147483647, -2147483648,
	}

	for _, expected := range testCases {
		encoded := AppendVLQInt(nil, expected)
		if len(encoded) > 5 {
			t.Errorf("Expected at most 5 bytes for %d, got %d", expected, len(encoded))
		}

		data := encoded
		decoded, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}
		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}
		if len(data) != 0 {
			t.Errorf("VLQ decode left %d bytes for value %d", len(data), expected)
		}
	}
}

func TestVLQEncodeDecodeUint(t *testing.T) {
	for _, expected := range []uint32{0, 1, 127, 128, 255, 1000, 65535, 1000000, 0xFFFFFFFF} {
		data := AppendVLQUint(nil, expected)
		decoded, err := DecodeVLQUint(&data)
		if err != nil {
			t.Fatalf("Failed to decode %d: %v", expected, err)
		}
		if decoded != expected {
			t.Errorf("Expected %d, got %d", expected, decoded)
		}
	}
}

func TestVLQSingleByteRange(t *testing.T) {
	// -32..95 fits one byte
	for v := int32(-32); v < 96; v++ {
		if n := len(AppendVLQInt(nil, v)); n != 1 {
			t.Errorf("Expected 1 byte for %d, got %d", v, n)
		}
	}
}

func TestVLQSequence(t *testing.T) {
	var buf []byte
	buf = AppendVLQUint(buf, 7)
	buf = AppendVLQInt(buf, -4000)
	buf = AppendVLQBytes(buf, []byte("X:1"))

	a, err := DecodeVLQUint(&buf)
	if err != nil || a != 7 {
		t.Fatalf("Expected 7, got %d (%v)", a, err)
	}
	b, err := DecodeVLQInt(&buf)
	if err != nil || b != -4000 {
		t.Fatalf("Expected -4000, got %d (%v)", b, err)
	}
	s, err := DecodeVLQBytes(&buf)
	if err != nil || string(s) != "X:1" {
		t.Fatalf("Expected X:1, got %q (%v)", s, err)
	}
}

func TestVLQTruncated(t *testing.T) {
	data := AppendVLQUint(nil, 1000000)
	data = data[:len(data)-1]
	if _, err := DecodeVLQUint(&data); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}

	empty := []byte{}
	if _, err := DecodeVLQInt(&empty); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall on empty input, got %v", err)
	}

	bytesShort := AppendVLQUint(nil, 10)
	bytesShort = append(bytesShort, 'a')
	if _, err := DecodeVLQBytes(&bytesShort); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall for short byte string, got %v", err)
	}
}

func TestVLQOverlong(t *testing.T) {
	data := []byte{0x81, 0x81, 0x81, 0x81, 0x81, 0x01}
	if _, err := DecodeVLQInt(&data); err != ErrInvalidVLQ {
		t.Errorf("Expected ErrInvalidVLQ, got %v", err)
	}
}
