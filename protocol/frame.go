package protocol

import "errors"

// Frame layout: len | seq | payload... | crc_hi | crc_lo | sync
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F
)

var (
	ErrFrameTooLong = errors.New("frame payload too long")
	ErrFrameCRC     = errors.New("frame crc mismatch")
)

// Frame is one decoded message block. An empty payload is an ACK.
type Frame struct {
	Seq     uint8
	Payload []byte
}

// AppendFrame appends a complete frame carrying payload with sequence seq
func AppendFrame(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MessagePayloadMax {
		return dst, ErrFrameTooLong
	}
	start := len(dst)
	dst = append(dst, byte(len(payload)+MessageLengthMin), MessageDest|(seq&MessageSeqMask))
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync), nil
}

// NextSeq returns the sequence number following seq
func NextSeq(seq uint8) uint8 {
	return (seq + 1) & MessageSeqMask
}

// Framer reassembles frames from a byte stream. Bytes before a valid
// frame are discarded; after a bad frame it waits for the next sync byte.
type Framer struct {
	buf     []byte
	synced  bool
	Dropped uint32
}

// NewFramer creates a framer with room for a few pending frames
func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 4*MessageLengthMax), synced: true}
}

// Feed appends received bytes
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
	if len(f.buf) > 8*MessageLengthMax {
		// Nothing parseable in a long run of garbage.
		f.buf = f.buf[:0]
		f.synced = false
		f.Dropped++
	}
}

// Next returns the next complete frame. The payload aliases internal
// storage and is only valid until the following call.
func (f *Framer) Next() (Frame, bool, error) {
	for {
		if !f.synced {
			i := indexByte(f.buf, MessageValueSync)
			if i < 0 {
				f.buf = f.buf[:0]
				return Frame{}, false, nil
			}
			f.consume(i + 1)
			f.synced = true
		}
		for len(f.buf) > 0 && f.buf[0] == MessageValueSync {
			f.consume(1)
		}
		if len(f.buf) < MessageLengthMin {
			return Frame{}, false, nil
		}
		n := int(f.buf[0])
		if n < MessageLengthMin || n > MessageLengthMax {
			f.resync()
			continue
		}
		if len(f.buf) < n {
			return Frame{}, false, nil
		}
		msg := f.buf[:n]
		crc := uint16(msg[n-3])<<8 | uint16(msg[n-2])
		if msg[n-1] != MessageValueSync || CRC16(msg[:n-3]) != crc || msg[1]&^MessageSeqMask != MessageDest {
			f.resync()
			return Frame{}, false, ErrFrameCRC
		}
		fr := Frame{
			Seq:     msg[1] & MessageSeqMask,
			Payload: append([]byte(nil), msg[MessageHeaderSize:n-MessageTrailerSize]...),
		}
		f.consume(n)
		return fr, true, nil
	}
}

func (f *Framer) resync() {
	f.Dropped++
	f.synced = false
	f.consume(1)
}

func (f *Framer) consume(n int) {
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
}

// Reset drops any partial input
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.synced = true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
