package core

import (
	"stepkernel/protocol"
)

// Link is the MCU end of the host connection. Bytes from the host are
// fed in, commands are dispatched to the registry, and every frame is
// answered with an ACK carrying the next expected sequence. Responses
// go out with the same sequence as the ACK that follows them.
type Link struct {
	reg    *CommandRegistry
	out    func([]byte) error
	framer *protocol.Framer
	seq    uint8 // next expected from the host
	onErr  func(error)

	Received uint32
	Errors   uint32
}

// NewLink connects reg to a byte sink. Responses from reg's handlers are
// framed and written to out.
func NewLink(reg *CommandRegistry, out func([]byte) error) *Link {
	l := &Link{reg: reg, out: out, framer: protocol.NewFramer()}
	reg.Register("command_error", "msg=%*s", nil)
	reg.SetResponseWriter(l.writeFrame)
	return l
}

// OnError installs an observer for command failures
func (l *Link) OnError(fn func(error)) { l.onErr = fn }

func (l *Link) writeFrame(payload []byte) error {
	frame, err := protocol.AppendFrame(make([]byte, 0, protocol.MessageLengthMax), l.seq, payload)
	if err != nil {
		return err
	}
	return l.out(frame)
}

// Feed processes received bytes. Handler failures are reported to the
// host as command_error and do not stop the link.
func (l *Link) Feed(b []byte) {
	l.framer.Feed(b)
	for {
		fr, ok, err := l.framer.Next()
		if err != nil {
			// Bad CRC: NAK with the sequence still expected
			l.ack()
			continue
		}
		if !ok {
			return
		}
		if fr.Seq == 0 && l.seq != 0 {
			// Host restarted its sequence
			l.seq = 0
		}
		if fr.Seq == l.seq {
			l.seq = protocol.NextSeq(l.seq)
			l.Received++
			if len(fr.Payload) > 0 {
				if err := l.reg.Dispatch(fr.Payload); err != nil {
					l.fail(err)
				}
			}
		}
		l.ack()
	}
}

func (l *Link) fail(err error) {
	l.Errors++
	DebugPrintln("[LINK] " + err.Error())
	if l.onErr != nil {
		l.onErr(err)
	}
	msg := err.Error()
	if len(msg) > protocol.MessagePayloadMax-4 {
		msg = msg[:protocol.MessagePayloadMax-4]
	}
	_ = l.reg.Respond("command_error", func(dst []byte) []byte {
		return protocol.AppendVLQBytes(dst, []byte(msg))
	})
}

func (l *Link) ack() {
	_ = l.writeFrame(nil)
}
