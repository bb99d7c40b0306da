package mcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"stepkernel/core"
	"stepkernel/host/serial"
	"stepkernel/protocol"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrNoDictionary   = errors.New("dictionary not loaded")
	ErrUnknownCommand = errors.New("unknown command")
)

// CommandError is a failure reported by the firmware
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string { return "mcu: " + e.Msg }

// Response is one decoded message from the firmware
type Response struct {
	Name string
	Data []byte
}

type event struct {
	ack  bool
	seq  uint8
	resp Response
}

// MCU is a connection to the kernel firmware
type MCU struct {
	port io.ReadWriteCloser

	writeMu sync.Mutex
	reqMu   sync.Mutex // one exchange at a time
	callMu  sync.Mutex
	seq     uint8

	ids   map[string]uint16
	names map[uint16]string
	dict  string

	events chan event
	done   chan struct{}
	err    error

	Timeout time.Duration
	Verbose bool
}

// Connect opens a serial device and loads the command dictionary
func Connect(ctx context.Context, device string) (*MCU, error) {
	port, err := serial.Open(serial.DefaultConfig(device))
	if err != nil {
		return nil, err
	}
	m := New(port)
	if err := m.Identify(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// New starts a client on an open stream. Identify must run before any
// named command.
func New(port io.ReadWriteCloser) *MCU {
	m := &MCU{
		port:    port,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		Timeout: 2 * time.Second,
		// identify is known before the dictionary is
		ids:   map[string]uint16{"identify_response": 0, "identify": 1},
		names: map[uint16]string{0: "identify_response", 1: "identify"},
	}
	go m.readLoop()
	return m
}

// Close closes the port and stops the reader
func (m *MCU) Close() error {
	return m.port.Close()
}

func (m *MCU) readLoop() {
	defer close(m.done)
	framer := protocol.NewFramer()
	buf := make([]byte, 256)
	for {
		n, err := m.port.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				fr, ok, ferr := framer.Next()
				if ferr != nil {
					if m.Verbose {
						log.Printf("mcu: %v", ferr)
					}
					continue
				}
				if !ok {
					break
				}
				m.deliver(fr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.err = err
			}
			return
		}
	}
}

func (m *MCU) deliver(fr protocol.Frame) {
	if len(fr.Payload) == 0 {
		m.events <- event{ack: true, seq: fr.Seq}
		return
	}
	// One response per frame; the rest of the payload is its arguments
	data := fr.Payload
	id, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return
	}
	m.callMu.Lock()
	name, ok := m.names[uint16(id)]
	m.callMu.Unlock()
	if !ok {
		name = fmt.Sprintf("#%d", id)
	}
	m.events <- event{seq: fr.Seq, resp: Response{Name: name, Data: data}}
}

func (m *MCU) send(payload []byte) (uint8, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	seq := m.seq
	frame, err := protocol.AppendFrame(nil, seq, payload)
	if err != nil {
		return 0, err
	}
	if _, err := m.port.Write(frame); err != nil {
		return 0, err
	}
	m.seq = protocol.NextSeq(seq)
	return seq, nil
}

// exchange sends one command and collects events until the ACK for it.
// If want is set, the last response of that name is returned.
func (m *MCU) exchange(ctx context.Context, payload []byte, want string) (Response, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if _, ok := ctx.Deadline(); !ok && m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	seq, err := m.send(payload)
	if err != nil {
		return Response{}, err
	}
	next := protocol.NextSeq(seq)

	var got Response
	var found bool
	var cmdErr error
	for {
		select {
		case ev := <-m.events:
			if ev.ack {
				if ev.seq != next {
					// NAK, or the ACK of an earlier frame
					continue
				}
				if cmdErr != nil {
					return Response{}, cmdErr
				}
				if want != "" && !found {
					return Response{}, fmt.Errorf("no %s response", want)
				}
				return got, nil
			}
			switch ev.resp.Name {
			case "command_error":
				d := ev.resp.Data
				msg, _ := protocol.DecodeVLQBytes(&d)
				cmdErr = &CommandError{Msg: string(msg)}
			case want:
				got, found = ev.resp, true
			default:
				if m.Verbose {
					log.Printf("mcu: unsolicited %s", ev.resp.Name)
				}
			}
		case <-m.done:
			if m.err != nil {
				return Response{}, m.err
			}
			return Response{}, ErrClosed
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// Identify reads the command dictionary in chunks
func (m *MCU) Identify(ctx context.Context) error {
	const chunk = 40
	var sb strings.Builder
	for offset := uint32(0); ; {
		payload := protocol.AppendVLQUint(nil, 1)
		payload = protocol.AppendVLQUint(payload, offset)
		payload = protocol.AppendVLQUint(payload, chunk)
		resp, err := m.exchange(ctx, payload, "identify_response")
		if err != nil {
			return fmt.Errorf("identify at %d: %w", offset, err)
		}
		d := resp.Data
		got, err := protocol.DecodeVLQUint(&d)
		if err != nil {
			return err
		}
		if got != offset {
			return fmt.Errorf("identify: offset mismatch: expected %d, got %d", offset, got)
		}
		data, err := protocol.DecodeVLQBytes(&d)
		if err != nil {
			return err
		}
		sb.Write(data)
		offset += uint32(len(data))
		if len(data) < chunk {
			break
		}
	}

	m.callMu.Lock()
	defer m.callMu.Unlock()
	m.dict = sb.String()
	m.ids = core.ParseDictionary(m.dict)
	m.names = make(map[uint16]string, len(m.ids))
	for name, id := range m.ids {
		m.names[id] = name
	}
	return nil
}

// Dictionary returns the raw dictionary text
func (m *MCU) Dictionary() string {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	return m.dict
}

func (m *MCU) encode(name string, args func(dst []byte) []byte) ([]byte, error) {
	m.callMu.Lock()
	id, ok := m.ids[name]
	loaded := m.dict != ""
	m.callMu.Unlock()
	if !loaded {
		return nil, ErrNoDictionary
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	payload := protocol.AppendVLQUint(make([]byte, 0, protocol.MessagePayloadMax), uint32(id))
	if args != nil {
		payload = args(payload)
	}
	return payload, nil
}

// Send runs a command that has no response and waits for its ACK
func (m *MCU) Send(ctx context.Context, name string, args func(dst []byte) []byte) error {
	payload, err := m.encode(name, args)
	if err != nil {
		return err
	}
	_, err = m.exchange(ctx, payload, "")
	return err
}

// Call runs a command and returns the arguments of its response
func (m *MCU) Call(ctx context.Context, name string, args func(dst []byte) []byte, response string) ([]byte, error) {
	payload, err := m.encode(name, args)
	if err != nil {
		return nil, err
	}
	resp, err := m.exchange(ctx, payload, response)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WaitFor blocks until the firmware sends an unsolicited response of the
// given name
func (m *MCU) WaitFor(ctx context.Context, name string) (Response, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if _, ok := ctx.Deadline(); !ok && m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	for {
		select {
		case ev := <-m.events:
			if !ev.ack && ev.resp.Name == name {
				return ev.resp, nil
			}
		case <-m.done:
			if m.err != nil {
				return Response{}, m.err
			}
			return Response{}, ErrClosed
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}
