package core

import (
	"errors"
	"strings"
	"sync"

	"stepkernel/protocol"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoResponder    = errors.New("no response writer configured")
)

// CommandHandler handles a command. The handler decodes its own arguments
// from data, advancing the slice past what it consumed.
type CommandHandler func(data *[]byte) error

// ResponseWriter sends an encoded response payload towards the host
type ResponseWriter func(payload []byte) error

// Command represents a registered command or response
type Command struct {
	ID      uint16
	Name    string
	Format  string // e.g. "axis=%c pos=%i"
	Handler CommandHandler
}

// CommandRegistry holds all registered commands
type CommandRegistry struct {
	mu         sync.RWMutex
	commands   map[uint16]*Command
	nameToID   map[string]uint16
	nextID     uint16
	dictionary string
	respond    ResponseWriter
}

// NewCommandRegistry creates a new command registry. Every registry
// answers "identify" with chunks of its dictionary.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
	r.Register("identify_response", "offset=%u data=%*s", nil)
	r.Register("identify", "offset=%u count=%c", r.handleIdentify)
	return r
}

// Register adds a command to the registry. Re-registering a name returns
// the existing ID.
func (r *CommandRegistry) Register(name string, format string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.nameToID[name]; exists {
		return id
	}

	id := r.nextID
	r.nextID++
	r.commands[id] = &Command{ID: id, Name: name, Format: format, Handler: handler}
	r.nameToID[name] = id
	r.rebuildDictionary()
	return id
}

// GetCommand retrieves a command by ID
func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Lookup returns the ID registered for name
func (r *CommandRegistry) Lookup(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	return id, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// SetResponseWriter sets where responses are sent
func (r *CommandRegistry) SetResponseWriter(w ResponseWriter) {
	r.mu.Lock()
	r.respond = w
	r.mu.Unlock()
}

// Dispatch decodes the command ID at the front of payload and calls its
// handler. Several commands may be packed into one payload.
func (r *CommandRegistry) Dispatch(payload []byte) error {
	data := payload
	for len(data) > 0 {
		id, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return err
		}
		cmd, ok := r.GetCommand(uint16(id))
		if !ok || cmd.Handler == nil {
			return errors.New("unknown command ID: " + itoa(int(id)))
		}
		if err := cmd.Handler(&data); err != nil {
			return errors.New(cmd.Name + ": " + err.Error())
		}
	}
	return nil
}

// Respond encodes the named response and hands it to the response writer
func (r *CommandRegistry) Respond(name string, args func(dst []byte) []byte) error {
	r.mu.RLock()
	id, ok := r.nameToID[name]
	w := r.respond
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownCommand
	}
	if w == nil {
		return ErrNoResponder
	}
	payload := protocol.AppendVLQUint(make([]byte, 0, protocol.MessagePayloadMax), uint32(id))
	if args != nil {
		payload = args(payload)
	}
	return w(payload)
}

// GetDictionary returns the command dictionary, one "id name format" per line
func (r *CommandRegistry) GetDictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dictionary
}

// rebuildDictionary must be called with the lock held
func (r *CommandRegistry) rebuildDictionary() {
	var sb strings.Builder
	for i := uint16(0); i < r.nextID; i++ {
		cmd, ok := r.commands[i]
		if !ok {
			continue
		}
		sb.WriteString(utoa(uint32(i)))
		sb.WriteByte(' ')
		sb.WriteString(cmd.Name)
		if cmd.Format != "" {
			sb.WriteByte(' ')
			sb.WriteString(cmd.Format)
		}
		sb.WriteByte('\n')
	}
	r.dictionary = sb.String()
}

// handleIdentify: identify offset=%u count=%c
func (r *CommandRegistry) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dict := r.GetDictionary()
	if offset > uint32(len(dict)) {
		offset = uint32(len(dict))
	}
	end := offset + count
	if end > uint32(len(dict)) {
		end = uint32(len(dict))
	}
	chunk := dict[offset:end]
	return r.Respond("identify_response", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, offset)
		return protocol.AppendVLQBytes(dst, []byte(chunk))
	})
}

// ParseDictionary parses GetDictionary output into a name to ID map
func ParseDictionary(dict string) map[string]uint16 {
	out := make(map[string]uint16)
	for _, line := range strings.Split(dict, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		var id uint32
		valid := true
		for _, c := range f[0] {
			if c < '0' || c > '9' {
				valid = false
				break
			}
			id = id*10 + uint32(c-'0')
		}
		if valid {
			out[f[1]] = uint16(id)
		}
	}
	return out
}
