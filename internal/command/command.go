// Package command defines the (command, subcommand) key and the command value
// exchanged with the device.
package command

import (
	"errors"
	"fmt"
)

// ErrInvalidCommand is returned when a boundary command carries a field outside [0,255].
var ErrInvalidCommand = errors.New("invalid command")

// Key identifies a message type on the device channel.
type Key struct {
	Command    uint8
	Subcommand uint8
}

// NewKey builds a Key from its two bytes.
func NewKey(cmd, subcmd uint8) Key {
	return Key{Command: cmd, Subcommand: subcmd}
}

// Hash packs the key into a single integer. Equal keys hash equal and distinct
// keys never collide.
func (k Key) Hash() uint16 {
	return uint16(k.Command)<<8 | uint16(k.Subcommand)
}

// Permission returns the permission name guarding this key, e.g. "cmd_FD01".
func (k Key) Permission() string {
	return fmt.Sprintf("cmd_%02X%02X", k.Command, k.Subcommand)
}

func (k Key) String() string {
	return fmt.Sprintf("0x%02X/0x%02X", k.Command, k.Subcommand)
}

// Command is a key plus an optional opaque payload.
type Command struct {
	Key     Key
	Payload []byte
}

// Raw is the boundary shape of a command. Its fields are wider than a byte so
// they must be range-checked before the command is used.
type Raw struct {
	Command    int    `json:"command"`
	Subcommand int    `json:"subcommand"`
	Payload    []byte `json:"data,omitempty"`
}

// Valid reports whether both fields lie in [0,255].
func (r Raw) Valid() bool {
	return inByteRange(r.Command) && inByteRange(r.Subcommand)
}

// Validate returns ErrInvalidCommand wrapped with the offending values.
func (r Raw) Validate() error {
	if !r.Valid() {
		return fmt.Errorf("%w: command=%d subcommand=%d", ErrInvalidCommand, r.Command, r.Subcommand)
	}
	return nil
}

// Key converts a validated Raw into a Key.
func (r Raw) Key() (Key, error) {
	if err := r.Validate(); err != nil {
		return Key{}, err
	}
	return NewKey(uint8(r.Command), uint8(r.Subcommand)), nil
}

// ToCommand converts a validated Raw into a Command. The payload is copied.
func (r Raw) ToCommand() (Command, error) {
	key, err := r.Key()
	if err != nil {
		return Command{}, err
	}
	var payload []byte
	if len(r.Payload) > 0 {
		payload = append([]byte(nil), r.Payload...)
	}
	return Command{Key: key, Payload: payload}, nil
}

// RawOf converts a key back to its boundary form.
func RawOf(k Key) Raw {
	return Raw{Command: int(k.Command), Subcommand: int(k.Subcommand)}
}

func inByteRange(v int) bool {
	return v >= 0 && v <= 255
}
