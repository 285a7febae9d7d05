package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/mattjoyce/cpucom/internal/command"
)

// encMode uses Core Deterministic Encoding so equal messages are equal bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
}

// EventMessage is published for every inbound command on a subscribed key.
type EventMessage struct {
	Command    uint8  `cbor:"command"`
	Subcommand uint8  `cbor:"subcommand"`
	Data       []byte `cbor:"data,omitempty"`
}

// ErrorMessage is published for every channel error.
type ErrorMessage struct {
	Command    uint8 `cbor:"command"`
	Subcommand uint8 `cbor:"subcommand"`
	Code       int   `cbor:"code"`
}

// SendRequest is the body of a message on the send subject. Fields are ints
// so out-of-range values reach validation instead of failing to decode.
type SendRequest struct {
	Command    int    `cbor:"command"`
	Subcommand int    `cbor:"subcommand"`
	Data       []byte `cbor:"data,omitempty"`
}

func (r SendRequest) raw() command.Raw {
	return command.Raw{Command: r.Command, Subcommand: r.Subcommand, Payload: r.Data}
}

// SendReply answers a send request that carried a reply subject.
type SendReply struct {
	Accepted bool   `cbor:"accepted"`
	Error    string `cbor:"error,omitempty"`
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cbor: %w", err)
	}
	return nil
}
