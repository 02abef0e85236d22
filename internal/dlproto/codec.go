package dlproto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HeaderSize is the number of bytes preceding the CBOR body.
const HeaderSize = 7

// ErrWrongFamily is wrapped in the [*DecodeError] returned by [Decode]
// when the first byte is not [FamilyTag].
var ErrWrongFamily = errors.New("not a linking message")

// DecodeError is returned by [Decode] for any input that is not a well-formed message.
// A well-formed message that is wrong for the receiver's state
// is never reported as a DecodeError.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "failed to decode linking message: " + e.Reason
	}
	return fmt.Sprintf("failed to decode linking message: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("BUG: invalid CBOR encoding options: %w", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("BUG: invalid CBOR decoding options: %w", err))
	}
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, errors.New("cannot encode message without body")
	}
	if err := checkDirection(m.Type(), m.Direction); err != nil {
		return nil, err
	}

	body, err := encMode.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", m.Type(), err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	out[0] = FamilyTag
	out[1] = byte(m.Type())
	out[2] = byte(m.Direction)
	binary.BigEndian.PutUint32(out[3:HeaderSize], m.ID)

	return append(out, body...), nil
}

// Decode parses a message produced by [Encode].
// All failures are of type [*DecodeError].
func Decode(p []byte) (Message, error) {
	if len(p) < HeaderSize {
		return Message{}, &DecodeError{
			Reason: fmt.Sprintf("need at least %d bytes, got %d", HeaderSize, len(p)),
		}
	}

	if p[0] != FamilyTag {
		return Message{}, &DecodeError{
			Reason: fmt.Sprintf("family tag 0x%02x", p[0]),
			Err:    ErrWrongFamily,
		}
	}

	t := MessageType(p[1])
	d := Direction(p[2])
	if err := checkDirection(t, d); err != nil {
		return Message{}, &DecodeError{Reason: "bad header", Err: err}
	}

	m := Message{
		ID:        binary.BigEndian.Uint32(p[3:HeaderSize]),
		Direction: d,
	}

	raw := p[HeaderSize:]
	var err error
	switch t {
	case LinkMessageType:
		var b LinkMessage
		err = decMode.Unmarshal(raw, &b)
		m.Body = b
	case StatusMessageType:
		var b StatusMessage
		err = decMode.Unmarshal(raw, &b)
		m.Body = b
	case ErrorMessageType:
		var b ErrorMessage
		err = decMode.Unmarshal(raw, &b)
		m.Body = b
	case CloseMessageType:
		var b CloseMessage
		err = decMode.Unmarshal(raw, &b)
		m.Body = b
	default:
		panic(fmt.Errorf("BUG: unhandled message type %s", t))
	}
	if err != nil {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("%s body", t), Err: err}
	}

	return m, nil
}

// checkDirection reports whether d is legal for a message of type t.
func checkDirection(t MessageType, d Direction) error {
	if d != Request && d != Response {
		return fmt.Errorf("invalid direction %s", d)
	}

	switch t {
	case LinkMessageType, StatusMessageType:
		return nil
	case ErrorMessageType:
		if d != Response {
			return errors.New("error message must be a response")
		}
		return nil
	case CloseMessageType:
		if d != Request {
			return errors.New("close message must be a request")
		}
		return nil
	default:
		return fmt.Errorf("invalid message type %s", t)
	}
}
