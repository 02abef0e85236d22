package dlproto

import (
	"fmt"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
)

// FamilyTag is the first byte of every linking message.
// Receivers treat any other first byte as a parse failure.
const FamilyTag byte = 'L'

// MessageType is the single byte header indicating the kind of body.
type MessageType byte

const (
	// Keep zero reserved.
	// Not using iota here, to avoid possibility of values changing across the wire.

	// Ask to become connected, or agree to it.
	LinkMessageType MessageType = 1

	// Exchange neighbor lists after a successful link reply.
	StatusMessageType MessageType = 2

	// Reject a request. Only valid as a response.
	ErrorMessageType MessageType = 3

	// Abandon a negotiation. Only valid as a request.
	CloseMessageType MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case LinkMessageType:
		return "Link"
	case StatusMessageType:
		return "Status"
	case ErrorMessageType:
		return "Error"
	case CloseMessageType:
		return "Close"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Direction distinguishes requests from responses.
type Direction byte

const (
	Request  Direction = 1
	Response Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "Request"
	case Response:
		return "Response"
	default:
		return fmt.Sprintf("Direction(%d)", byte(d))
	}
}

// Message is one decoded linking message.
type Message struct {
	// Requests carry a fresh ID;
	// responses echo the ID of the request they answer.
	ID uint32

	Direction Direction

	// One of [LinkMessage], [StatusMessage], [ErrorMessage], or [CloseMessage].
	Body Body
}

// NewRequest returns a request message with the given ID and body.
func NewRequest(id uint32, b Body) Message {
	return Message{ID: id, Direction: Request, Body: b}
}

// NewResponse returns a response message answering request id.
func NewResponse(id uint32, b Body) Message {
	return Message{ID: id, Direction: Response, Body: b}
}

// Type returns the type of m's body.
func (m Message) Type() MessageType {
	return m.Body.MessageType()
}

// Body is the closed set of message payloads.
type Body interface {
	MessageType() MessageType

	isBody()
}

// LinkMessage is the body of a link request or response.
//
// In a request, Local describes the requester,
// and Remote describes who the requester expects to reach;
// Remote.Address is zero when the requester has no particular target.
// In a response, Local describes the responder
// and Remote echoes the requester.
type LinkMessage struct {
	ConnType dconn.Type `cbor:"1,keyasint"`
	Realm    string     `cbor:"2,keyasint"`

	Local  daddr.NodeInfo `cbor:"3,keyasint"`
	Remote daddr.NodeInfo `cbor:"4,keyasint"`
}

func (LinkMessage) MessageType() MessageType { return LinkMessageType }
func (LinkMessage) isBody()                  {}

// StatusMessage carries the sender's neighbors of a connection type.
type StatusMessage struct {
	ConnType  dconn.Type       `cbor:"1,keyasint"`
	Neighbors []daddr.NodeInfo `cbor:"2,keyasint,omitempty"`
}

func (StatusMessage) MessageType() MessageType { return StatusMessageType }
func (StatusMessage) isBody()                  {}

// ErrorMessage rejects the request with the same ID.
type ErrorMessage struct {
	Code    ErrorCode `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint,omitempty"`
}

func (ErrorMessage) MessageType() MessageType { return ErrorMessageType }
func (ErrorMessage) isBody()                  {}

// CloseMessage tells the peer that the sender is abandoning the negotiation.
type CloseMessage struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

func (CloseMessage) MessageType() MessageType { return CloseMessageType }
func (CloseMessage) isBody()                  {}

// ErrorCode identifies the reason carried in an [ErrorMessage].
type ErrorCode uint8

const (
	// Keep zero reserved.

	UnexpectedErrorCode        ErrorCode = 1
	InProgressErrorCode        ErrorCode = 2
	AlreadyConnectedErrorCode  ErrorCode = 3
	TargetMismatchErrorCode    ErrorCode = 4
	RealmMismatchErrorCode     ErrorCode = 5
	ConnectToSelfErrorCode     ErrorCode = 6
	BadConnectionTypeErrorCode ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case UnexpectedErrorCode:
		return "unexpected"
	case InProgressErrorCode:
		return "in_progress"
	case AlreadyConnectedErrorCode:
		return "already_connected"
	case TargetMismatchErrorCode:
		return "target_mismatch"
	case RealmMismatchErrorCode:
		return "realm_mismatch"
	case ConnectToSelfErrorCode:
		return "connect_to_self"
	case BadConnectionTypeErrorCode:
		return "bad_connection_type"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}
