// Package protocol implements the XLAN TCP control-channel wire format.
//
// Every control frame starts with a 2-byte big-endian type tag. Frames are
// packed with no implicit padding; field offsets are fixed and enforced by
// the encoders and decoders here. TCP is a stream, so frames can arrive in
// parts; Framer reassembles them.
package protocol

import (
	"errors"
	"fmt"
	"math"
)

// ProtocolVersion is the current handshake protocol version.
const ProtocolVersion uint32 = 1

// Type is the 2-byte frame type tag.
type Type uint16

// Frame type tags.
const (
	TypePing              Type = 0x0000 // H→C latency probe
	TypePong              Type = 0x0001 // C→H latency response
	TypeMessageSent       Type = 0x0002 // C→H chat message
	TypeMessageReceived   Type = 0x0003 // H→C chat delivery
	TypeUpdateUser        Type = 0x0004 // H→C membership/ping update
	TypeUserDisconnected  Type = 0x0005 // H→C peer removal
	TypeUDPPacket         Type = 0x0006 // C→H system-link frame over TCP
	TypeUDPPacketReceived Type = 0x0007 // H→C system-link frame delivery
	TypeDropUser          Type = 0x0008 // C→H operator drop request
	TypeSetOp             Type = 0x0009 // C→H operator op/de-op request
	TypeSetName           Type = 0x000A // C→H server rename request
	TypeRequestRefused    Type = 0x000B // H→C operator request refusal
	TypeServerNameChanged Type = 0x000C // H→C server name propagation

	TypeHandshake                         Type = 0xFEFF // C→H version negotiation
	TypeHandshakeResponse                 Type = 0xFF00 // H→C version accepted
	TypeConnectionInformation             Type = 0xFF01 // C→H name + password verifier
	TypeConnectionInformationAcknowledged Type = 0xFF02 // H→C peer id + udp port
	TypeConnectionRefused                 Type = 0xFFFF // H→C terminal refusal
)

// Fixed slot sizes.
const (
	MaxNameLength  = 32 // zero-padded UTF-8 name slot
	ReasonLength   = 64 // zero-padded UTF-8 reason slot
	VerifierLength = 62 // password verifier slot
)

// Reserved peer identities.
const (
	// ServerPeerID is the host's own identity when it is the sender or
	// recipient of a frame.
	ServerPeerID uint64 = math.MaxUint64

	// PublicChatID as a recipient addresses a message to the main chat.
	PublicChatID uint64 = math.MaxInt64
)

// RefuseReason is carried by ConnectionRefused.
type RefuseReason uint32

const (
	RefuseVersionTooOld   RefuseReason = 0
	RefuseVersionTooNew   RefuseReason = 1
	RefuseReceiveTimeout  RefuseReason = 2
	RefuseNameUnavailable RefuseReason = 3
)

func (r RefuseReason) String() string {
	switch r {
	case RefuseVersionTooOld:
		return "client version too old"
	case RefuseVersionTooNew:
		return "client version too new"
	case RefuseReceiveTimeout:
		return "receive timeout"
	case RefuseNameUnavailable:
		return "name unavailable"
	default:
		return fmt.Sprintf("unknown reason %d", uint32(r))
	}
}

// RefuseCode is carried by RequestRefused.
type RefuseCode uint32

const (
	RefusePermissionDenied RefuseCode = 0
	RefuseLastOperator     RefuseCode = 1
)

func (c RefuseCode) String() string {
	switch c {
	case RefusePermissionDenied:
		return "permission denied"
	case RefuseLastOperator:
		return "cannot de-op the last operator"
	default:
		return fmt.Sprintf("unknown code %d", uint32(c))
	}
}

// FlagBroadcast marks a MessageReceived delivered to the main chat.
const FlagBroadcast byte = 1 << 1

// UDPPortDisabled in ConnectionInformationAcknowledged means the host has
// no UDP data channel and system-link frames must travel over TCP.
const UDPPortDisabled uint16 = 0xFFFF

// Errors returned by encoders and decoders.
var (
	ErrNameTooLong   = errors.New("name too long")
	ErrInvalidName   = errors.New("name is not valid UTF-8")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrFrameTooShort = errors.New("frame too short")
	ErrTextTooLong   = errors.New("text exceeds 65535 bytes")
	ErrFrameTooLong  = errors.New("frame exceeds maximum length")
)

// Frame sizes; for variable-length frames this is the fixed header before
// the trailing payload.
const (
	sizeHandshake                         = 6
	sizeHandshakeResponse                 = 2
	sizeConnectionInformation             = 2 + MaxNameLength + VerifierLength
	sizeConnectionInformationAcknowledged = 12
	sizeConnectionRefused                 = 6
	sizePing                              = 10
	sizePong                              = 6
	headerMessageSent                     = 12
	headerMessageReceived                 = 13
	sizeUpdateUser                        = 46
	sizeUserDisconnected                  = 74
	headerUDPPacket                       = 4
	headerUDPPacketReceived               = 12
	sizeDropUser                          = 74
	sizeSetOp                             = 75
	sizeSetName                           = 34
	sizeRequestRefused                    = 6
	sizeServerNameChanged                 = 34
)

// Message is a decoded control frame. Type selects which fields are set.
type Message struct {
	Type Type

	Version uint32       // Handshake
	PeerID  uint64       // CI_ACK, UpdateUser, UserDisconnected, UDPPacketReceived, DropUser, SetOp
	UDPPort uint16       // CI_ACK
	Refusal RefuseReason // ConnectionRefused
	Code    RefuseCode   // RequestRefused

	A, B  uint32 // Ping
	XorAB uint32 // Pong

	RecipientID uint64 // MessageSent
	SenderID    uint64 // MessageReceived
	Flags       byte   // MessageReceived
	Text        string // MessageSent, MessageReceived

	Name     string               // ConnectionInformation, UpdateUser, SetName, ServerNameChanged
	Reason   string               // UserDisconnected, DropUser, SetOp
	PingMs   uint32               // UpdateUser
	Op       bool                 // SetOp
	Verifier [VerifierLength]byte // ConnectionInformation

	Payload []byte // UDPPacket, UDPPacketReceived
}

// TypeName returns a human-readable name for a frame type.
func TypeName(t Type) string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case TypeConnectionInformation:
		return "CONNECTION_INFORMATION"
	case TypeConnectionInformationAcknowledged:
		return "CONNECTION_INFORMATION_ACK"
	case TypeConnectionRefused:
		return "CONNECTION_REFUSED"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeMessageSent:
		return "MESSAGE_SENT"
	case TypeMessageReceived:
		return "MESSAGE_RECEIVED"
	case TypeUpdateUser:
		return "UPDATE_USER"
	case TypeUserDisconnected:
		return "USER_DISCONNECTED"
	case TypeUDPPacket:
		return "UDP_PACKET"
	case TypeUDPPacketReceived:
		return "UDP_PACKET_RECEIVED"
	case TypeDropUser:
		return "DROP_USER"
	case TypeSetOp:
		return "SET_OP"
	case TypeSetName:
		return "SET_NAME"
	case TypeRequestRefused:
		return "REQUEST_REFUSED"
	case TypeServerNameChanged:
		return "SERVER_NAME_CHANGED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(t))
	}
}

func newFrame(t Type, size int) []byte {
	b := make([]byte, size)
	putU16(b, 0, uint16(t))
	return b
}

// EncodeHandshake encodes the client's opening frame.
func EncodeHandshake(version uint32) []byte {
	b := newFrame(TypeHandshake, sizeHandshake)
	putU32(b, 2, version)
	return b
}

// EncodeHandshakeResponse encodes the host's version acceptance.
func EncodeHandshakeResponse() []byte {
	return newFrame(TypeHandshakeResponse, sizeHandshakeResponse)
}

// EncodeConnectionInformation encodes the requested name and the password
// verifier slot.
func EncodeConnectionInformation(name string, verifier [VerifierLength]byte) ([]byte, error) {
	b := newFrame(TypeConnectionInformation, sizeConnectionInformation)
	if err := putName(b, 2, name, MaxNameLength); err != nil {
		return nil, err
	}
	copy(b[2+MaxNameLength:], verifier[:])
	return b, nil
}

// EncodeConnectionInformationAcknowledged encodes the assigned peer id and
// the host's UDP data-channel port (UDPPortDisabled if there is none).
func EncodeConnectionInformationAcknowledged(peerID uint64, udpPort uint16) []byte {
	b := newFrame(TypeConnectionInformationAcknowledged, sizeConnectionInformationAcknowledged)
	putU64(b, 2, peerID)
	putU16(b, 10, udpPort)
	return b
}

// EncodeConnectionRefused encodes a terminal refusal.
func EncodeConnectionRefused(reason RefuseReason) []byte {
	b := newFrame(TypeConnectionRefused, sizeConnectionRefused)
	putU32(b, 2, uint32(reason))
	return b
}

// EncodePing encodes a latency probe. The peer must answer with a Pong
// carrying a XOR b.
func EncodePing(a, b uint32) []byte {
	f := newFrame(TypePing, sizePing)
	putU32(f, 2, a)
	putU32(f, 6, b)
	return f
}

// EncodePong encodes the answer to a Ping.
func EncodePong(xorAB uint32) []byte {
	b := newFrame(TypePong, sizePong)
	putU32(b, 2, xorAB)
	return b
}

// EncodeMessageSent encodes a chat message addressed to recipientID
// (PublicChatID for the main chat).
func EncodeMessageSent(recipientID uint64, text string) ([]byte, error) {
	if len(text) > math.MaxUint16 {
		return nil, ErrTextTooLong
	}
	b := newFrame(TypeMessageSent, headerMessageSent+len(text))
	putU64(b, 2, recipientID)
	putU16(b, 10, uint16(len(text)))
	copy(b[headerMessageSent:], text)
	return b, nil
}

// EncodeMessageReceived encodes a chat delivery from senderID
// (ServerPeerID if the host itself speaks).
func EncodeMessageReceived(senderID uint64, flags byte, text string) ([]byte, error) {
	if len(text) > math.MaxUint16 {
		return nil, ErrTextTooLong
	}
	b := newFrame(TypeMessageReceived, headerMessageReceived+len(text))
	putU64(b, 2, senderID)
	b[10] = flags
	putU16(b, 11, uint16(len(text)))
	copy(b[headerMessageReceived:], text)
	return b, nil
}

// EncodeUpdateUser encodes a membership/ping update for one peer.
func EncodeUpdateUser(peerID uint64, name string, pingMs uint32) ([]byte, error) {
	b := newFrame(TypeUpdateUser, sizeUpdateUser)
	putU64(b, 2, peerID)
	if err := putName(b, 10, name, MaxNameLength); err != nil {
		return nil, err
	}
	putU32(b, 42, pingMs)
	return b, nil
}

// EncodeUserDisconnected encodes a peer removal broadcast.
func EncodeUserDisconnected(peerID uint64, reason string) ([]byte, error) {
	b := newFrame(TypeUserDisconnected, sizeUserDisconnected)
	putU64(b, 2, peerID)
	if err := putName(b, 10, reason, ReasonLength); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeUDPPacket encodes a system-link frame carried over the control
// channel (used when the host has no UDP data channel).
func EncodeUDPPacket(frame []byte) ([]byte, error) {
	if len(frame) > math.MaxUint16 {
		return nil, ErrFrameTooLong
	}
	b := newFrame(TypeUDPPacket, headerUDPPacket+len(frame))
	putU16(b, 2, uint16(len(frame)))
	copy(b[headerUDPPacket:], frame)
	return b, nil
}

// EncodeUDPPacketReceived encodes a system-link frame forwarded to a peer
// over the control channel.
func EncodeUDPPacketReceived(senderID uint64, frame []byte) ([]byte, error) {
	if len(frame) > math.MaxUint16 {
		return nil, ErrFrameTooLong
	}
	b := newFrame(TypeUDPPacketReceived, headerUDPPacketReceived+len(frame))
	putU64(b, 2, senderID)
	putU16(b, 10, uint16(len(frame)))
	copy(b[headerUDPPacketReceived:], frame)
	return b, nil
}

// EncodeDropUser encodes an operator request to drop a peer.
func EncodeDropUser(peerID uint64, reason string) ([]byte, error) {
	b := newFrame(TypeDropUser, sizeDropUser)
	putU64(b, 2, peerID)
	if err := putName(b, 10, reason, ReasonLength); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeSetOp encodes an operator request to op or de-op a peer.
func EncodeSetOp(peerID uint64, op bool, reason string) ([]byte, error) {
	b := newFrame(TypeSetOp, sizeSetOp)
	putU64(b, 2, peerID)
	if op {
		b[10] = 1
	}
	if err := putName(b, 11, reason, ReasonLength); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeSetName encodes an operator request to rename the server.
func EncodeSetName(name string) ([]byte, error) {
	b := newFrame(TypeSetName, sizeSetName)
	if err := putName(b, 2, name, MaxNameLength); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeRequestRefused encodes the refusal of an operator request.
func EncodeRequestRefused(code RefuseCode) []byte {
	b := newFrame(TypeRequestRefused, sizeRequestRefused)
	putU32(b, 2, uint32(code))
	return b
}

// EncodeServerNameChanged encodes a server name propagation.
func EncodeServerNameChanged(name string) ([]byte, error) {
	b := newFrame(TypeServerNameChanged, sizeServerNameChanged)
	if err := putName(b, 2, name, MaxNameLength); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses one complete frame as produced by Framer.Next.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < 2 {
		return nil, ErrFrameTooShort
	}
	t := Type(u16(buf, 0))
	msg := &Message{Type: t}
	var err error

	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrFrameTooShort, TypeName(t), n, len(buf))
		}
		return nil
	}

	switch t {
	case TypeHandshake:
		if err = need(sizeHandshake); err != nil {
			return nil, err
		}
		msg.Version = u32(buf, 2)

	case TypeHandshakeResponse:
		// Tag only.

	case TypeConnectionInformation:
		if err = need(sizeConnectionInformation); err != nil {
			return nil, err
		}
		if msg.Name, err = getName(buf, 2, MaxNameLength); err != nil {
			return nil, err
		}
		copy(msg.Verifier[:], buf[2+MaxNameLength:])

	case TypeConnectionInformationAcknowledged:
		if err = need(sizeConnectionInformationAcknowledged); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		msg.UDPPort = u16(buf, 10)

	case TypeConnectionRefused:
		if err = need(sizeConnectionRefused); err != nil {
			return nil, err
		}
		msg.Refusal = RefuseReason(u32(buf, 2))

	case TypePing:
		if err = need(sizePing); err != nil {
			return nil, err
		}
		msg.A = u32(buf, 2)
		msg.B = u32(buf, 6)

	case TypePong:
		if err = need(sizePong); err != nil {
			return nil, err
		}
		msg.XorAB = u32(buf, 2)

	case TypeMessageSent:
		if err = need(headerMessageSent); err != nil {
			return nil, err
		}
		msg.RecipientID = u64(buf, 2)
		n := int(u16(buf, 10))
		if err = need(headerMessageSent + n); err != nil {
			return nil, err
		}
		msg.Text = string(buf[headerMessageSent : headerMessageSent+n])

	case TypeMessageReceived:
		if err = need(headerMessageReceived); err != nil {
			return nil, err
		}
		msg.SenderID = u64(buf, 2)
		msg.Flags = buf[10]
		n := int(u16(buf, 11))
		if err = need(headerMessageReceived + n); err != nil {
			return nil, err
		}
		msg.Text = string(buf[headerMessageReceived : headerMessageReceived+n])

	case TypeUpdateUser:
		if err = need(sizeUpdateUser); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		if msg.Name, err = getName(buf, 10, MaxNameLength); err != nil {
			return nil, err
		}
		msg.PingMs = u32(buf, 42)

	case TypeUserDisconnected:
		if err = need(sizeUserDisconnected); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		if msg.Reason, err = getName(buf, 10, ReasonLength); err != nil {
			return nil, err
		}

	case TypeUDPPacket:
		if err = need(headerUDPPacket); err != nil {
			return nil, err
		}
		n := int(u16(buf, 2))
		if err = need(headerUDPPacket + n); err != nil {
			return nil, err
		}
		msg.Payload = append([]byte(nil), buf[headerUDPPacket:headerUDPPacket+n]...)

	case TypeUDPPacketReceived:
		if err = need(headerUDPPacketReceived); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		n := int(u16(buf, 10))
		if err = need(headerUDPPacketReceived + n); err != nil {
			return nil, err
		}
		msg.Payload = append([]byte(nil), buf[headerUDPPacketReceived:headerUDPPacketReceived+n]...)

	case TypeDropUser:
		if err = need(sizeDropUser); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		if msg.Reason, err = getName(buf, 10, ReasonLength); err != nil {
			return nil, err
		}

	case TypeSetOp:
		if err = need(sizeSetOp); err != nil {
			return nil, err
		}
		msg.PeerID = u64(buf, 2)
		msg.Op = buf[10] != 0
		if msg.Reason, err = getName(buf, 11, ReasonLength); err != nil {
			return nil, err
		}

	case TypeSetName:
		if err = need(sizeSetName); err != nil {
			return nil, err
		}
		if msg.Name, err = getName(buf, 2, MaxNameLength); err != nil {
			return nil, err
		}

	case TypeRequestRefused:
		if err = need(sizeRequestRefused); err != nil {
			return nil, err
		}
		msg.Code = RefuseCode(u32(buf, 2))

	case TypeServerNameChanged:
		if err = need(sizeServerNameChanged); err != nil {
			return nil, err
		}
		if msg.Name, err = getName(buf, 2, MaxNameLength); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownType, uint16(t))
	}

	return msg, nil
}
