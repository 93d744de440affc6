package protocol

import "fmt"

// MaxFrameLength bounds a single control frame: the largest fixed header
// (MessageReceived, 13 bytes) plus a maximal 16-bit payload.
const MaxFrameLength = headerMessageReceived + 0xFFFF

// Framer reassembles control frames from a TCP byte stream. Bytes are fed
// in as they arrive; Next returns one decoded frame at a time, or nil when
// the buffered bytes do not yet hold a complete frame.
//
// A Framer belongs to exactly one connection. It keeps a single reusable
// buffer, so the per-tick cost is the inevitable payload copy and nothing
// else.
type Framer struct {
	buf []byte
}

// Feed appends stream bytes to the reassembly buffer.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Buffered returns the number of bytes awaiting reassembly.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// frameLength returns the total length of the frame at the head of buf,
// 0 if more bytes are needed to know, or an error for an unknown tag.
func frameLength(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	switch t := Type(u16(buf, 0)); t {
	case TypeHandshake:
		return sizeHandshake, nil
	case TypeHandshakeResponse:
		return sizeHandshakeResponse, nil
	case TypeConnectionInformation:
		return sizeConnectionInformation, nil
	case TypeConnectionInformationAcknowledged:
		return sizeConnectionInformationAcknowledged, nil
	case TypeConnectionRefused:
		return sizeConnectionRefused, nil
	case TypePing:
		return sizePing, nil
	case TypePong:
		return sizePong, nil
	case TypeMessageSent:
		if len(buf) < headerMessageSent {
			return 0, nil
		}
		return headerMessageSent + int(u16(buf, 10)), nil
	case TypeMessageReceived:
		if len(buf) < headerMessageReceived {
			return 0, nil
		}
		return headerMessageReceived + int(u16(buf, 11)), nil
	case TypeUpdateUser:
		return sizeUpdateUser, nil
	case TypeUserDisconnected:
		return sizeUserDisconnected, nil
	case TypeUDPPacket:
		if len(buf) < headerUDPPacket {
			return 0, nil
		}
		return headerUDPPacket + int(u16(buf, 2)), nil
	case TypeUDPPacketReceived:
		if len(buf) < headerUDPPacketReceived {
			return 0, nil
		}
		return headerUDPPacketReceived + int(u16(buf, 10)), nil
	case TypeDropUser:
		return sizeDropUser, nil
	case TypeSetOp:
		return sizeSetOp, nil
	case TypeSetName:
		return sizeSetName, nil
	case TypeRequestRefused:
		return sizeRequestRefused, nil
	case TypeServerNameChanged:
		return sizeServerNameChanged, nil
	default:
		return 0, fmt.Errorf("%w: 0x%04X", ErrUnknownType, uint16(t))
	}
}

// Next extracts the next complete frame. It returns (nil, nil) when more
// bytes are needed. An error means the stream is unrecoverable (unknown
// tag or malformed frame) and the connection must be dropped.
func (f *Framer) Next() (*Message, error) {
	n, err := frameLength(f.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 || len(f.buf) < n {
		return nil, nil
	}
	msg, err := Decode(f.buf[:n])
	if err != nil {
		return nil, err
	}
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
	return msg, nil
}

// Reset discards any buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
