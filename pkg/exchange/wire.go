package exchange

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
)

// MsgType is the single-byte tag identifying a wire message kind, per
// spec.md §4.5.
type MsgType byte

const (
	MsgInvalidateCacheEntry MsgType = 0x01
	MsgReleasedReadLock     MsgType = 0x02
	MsgReleasedWriteLock    MsgType = 0x03
)

// Message is a decoded wire message: one of the three kinds above, always
// carrying a key and a session.
type Message struct {
	Type    MsgType
	Key     coordtypes.Key
	Session coordtypes.SessionId
}

// Encode produces the length-prefixed, little-endian wire frame described
// in spec.md §4.5: u32 total_length, then tag byte, u32 key_len + key
// bytes, u32 session_bytes_len + session bytes. The session itself is
// encoded as u32 addr_len + addr bytes + u32 tag_len + tag bytes so both
// SessionId components survive the round trip.
func Encode(m Message) []byte {
	sessionBytes := encodeSession(m.Session)
	keyBytes := []byte(m.Key)

	payloadLen := 1 + 4 + len(keyBytes) + 4 + len(sessionBytes)
	frame := make([]byte, 4+payloadLen)

	binary.LittleEndian.PutUint32(frame[0:4], uint32(payloadLen))
	frame[4] = byte(m.Type)
	binary.LittleEndian.PutUint32(frame[5:9], uint32(len(keyBytes)))
	copy(frame[9:9+len(keyBytes)], keyBytes)
	off := 9 + len(keyBytes)
	binary.LittleEndian.PutUint32(frame[off:off+4], uint32(len(sessionBytes)))
	copy(frame[off+4:], sessionBytes)
	return frame
}

// Decode parses a complete wire frame (outer length prefix included) back
// into a Message. It returns the number of bytes consumed from frame,
// which callers transmitting over a stream (rather than a datagram) can
// use to find the next message.
func Decode(frame []byte) (Message, int, error) {
	if len(frame) < 4 {
		return Message{}, 0, fmt.Errorf("exchange: frame too short for length prefix")
	}
	payloadLen := int(binary.LittleEndian.Uint32(frame[0:4]))
	if len(frame) < 4+payloadLen {
		return Message{}, 0, fmt.Errorf("exchange: truncated frame (want %d, have %d)", payloadLen, len(frame)-4)
	}
	payload := frame[4 : 4+payloadLen]
	if len(payload) < 1+4 {
		return Message{}, 0, fmt.Errorf("exchange: payload too short")
	}

	msgType := MsgType(payload[0])
	keyLen := int(binary.LittleEndian.Uint32(payload[1:5]))
	if len(payload) < 5+keyLen+4 {
		return Message{}, 0, fmt.Errorf("exchange: truncated key/session fields")
	}
	key := string(payload[5 : 5+keyLen])

	off := 5 + keyLen
	sessLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+sessLen {
		return Message{}, 0, fmt.Errorf("exchange: truncated session bytes")
	}
	session, err := decodeSession(payload[off : off+sessLen])
	if err != nil {
		return Message{}, 0, err
	}

	return Message{Type: msgType, Key: key, Session: session}, 4 + payloadLen, nil
}

func encodeSession(s coordtypes.SessionId) []byte {
	out := make([]byte, 4+len(s.Address)+4+len(s.Tag))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(s.Address)))
	copy(out[4:4+len(s.Address)], s.Address)
	off := 4 + len(s.Address)
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(s.Tag)))
	copy(out[off+4:], s.Tag)
	return out
}

func decodeSession(b []byte) (coordtypes.SessionId, error) {
	if len(b) < 4 {
		return coordtypes.SessionId{}, fmt.Errorf("exchange: session encoding too short")
	}
	addrLen := int(binary.LittleEndian.Uint32(b[0:4]))
	if len(b) < 4+addrLen+4 {
		return coordtypes.SessionId{}, fmt.Errorf("exchange: session address truncated")
	}
	addr := b[4 : 4+addrLen]
	off := 4 + addrLen
	tagLen := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+tagLen {
		return coordtypes.SessionId{}, fmt.Errorf("exchange: session tag truncated")
	}
	tag := b[off : off+tagLen]
	return coordtypes.NewSessionId(addr, tag), nil
}
