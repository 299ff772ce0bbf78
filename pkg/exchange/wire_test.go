package exchange

import (
	"testing"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "invalidate",
			msg: Message{
				Type:    MsgInvalidateCacheEntry,
				Key:     "/a/b/c",
				Session: coordtypes.NewSessionId([]byte("10.0.0.1:7946"), []byte("tag-1")),
			},
		},
		{
			name: "released read lock",
			msg: Message{
				Type:    MsgReleasedReadLock,
				Key:     "/x",
				Session: coordtypes.NewSessionId([]byte("host"), []byte("t")),
			},
		},
		{
			name: "released write lock, empty key",
			msg: Message{
				Type:    MsgReleasedWriteLock,
				Key:     "",
				Session: coordtypes.NewSessionId(nil, nil),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.msg)
			decoded, n, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, tt.msg.Type, decoded.Type)
			assert.Equal(t, tt.msg.Key, decoded.Key)
			assert.True(t, tt.msg.Session.Equal(decoded.Session))
		})
	}
}

func TestDecode_TooShortForLengthPrefix(t *testing.T) {
	_, _, err := Decode([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDecode_TruncatedFrame(t *testing.T) {
	msg := Message{Type: MsgInvalidateCacheEntry, Key: "/a", Session: coordtypes.NewSessionId([]byte("h"), []byte("t"))}
	frame := Encode(msg)
	_, _, err := Decode(frame[:len(frame)-3])
	assert.Error(t, err)
}

func TestDecode_ReportsConsumedLength(t *testing.T) {
	msg := Message{Type: MsgReleasedReadLock, Key: "/a", Session: coordtypes.NewSessionId([]byte("h"), []byte("t"))}
	frame := Encode(msg)
	extra := append(append([]byte{}, frame...), []byte("trailing garbage")...)

	_, n, err := Decode(extra)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
}
