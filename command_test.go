package xnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRegistry_StoreTakeIsOneShot(t *testing.T) {
	tok := storePayload(userPayload{data: []byte("hi")})

	v, ok := takePayload(tok)
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), v.(userPayload).data)

	_, ok = takePayload(tok)
	assert.False(t, ok, "a token must not be redeemable twice")
}

func TestEncodeDecodeAddr_RoundTrips(t *testing.T) {
	a, err := ResolveAddr("192.168.1.1", 9000)
	require.NoError(t, err)

	buf := make([]byte, addrEncodedLen)
	encodeAddr(buf, a)
	got := decodeAddr(buf)
	assert.Equal(t, a, got)
}

func TestEncodeDecodeListenCmd(t *testing.T) {
	addr, err := ResolveAddr("0.0.0.0", 80)
	require.NoError(t, err)

	body := encodeListenCmd(99, 5, addr, 128)
	require.LessOrEqual(t, len(body), maxCommandBody)

	got := decodeListenCmd(body)
	assert.Equal(t, int64(99), got.SourceID)
	assert.Equal(t, int32(5), got.BackCommand)
	assert.Equal(t, addr, got.Addr)
	assert.Equal(t, uint16(128), got.Backlog)
}

func TestEncodeDecodeBroadcastCmd_RoundTripsAtMaxIDs(t *testing.T) {
	ids := make([]int32, maxBroadcastIDs)
	for i := range ids {
		ids[i] = int32(i)
	}
	body := encodeBroadcastCmd(ids, 0xABCD)
	require.LessOrEqual(t, len(body), maxCommandBody)

	tok, got := decodeBroadcastCmd(body)
	assert.Equal(t, uint64(0xABCD), tok)
	assert.Equal(t, ids, got)
}

func TestEncodeBroadcastCmd_PanicsOverLimit(t *testing.T) {
	ids := make([]int32, maxBroadcastIDs+1)
	assert.Panics(t, func() { encodeBroadcastCmd(ids, 0) }, "caller must chunk before encoding")
}

func TestEncodeDecodeSendToCmd(t *testing.T) {
	dest, err := ResolveAddr("8.8.8.8", 53)
	require.NoError(t, err)

	body := encodeSendToCmd(7, dest, 42)
	id, gotDest, tok := decodeSendToCmd(body)
	assert.Equal(t, int32(7), id)
	assert.Equal(t, dest, gotDest)
	assert.Equal(t, uint64(42), tok)
}

func TestEncodeDecodeUserCmd(t *testing.T) {
	body := encodeUserCmd(3, 17, 9001)
	got := decodeUserCmd(body)
	assert.Equal(t, int64(3), got.SourceID)
	assert.Equal(t, int32(17), got.Command)
	assert.Equal(t, uint64(9001), got.Token)
}
