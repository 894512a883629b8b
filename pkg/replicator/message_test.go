package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecore-db/litecore/pkg/status"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := NewRequest(ProfileRev)
	msg.Number = 42
	msg.Properties["id"] = "doc-1"
	msg.Properties["rev"] = "3-abc"
	msg.Properties["history"] = "2-bbb,1-aaa"
	msg.Body = []byte(`{"v":3}`)

	decoded, err := DecodeMessage(msg.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decoded.Number)
	assert.Equal(t, TypeRequest, decoded.Type)
	assert.Equal(t, ProfileRev, decoded.Profile)
	assert.Equal(t, msg.Properties, decoded.Properties)
	assert.Equal(t, msg.Body, decoded.Body)
	assert.False(t, decoded.NoReply)
}

func TestMessageNoReplyFlag(t *testing.T) {
	msg := NewRequest(ProfileSubChanges)
	msg.NoReply = true
	msg.Properties["since"] = "17"

	decoded, err := DecodeMessage(msg.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.NoReply)
	assert.Equal(t, TypeRequest, decoded.Type)
	assert.Equal(t, "17", decoded.Properties["since"])
}

func TestMessageEmptyBodyAndProperties(t *testing.T) {
	msg := NewRequest(ProfileChanges)
	decoded, err := DecodeMessage(msg.Encode())
	require.NoError(t, err)
	assert.Empty(t, decoded.Properties)
	assert.Nil(t, decoded.Body)
}

func TestErrorResponse(t *testing.T) {
	req := NewRequest(ProfileRev)
	req.Number = 9
	resp := NewErrorResponse(req, status.DomainDatabase, status.CodeNotFound, "gone")

	decoded, err := DecodeMessage(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, TypeError, decoded.Type)
	assert.Equal(t, uint64(9), decoded.Number)

	respErr := decoded.Err()
	require.Error(t, respErr)
	assert.True(t, status.IsNotFound(respErr))

	// non-error replies have no Err
	assert.NoError(t, NewResponse(req).Err())
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	msg := NewRequest(ProfileChanges)
	msg.Properties["k"] = "v"
	encoded := msg.Encode()

	for cut := 1; cut < len(encoded)-1; cut++ {
		// the frame has no body, so every proper prefix is truncated
		_, err := DecodeMessage(encoded[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}

	_, err := DecodeMessage(nil)
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	encoded := []byte{0x01, 0x07, 0x00, 0x00} // number=1, type=7
	_, err := DecodeMessage(encoded)
	require.Error(t, err)
}
