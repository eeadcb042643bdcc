package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadefs/kadefs/internal/identifier"
)

func TestMessageRoundTripStoreRequest(t *testing.T) {
	id := identifier.DigestString("chunk")
	msg := &Message{
		ID:         "corr-1",
		Method:     MethodStore,
		SenderID:   identifier.DigestString("sender"),
		SenderHost: "10.0.0.1",
		SenderPort: 8086,
		TargetID:   id,
		Kind:       KindChunk,
		Value:      []byte("payload bytes"),
		KeyName:    "file.txt",
		LastWrite:  time.Now().Truncate(time.Second),
	}

	raw, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.Method, decoded.Method)
	require.Equal(t, msg.SenderID, decoded.SenderID)
	require.Equal(t, msg.TargetID, decoded.TargetID)
	require.Equal(t, msg.Kind, decoded.Kind)
	require.Equal(t, msg.Value, decoded.Value)
	require.Equal(t, msg.KeyName, decoded.KeyName)
	require.True(t, msg.LastWrite.Equal(decoded.LastWrite))
}

func TestMessageRoundTripNeighborsResponse(t *testing.T) {
	msg := &Message{
		Method: MethodFindNode,
		Neighbors: []NeighborInfo{
			{ID: identifier.DigestString("n1"), Host: "10.0.0.2", Port: 8086},
			{ID: identifier.DigestString("n2"), Host: "10.0.0.3", Port: 8087},
		},
	}

	raw, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, decoded.Neighbors, 2)
	require.Equal(t, msg.Neighbors[0].ID, decoded.Neighbors[0].ID)
	require.Equal(t, msg.Neighbors[1].Host, decoded.Neighbors[1].Host)
}

func TestMessageRoundTripPingMismatch(t *testing.T) {
	remote := identifier.DigestString("expected")
	msg := &Message{
		Method:   MethodPing,
		RemoteID: &remote,
	}
	raw, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, decoded.RemoteID)
	require.Equal(t, remote, *decoded.RemoteID)
}

func TestMessageRoundTripErrorResponse(t *testing.T) {
	msg := &Message{
		Method:  MethodStore,
		ErrCode: "RPC_FAILURE",
		ErrMsg:  "disk full",
	}
	raw, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "RPC_FAILURE", decoded.ErrCode)
	require.Equal(t, "disk full", decoded.ErrMsg)
}
