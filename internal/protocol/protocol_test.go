package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	require.Equal(t, 18, buf.Len(), "the handshake literal is 18 bytes")
	require.Equal(t, "LidarServ Protocol", buf.String())
	require.NoError(t, ReadHandshake(&buf))
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	err := ReadHandshake(bytes.NewReader([]byte("HTTP/1.1 400 Bad Re")))
	require.ErrorIs(t, err, ErrBadHandshake)

	err = ReadHandshake(bytes.NewReader([]byte("short")))
	require.ErrorIs(t, err, ErrBadHandshake)
}

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestMessageRoundTrips(t *testing.T) {
	nodeID := [14]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	messages := []*Message{
		{Hello: &Hello{ProtocolVersion: 1}},
		{PointCloudInfo: &PointCloudInfo{CoordinateSystem: CoordinateSystem{
			I32: &I32CoordinateSystem{Scale: [3]float64{0.01, 0.01, 0.01}, Offset: [3]float64{1, 2, 3}},
		}}},
		{ConnectionMode: &ConnectionMode{Device: ModeCaptureDevice}},
		{InsertPoints: &InsertPoints{Data: []byte{0xde, 0xad, 0xbe, 0xef}}},
		{Query: &Query{Aabb: &AabbQuery{
			MinBounds: [3]float64{0, 0, 0}, MaxBounds: [3]float64{10, 10, 10}, LodLevel: 4,
		}}},
		{Query: &Query{ViewFrustum: &ViewFrustumQuery{
			WindowWidthPixels: 1920, MinDistancePixels: 4,
		}}},
		{IncrementalResult: &IncrementalResult{
			Replaces: &NodeRef{LodLevel: 2, ID: nodeID},
			Nodes: []IncrementalNode{
				{Node: NodeRef{LodLevel: 3, ID: nodeID}, Blobs: [][]byte{{1, 2}, {3}}},
			},
		}},
		{IncrementalResult: &IncrementalResult{Replaces: &NodeRef{LodLevel: 1, ID: nodeID}}},
		{ResultAck: &ResultAck{UpdateNumber: 42}},
	}
	for _, m := range messages {
		kind, err := m.Kind()
		require.NoError(t, err)
		t.Run(kind, func(t *testing.T) {
			got := roundTrip(t, m)
			require.Equal(t, m, got)
		})
	}
}

// The frame is a u64 little-endian length followed by a CBOR map whose
// single key names the variant.
func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{ResultAck: &ResultAck{UpdateNumber: 7}}))
	raw := buf.Bytes()

	length := binary.LittleEndian.Uint64(raw[:8])
	require.Equal(t, int(length), len(raw)-8)

	var generic map[string]map[string]uint64
	require.NoError(t, cbor.Unmarshal(raw[8:], &generic))
	require.Len(t, generic, 1)
	require.Equal(t, uint64(7), generic["ResultAck"]["update_number"])
}

func TestWriteMessageRejectsAmbiguousFrames(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, &Message{})
	require.ErrorIs(t, err, ErrUnknownMessage)

	err = WriteMessage(&buf, &Message{
		Hello:     &Hello{ProtocolVersion: 1},
		ResultAck: &ResultAck{UpdateNumber: 1},
	})
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestReadMessageRejectsOversizedFrames(t *testing.T) {
	var buf bytes.Buffer
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], maxFrameSize+1)
	buf.Write(length[:])
	_, err := ReadMessage(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadMessageRejectsTruncatedFrames(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteMessage(&full, &Message{Hello: &Hello{ProtocolVersion: 1}}))
	raw := full.Bytes()

	_, err := ReadMessage(bytes.NewReader(raw[:len(raw)-1]))
	if err == nil {
		t.Fatal("truncated frame read successfully")
	}
}

func TestNegotiateVersion(t *testing.T) {
	require.NoError(t, NegotiateVersion(1))
	err := NegotiateVersion(Version + 1)
	require.ErrorIs(t, err, ErrVersionMismatch)
}
