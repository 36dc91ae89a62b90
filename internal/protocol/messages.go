// Package protocol implements the LidarServ wire protocol: an 18-byte
// handshake literal followed by length-prefixed CBOR frames. The message
// union is externally tagged — each frame is a map with exactly one key
// naming the variant — which is what the cbor struct tags below encode.
package protocol

import (
	"fmt"
)

// Version is the protocol version exchanged in Hello. The newer peer
// decides compatibility; today there is only version 1.
const Version uint32 = 1

// Connection modes announced by a client after the Hello exchange.
const (
	ModeCaptureDevice = "CaptureDevice"
	ModeViewer        = "Viewer"
)

// Message is the wire union. Exactly one field is non-nil.
type Message struct {
	Hello             *Hello             `cbor:"Hello,omitempty"`
	PointCloudInfo    *PointCloudInfo    `cbor:"PointCloudInfo,omitempty"`
	ConnectionMode    *ConnectionMode    `cbor:"ConnectionMode,omitempty"`
	InsertPoints      *InsertPoints      `cbor:"InsertPoints,omitempty"`
	Query             *Query             `cbor:"Query,omitempty"`
	IncrementalResult *IncrementalResult `cbor:"IncrementalResult,omitempty"`
	ResultAck         *ResultAck         `cbor:"ResultAck,omitempty"`
}

// Kind names the variant carried by the message, or fails when the frame
// carried none or more than one.
func (m *Message) Kind() (string, error) {
	var kind string
	count := 0
	set := func(name string) { kind = name; count++ }
	if m.Hello != nil {
		set("Hello")
	}
	if m.PointCloudInfo != nil {
		set("PointCloudInfo")
	}
	if m.ConnectionMode != nil {
		set("ConnectionMode")
	}
	if m.InsertPoints != nil {
		set("InsertPoints")
	}
	if m.Query != nil {
		set("Query")
	}
	if m.IncrementalResult != nil {
		set("IncrementalResult")
	}
	if m.ResultAck != nil {
		set("ResultAck")
	}
	if count != 1 {
		return "", fmt.Errorf("%w: frame carries %d variants", ErrUnknownMessage, count)
	}
	return kind, nil
}

// Hello opens both directions of a connection.
type Hello struct {
	ProtocolVersion uint32 `cbor:"protocol_version"`
}

// PointCloudInfo announces the cloud's coordinate system to a client.
type PointCloudInfo struct {
	CoordinateSystem CoordinateSystem `cbor:"coordinate_system"`
}

// CoordinateSystem is an externally tagged union with a single variant
// today: the i32 grid with f64 scale and offset.
type CoordinateSystem struct {
	I32 *I32CoordinateSystem `cbor:"I32CoordinateSystem,omitempty"`
}

// I32CoordinateSystem carries the quantisation parameters.
type I32CoordinateSystem struct {
	Scale  [3]float64 `cbor:"scale"`
	Offset [3]float64 `cbor:"offset"`
}

// ConnectionMode declares what the client is: a capture device that
// inserts points or a viewer that subscribes to queries.
type ConnectionMode struct {
	Device string `cbor:"device"`
}

// InsertPoints carries a batch of LAS point records whose header scale and
// offset must equal the PointCloudInfo values.
type InsertPoints struct {
	Data []byte `cbor:"data"`
}

// Query installs or replaces a viewer's query.
type Query struct {
	Aabb        *AabbQuery        `cbor:"AabbQuery,omitempty"`
	ViewFrustum *ViewFrustumQuery `cbor:"ViewFrustumQuery,omitempty"`
}

// AabbQuery selects points inside a box up to a level of detail.
type AabbQuery struct {
	MinBounds [3]float64 `cbor:"min_bounds"`
	MaxBounds [3]float64 `cbor:"max_bounds"`
	LodLevel  uint8      `cbor:"lod_level"`
}

// ViewFrustumQuery selects nodes visible from a camera; both the
// view-projection matrix and its inverse are contractual.
type ViewFrustumQuery struct {
	ViewProjectionMatrix    [16]float64 `cbor:"view_projection_matrix"`
	ViewProjectionMatrixInv [16]float64 `cbor:"view_projection_matrix_inv"`
	WindowWidthPixels       float64     `cbor:"window_width_pixels"`
	MinDistancePixels       float64     `cbor:"min_distance_pixels"`
}

// NodeRef identifies a node on the wire: lod plus the packed 14-byte path.
type NodeRef struct {
	LodLevel uint8    `cbor:"lod_level"`
	ID       [14]byte `cbor:"id"`
}

// IncrementalNode pairs a node ref with its point blobs; encoded as a
// 2-element array.
type IncrementalNode struct {
	_     struct{} `cbor:",toarray"`
	Node  NodeRef
	Blobs [][]byte
}

// IncrementalResult is one update of a viewer's result set. Replaces nil
// with one node adds; Replaces set with no nodes removes; both set
// replaces, possibly splitting one node into several.
type IncrementalResult struct {
	Replaces *NodeRef          `cbor:"replaces"`
	Nodes    []IncrementalNode `cbor:"nodes"`
}

// ResultAck acknowledges processed IncrementalResults; UpdateNumber is the
// monotonic total count.
type ResultAck struct {
	UpdateNumber uint64 `cbor:"update_number"`
}
