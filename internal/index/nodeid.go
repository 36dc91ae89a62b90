package index

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// PathBytes is the packed width of an octant path: 112 bits, three bits per
// level, most significant bits first.
const PathBytes = 14

// MaxPathLen is the deepest level a path can encode.
const MaxPathLen = (PathBytes * 8) / 3 // 37

// NodeID identifies one node of the octree: a level-of-detail (depth) plus
// the octant path from the root. The root is lod 0 with an all-zero path.
// Octant bits select the x (bit 0), y (bit 1) and z (bit 2) half of the
// parent region. NodeID is a value type and usable as a map key.
type NodeID struct {
	lod  uint8
	path [PathBytes]byte
}

// RootID returns the id of the root node.
func RootID() NodeID { return NodeID{} }

// NodeIDFromParts reconstructs an id from its wire form. Path bits beyond
// 3*lod must be zero so that equal nodes always compare equal.
func NodeIDFromParts(lod uint8, path [PathBytes]byte) (NodeID, error) {
	if lod > MaxPathLen {
		return NodeID{}, fmt.Errorf("node lod %d exceeds maximum path length %d", lod, MaxPathLen)
	}
	id := NodeID{lod: lod, path: path}
	for level := lod; level < MaxPathLen; level++ {
		if get3(&path, level) != 0 {
			return NodeID{}, fmt.Errorf("node id has non-zero path bits beyond lod %d", lod)
		}
	}
	return id, nil
}

// get3 extracts the three octant bits for one level (0-based) from a packed
// path, MSB-first.
func get3(path *[PathBytes]byte, level uint8) uint8 {
	bit := uint(level) * 3
	var out uint8
	for i := uint(0); i < 3; i++ {
		b := bit + i
		if path[b/8]&(0x80>>(b%8)) != 0 {
			out |= 1 << (2 - i)
		}
	}
	return out
}

// set3 stores three octant bits for one level into a packed path.
func set3(path *[PathBytes]byte, level uint8, octant uint8) {
	bit := uint(level) * 3
	for i := uint(0); i < 3; i++ {
		b := bit + i
		mask := byte(0x80 >> (b % 8))
		if octant&(1<<(2-i)) != 0 {
			path[b/8] |= mask
		} else {
			path[b/8] &^= mask
		}
	}
}

// Lod returns the node's level of detail (0 = root).
func (id NodeID) Lod() uint8 { return id.lod }

// Path returns the packed 14-byte octant path.
func (id NodeID) Path() [PathBytes]byte { return id.path }

// IsRoot reports whether this is the root id.
func (id NodeID) IsRoot() bool { return id.lod == 0 }

// Child returns the id of the given octant child.
func (id NodeID) Child(octant uint8) (NodeID, error) {
	if octant > 7 {
		return NodeID{}, fmt.Errorf("octant %d out of range", octant)
	}
	if id.lod >= MaxPathLen {
		return NodeID{}, fmt.Errorf("node at lod %d cannot have children", id.lod)
	}
	child := id
	child.lod++
	set3(&child.path, id.lod, octant)
	return child, nil
}

// Parent returns the parent id and the octant this node occupies in it.
// Calling Parent on the root returns the root itself and octant 0.
func (id NodeID) Parent() (NodeID, uint8) {
	if id.lod == 0 {
		return id, 0
	}
	parent := id
	parent.lod--
	octant := get3(&parent.path, parent.lod)
	set3(&parent.path, parent.lod, 0)
	return parent, octant
}

// OctantAt returns the octant chosen at the given level of the path,
// for levels in [0, Lod).
func (id NodeID) OctantAt(level uint8) uint8 {
	return get3(&id.path, level)
}

// Less imposes the canonical node order: by lod, then by path bytes. Store
// listings and notifier batches are sorted in this order, and the task
// queue uses it to break score ties.
func (id NodeID) Less(other NodeID) bool {
	if id.lod != other.lod {
		return id.lod < other.lod
	}
	return bytes.Compare(id.path[:], other.path[:]) < 0
}

func (id NodeID) String() string {
	return fmt.Sprintf("%d-%s", id.lod, hex.EncodeToString(id.path[:]))
}

// ParseNodeID parses the String form, as used in node file names.
func ParseNodeID(s string) (NodeID, error) {
	var lod uint8
	var pathHex string
	if _, err := fmt.Sscanf(s, "%d-%s", &lod, &pathHex); err != nil {
		return NodeID{}, fmt.Errorf("parsing node id %q: %w", s, err)
	}
	raw, err := hex.DecodeString(pathHex)
	if err != nil || len(raw) != PathBytes {
		return NodeID{}, fmt.Errorf("parsing node id %q: bad path", s)
	}
	var path [PathBytes]byte
	copy(path[:], raw)
	return NodeIDFromParts(lod, path)
}
