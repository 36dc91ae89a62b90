// Package pointbuf provides column-wise storage for batches of LiDAR points.
// A buffer holds a required i32 position column plus zero or more named
// attribute columns whose types come from a closed set of primitive and
// small-vector kinds. All operations are bulk to amortise per-point overhead,
// and every column exposes its raw backing bytes for the codec.
package pointbuf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/lidarserv/internal/coords"
)

// Kind is the primitive element type of an attribute column.
type Kind uint8

const (
	KindU8 Kind = iota
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindF32
	KindF64
)

// Size returns the encoded width of one element in bytes.
func (k Kind) Size() int {
	switch k {
	case KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32:
		return 4
	case KindF64:
		return 8
	}
	return 0
}

func (k Kind) String() string {
	switch k {
	case KindU8:
		return "u8"
	case KindI8:
		return "i8"
	case KindU16:
		return "u16"
	case KindI16:
		return "i16"
	case KindU32:
		return "u32"
	case KindI32:
		return "i32"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses the textual form used in settings files.
func ParseKind(s string) (Kind, error) {
	for k := KindU8; k <= KindF64; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute kind %q", s)
}

// AttributeType is an element kind plus a component count (1 for scalars,
// 2..4 for vectors such as RGB).
type AttributeType struct {
	Kind       Kind
	Components int
}

// Size returns the encoded width of one value in bytes.
func (t AttributeType) Size() int { return t.Kind.Size() * t.Components }

// Valid reports whether the type is a member of the closed attribute set.
func (t AttributeType) Valid() bool {
	return t.Kind.Size() > 0 && t.Components >= 1 && t.Components <= 4
}

// AttributeSpec names one attribute of the point schema.
type AttributeSpec struct {
	Name string
	Type AttributeType
}

// Schema is the immutable per-cloud point layout: a 3D i32 position plus
// the configured attributes, in declaration order.
type Schema struct {
	attrs  []AttributeSpec
	byName map[string]int
}

// NewSchema validates attribute names and types and returns a schema.
func NewSchema(attrs []AttributeSpec) (*Schema, error) {
	byName := make(map[string]int, len(attrs))
	for i, a := range attrs {
		if a.Name == "" {
			return nil, fmt.Errorf("attribute %d has empty name", i)
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("attribute %q has invalid type %v x%d", a.Name, a.Type.Kind, a.Type.Components)
		}
		if _, dup := byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate attribute name %q", a.Name)
		}
		byName[a.Name] = i
	}
	out := &Schema{attrs: append([]AttributeSpec(nil), attrs...), byName: byName}
	return out, nil
}

// Attributes returns the attribute specs in declaration order.
func (s *Schema) Attributes() []AttributeSpec { return s.attrs }

// Index returns the column index of the named attribute, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

// PointSize is the encoded width of one point including position.
func (s *Schema) PointSize() int {
	n := 12 // three i32 position components
	for _, a := range s.attrs {
		n += a.Type.Size()
	}
	return n
}

// Equal reports whether two schemas declare the same attributes in the same
// order.
func (s *Schema) Equal(other *Schema) bool {
	if len(s.attrs) != len(other.attrs) {
		return false
	}
	for i := range s.attrs {
		if s.attrs[i] != other.attrs[i] {
			return false
		}
	}
	return true
}

// Buffer is a column store for a batch of points. Positions live in a
// dedicated i32 column; each schema attribute has a parallel raw byte
// column. A buffer is not safe for concurrent mutation.
type Buffer struct {
	schema    *Schema
	positions []int32 // x,y,z interleaved, length 3*Len()
	columns   [][]byte
}

// New returns an empty buffer over the schema.
func New(schema *Schema) *Buffer {
	return &Buffer{
		schema:  schema,
		columns: make([][]byte, len(schema.attrs)),
	}
}

// Schema returns the buffer's schema.
func (b *Buffer) Schema() *Schema { return b.schema }

// Len returns the number of points.
func (b *Buffer) Len() int { return len(b.positions) / 3 }

// PositionAt returns the local position of point i.
func (b *Buffer) PositionAt(i int) coords.PointLocal {
	return coords.PointLocal{X: b.positions[3*i], Y: b.positions[3*i+1], Z: b.positions[3*i+2]}
}

// Positions returns the raw interleaved position column.
func (b *Buffer) Positions() []int32 { return b.positions }

// RawColumn returns the raw bytes of attribute column idx.
func (b *Buffer) RawColumn(idx int) []byte { return b.columns[idx] }

// AttrBytes returns the encoded value of attribute idx for point i.
func (b *Buffer) AttrBytes(idx, i int) []byte {
	w := b.schema.attrs[idx].Type.Size()
	return b.columns[idx][i*w : (i+1)*w]
}

// Append adds one point. attrs must hold one encoded value per schema
// attribute, each exactly its type's size. Intended for tests and tools;
// the ingest path uses AppendRaw.
func (b *Buffer) Append(pos coords.PointLocal, attrs ...[]byte) error {
	if len(attrs) != len(b.schema.attrs) {
		return fmt.Errorf("append: got %d attribute values, schema has %d", len(attrs), len(b.schema.attrs))
	}
	for i, v := range attrs {
		if len(v) != b.schema.attrs[i].Type.Size() {
			return fmt.Errorf("append: attribute %q value has %d bytes, want %d",
				b.schema.attrs[i].Name, len(v), b.schema.attrs[i].Type.Size())
		}
	}
	b.positions = append(b.positions, pos.X, pos.Y, pos.Z)
	for i, v := range attrs {
		b.columns[i] = append(b.columns[i], v...)
	}
	return nil
}

// AppendRaw bulk-appends n points given an interleaved position slice of
// length 3n and one raw column per attribute with n values each.
func (b *Buffer) AppendRaw(positions []int32, columns [][]byte) error {
	if len(positions)%3 != 0 {
		return fmt.Errorf("append raw: position slice length %d not a multiple of 3", len(positions))
	}
	n := len(positions) / 3
	if len(columns) != len(b.schema.attrs) {
		return fmt.Errorf("append raw: got %d columns, schema has %d", len(columns), len(b.schema.attrs))
	}
	for i, col := range columns {
		want := n * b.schema.attrs[i].Type.Size()
		if len(col) != want {
			return fmt.Errorf("append raw: column %q has %d bytes, want %d", b.schema.attrs[i].Name, len(col), want)
		}
	}
	b.positions = append(b.positions, positions...)
	for i, col := range columns {
		b.columns[i] = append(b.columns[i], col...)
	}
	return nil
}

// Extend bulk-appends every point of other, which must share the schema.
func (b *Buffer) Extend(other *Buffer) error {
	if !b.schema.Equal(other.schema) {
		return fmt.Errorf("extend: schema mismatch")
	}
	b.positions = append(b.positions, other.positions...)
	for i := range b.columns {
		b.columns[i] = append(b.columns[i], other.columns[i]...)
	}
	return nil
}

// AppendFrom copies point i of src, which must share the schema. The
// insertion pipeline uses it to split a drained inbox between accepted,
// bogus and routed destinations in one pass.
func (b *Buffer) AppendFrom(src *Buffer, i int) {
	b.positions = append(b.positions, src.positions[3*i], src.positions[3*i+1], src.positions[3*i+2])
	for c := range b.columns {
		b.columns[c] = append(b.columns[c], src.AttrBytes(c, i)...)
	}
}

// Gather returns a new buffer holding the points at the given indices, in
// the given order.
func (b *Buffer) Gather(indices []int) *Buffer {
	out := New(b.schema)
	out.positions = make([]int32, 0, 3*len(indices))
	for c, a := range b.schema.attrs {
		out.columns[c] = make([]byte, 0, len(indices)*a.Type.Size())
	}
	for _, i := range indices {
		out.positions = append(out.positions, b.positions[3*i], b.positions[3*i+1], b.positions[3*i+2])
		for c := range b.columns {
			out.columns[c] = append(out.columns[c], b.AttrBytes(c, i)...)
		}
	}
	return out
}

// Filter returns a new buffer holding the points for which pred is true,
// preserving order.
func (b *Buffer) Filter(pred func(i int) bool) *Buffer {
	indices := make([]int, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		if pred(i) {
			indices = append(indices, i)
		}
	}
	return b.Gather(indices)
}

// Clear empties the buffer, retaining allocations.
func (b *Buffer) Clear() {
	b.positions = b.positions[:0]
	for i := range b.columns {
		b.columns[i] = b.columns[i][:0]
	}
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	out := New(b.schema)
	out.positions = append([]int32(nil), b.positions...)
	for i := range b.columns {
		out.columns[i] = append([]byte(nil), b.columns[i]...)
	}
	return out
}

// Float64Component decodes component comp of attribute idx for point i as a
// float64. This is the numeric view used by attribute summaries and query
// filters; integer kinds are converted exactly.
func (b *Buffer) Float64Component(idx, i, comp int) float64 {
	a := b.schema.attrs[idx].Type
	w := a.Kind.Size()
	off := i*a.Size() + comp*w
	raw := b.columns[idx][off : off+w]
	switch a.Kind {
	case KindU8:
		return float64(raw[0])
	case KindI8:
		return float64(int8(raw[0]))
	case KindU16:
		return float64(binary.LittleEndian.Uint16(raw))
	case KindI16:
		return float64(int16(binary.LittleEndian.Uint16(raw)))
	case KindU32:
		return float64(binary.LittleEndian.Uint32(raw))
	case KindI32:
		return float64(int32(binary.LittleEndian.Uint32(raw)))
	case KindF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case KindF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw))
	}
	return 0
}

// EncodeValue encodes a float64 into the attribute's wire form. Values are
// truncated toward zero for integer kinds; out-of-range values saturate.
func EncodeValue(t AttributeType, comps []float64) ([]byte, error) {
	if len(comps) != t.Components {
		return nil, fmt.Errorf("encode: got %d components, want %d", len(comps), t.Components)
	}
	out := make([]byte, 0, t.Size())
	for _, v := range comps {
		switch t.Kind {
		case KindU8:
			out = append(out, uint8(clamp(v, 0, math.MaxUint8)))
		case KindI8:
			out = append(out, uint8(int8(clamp(v, math.MinInt8, math.MaxInt8))))
		case KindU16:
			out = binary.LittleEndian.AppendUint16(out, uint16(clamp(v, 0, math.MaxUint16)))
		case KindI16:
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		case KindU32:
			out = binary.LittleEndian.AppendUint32(out, uint32(clamp(v, 0, math.MaxUint32)))
		case KindI32:
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
		case KindF32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
		case KindF64:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
		default:
			return nil, fmt.Errorf("encode: invalid kind %v", t.Kind)
		}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
