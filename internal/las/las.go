// Package las serialises point buffers as LAS 1.2 point records. This is the
// on-disk format of node files and the payload format of capture uploads.
// The codec covers exactly what the index needs: point format 0 records with
// the cloud's schema attributes, standard fields used where an attribute maps
// onto one (Intensity, Classification) and extra bytes appended per record
// for everything else. Compression is handled by the caller wrapping the
// reader/writer; this package only sees the uncompressed stream.
package las

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

const (
	headerSize      = 227 // LAS 1.2 public header block
	baseRecordSize  = 20  // point data record format 0
	signatureString = "LASF"
)

// ErrScaleMismatch is returned when a decoded header's scale/offset differ
// from the point cloud's coordinate system. Capture connections that send
// such data are closed; already indexed points stay.
var ErrScaleMismatch = errors.New("las header scale/offset does not match point cloud coordinate system")

// ErrMalformed is returned for structurally invalid LAS data.
var ErrMalformed = errors.New("malformed las data")

// Codec encodes and decodes LAS blobs for one schema and coordinate system.
type Codec struct {
	schema *pointbuf.Schema
	cs     coords.System

	intensityIdx int // schema column mapped onto the standard intensity field, -1 if none
	classIdx     int // schema column mapped onto the standard classification field, -1 if none
	extraSize    int
}

// NewCodec builds a codec. An attribute named "Intensity" of type u16x1 is
// stored in the record's intensity field, an attribute named
// "Classification" of type u8x1 in the classification field; all other
// attributes travel as extra bytes in schema order.
func NewCodec(schema *pointbuf.Schema, cs coords.System) *Codec {
	c := &Codec{schema: schema, cs: cs, intensityIdx: -1, classIdx: -1}
	for i, a := range schema.Attributes() {
		switch {
		case a.Name == "Intensity" && a.Type == (pointbuf.AttributeType{Kind: pointbuf.KindU16, Components: 1}):
			c.intensityIdx = i
		case a.Name == "Classification" && a.Type == (pointbuf.AttributeType{Kind: pointbuf.KindU8, Components: 1}):
			c.classIdx = i
		default:
			c.extraSize += a.Type.Size()
		}
	}
	return c
}

// RecordSize is the encoded width of one point record.
func (c *Codec) RecordSize() int { return baseRecordSize + c.extraSize }

// Encode writes buf as a LAS blob: public header followed by point records.
func (c *Codec) Encode(w io.Writer, buf *pointbuf.Buffer) error {
	n := buf.Len()
	header := make([]byte, headerSize)
	copy(header, signatureString)
	header[24] = 1 // version 1.2
	header[25] = 2
	binary.LittleEndian.PutUint16(header[94:], headerSize)
	binary.LittleEndian.PutUint32(header[96:], headerSize) // point data starts right after the header
	header[104] = 0                                        // point data record format 0
	binary.LittleEndian.PutUint16(header[105:], uint16(c.RecordSize()))
	binary.LittleEndian.PutUint32(header[107:], uint32(n))
	putF64 := func(off int, v float64) {
		binary.LittleEndian.PutUint64(header[off:], math.Float64bits(v))
	}
	putF64(131, c.cs.Scale[0])
	putF64(139, c.cs.Scale[1])
	putF64(147, c.cs.Scale[2])
	putF64(155, c.cs.Offset[0])
	putF64(163, c.cs.Offset[1])
	putF64(171, c.cs.Offset[2])

	// Min/max bounds in global coordinates. Zero for an empty blob.
	if n > 0 {
		min := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
		max := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		for i := 0; i < n; i++ {
			g := c.cs.Dequantise(buf.PositionAt(i))
			for a, v := range [3]float64{g.X, g.Y, g.Z} {
				if v < min[a] {
					min[a] = v
				}
				if v > max[a] {
					max[a] = v
				}
			}
		}
		putF64(179, max[0])
		putF64(187, min[0])
		putF64(195, max[1])
		putF64(203, min[1])
		putF64(211, max[2])
		putF64(219, min[2])
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing las header: %w", err)
	}

	record := make([]byte, c.RecordSize())
	for i := 0; i < n; i++ {
		for j := range record {
			record[j] = 0
		}
		p := buf.PositionAt(i)
		binary.LittleEndian.PutUint32(record[0:], uint32(p.X))
		binary.LittleEndian.PutUint32(record[4:], uint32(p.Y))
		binary.LittleEndian.PutUint32(record[8:], uint32(p.Z))
		if c.intensityIdx >= 0 {
			copy(record[12:14], buf.AttrBytes(c.intensityIdx, i))
		}
		if c.classIdx >= 0 {
			record[15] = buf.AttrBytes(c.classIdx, i)[0]
		}
		off := baseRecordSize
		for a := range c.schema.Attributes() {
			if a == c.intensityIdx || a == c.classIdx {
				continue
			}
			off += copy(record[off:], buf.AttrBytes(a, i))
		}
		if _, err := w.Write(record); err != nil {
			return fmt.Errorf("writing las record %d: %w", i, err)
		}
	}
	return nil
}

// EncodeToBytes is Encode into a fresh byte slice.
func (c *Codec) EncodeToBytes(buf *pointbuf.Buffer) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(headerSize + buf.Len()*c.RecordSize())
	if err := c.Encode(&out, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode reads a LAS blob and returns the points as a buffer. The header's
// scale and offset must match the codec's coordinate system exactly;
// otherwise ErrScaleMismatch is returned and nothing is decoded.
func (c *Codec) Decode(r io.Reader) (*pointbuf.Buffer, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformed, err)
	}
	if string(header[:4]) != signatureString {
		return nil, fmt.Errorf("%w: bad signature %q", ErrMalformed, header[:4])
	}
	hdrSize := binary.LittleEndian.Uint16(header[94:])
	dataOffset := binary.LittleEndian.Uint32(header[96:])
	recLen := int(binary.LittleEndian.Uint16(header[105:]))
	count := int(binary.LittleEndian.Uint32(header[107:]))
	if hdrSize < headerSize || dataOffset < uint32(hdrSize) {
		return nil, fmt.Errorf("%w: inconsistent header/data offsets", ErrMalformed)
	}
	if recLen != c.RecordSize() {
		return nil, fmt.Errorf("%w: record length %d, schema needs %d", ErrMalformed, recLen, c.RecordSize())
	}

	getF64 := func(off int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(header[off:]))
	}
	scale := [3]float64{getF64(131), getF64(139), getF64(147)}
	offset := [3]float64{getF64(155), getF64(163), getF64(171)}
	if !c.cs.Matches(scale, offset) {
		return nil, ErrScaleMismatch
	}

	// Skip VLRs or any other bytes between header and point data.
	if skip := int64(dataOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("%w: skipping to point data: %v", ErrMalformed, err)
		}
	}

	buf := pointbuf.New(c.schema)
	positions := make([]int32, 0, 3*count)
	columns := make([][]byte, len(c.schema.Attributes()))
	for a, spec := range c.schema.Attributes() {
		columns[a] = make([]byte, 0, count*spec.Type.Size())
	}

	record := make([]byte, recLen)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return nil, fmt.Errorf("%w: reading record %d of %d: %v", ErrMalformed, i, count, err)
		}
		positions = append(positions,
			int32(binary.LittleEndian.Uint32(record[0:])),
			int32(binary.LittleEndian.Uint32(record[4:])),
			int32(binary.LittleEndian.Uint32(record[8:])),
		)
		off := baseRecordSize
		for a, spec := range c.schema.Attributes() {
			switch a {
			case c.intensityIdx:
				columns[a] = append(columns[a], record[12:14]...)
			case c.classIdx:
				columns[a] = append(columns[a], record[15])
			default:
				w := spec.Type.Size()
				columns[a] = append(columns[a], record[off:off+w]...)
				off += w
			}
		}
	}
	if err := buf.AppendRaw(positions, columns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf, nil
}

// DecodeBytes is Decode over an in-memory blob.
func (c *Codec) DecodeBytes(blob []byte) (*pointbuf.Buffer, error) {
	return c.Decode(bytes.NewReader(blob))
}
