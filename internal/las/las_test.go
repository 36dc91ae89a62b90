package las

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

func testCodec(t *testing.T) (*Codec, *pointbuf.Schema, coords.System) {
	t.Helper()
	schema, err := pointbuf.NewSchema([]pointbuf.AttributeSpec{
		{Name: "Intensity", Type: pointbuf.AttributeType{Kind: pointbuf.KindU16, Components: 1}},
		{Name: "Classification", Type: pointbuf.AttributeType{Kind: pointbuf.KindU8, Components: 1}},
		{Name: "GpsTime", Type: pointbuf.AttributeType{Kind: pointbuf.KindF64, Components: 1}},
	})
	require.NoError(t, err)
	cs, err := coords.NewSystem([3]float64{0.01, 0.01, 0.01}, [3]float64{10, 20, 30})
	require.NoError(t, err)
	return NewCodec(schema, cs), schema, cs
}

func fillBuffer(t *testing.T, schema *pointbuf.Schema, n int) *pointbuf.Buffer {
	t.Helper()
	buf := pointbuf.New(schema)
	for i := 0; i < n; i++ {
		iv, _ := pointbuf.EncodeValue(pointbuf.AttributeType{Kind: pointbuf.KindU16, Components: 1}, []float64{float64(i * 7 % 65536)})
		cv, _ := pointbuf.EncodeValue(pointbuf.AttributeType{Kind: pointbuf.KindU8, Components: 1}, []float64{float64(i % 32)})
		gv, _ := pointbuf.EncodeValue(pointbuf.AttributeType{Kind: pointbuf.KindF64, Components: 1}, []float64{float64(i) * 0.5})
		require.NoError(t, buf.Append(coords.PointLocal{X: int32(i), Y: int32(-i), Z: int32(i * 3)}, iv, cv, gv))
	}
	return buf
}

func TestRecordSize(t *testing.T) {
	c, _, _ := testCodec(t)
	// 20 base + 8 for GpsTime; Intensity and Classification use standard fields.
	require.Equal(t, 28, c.RecordSize())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, schema, _ := testCodec(t)
	buf := fillBuffer(t, schema, 257)

	blob, err := c.EncodeToBytes(buf)
	require.NoError(t, err)

	got, err := c.DecodeBytes(blob)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), got.Len())
	require.Equal(t, buf.Positions(), got.Positions())
	for a := range schema.Attributes() {
		require.Equal(t, buf.RawColumn(a), got.RawColumn(a), "column %d", a)
	}
}

// Encoding the same buffer twice yields identical bytes; this underpins the
// on-disk byte-for-byte stability of node files across restart.
func TestEncodeDeterministic(t *testing.T) {
	c, schema, _ := testCodec(t)
	buf := fillBuffer(t, schema, 64)

	a, err := c.EncodeToBytes(buf)
	require.NoError(t, err)
	b, err := c.EncodeToBytes(buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))
}

func TestEncodeEmpty(t *testing.T) {
	c, schema, _ := testCodec(t)
	blob, err := c.EncodeToBytes(pointbuf.New(schema))
	require.NoError(t, err)

	got, err := c.DecodeBytes(blob)
	require.NoError(t, err)
	require.Equal(t, 0, got.Len())
}

func TestDecodeScaleMismatch(t *testing.T) {
	c, schema, _ := testCodec(t)
	buf := fillBuffer(t, schema, 3)
	blob, err := c.EncodeToBytes(buf)
	require.NoError(t, err)

	otherCS, err := coords.NewSystem([3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	require.NoError(t, err)
	other := NewCodec(schema, otherCS)

	_, err = other.DecodeBytes(blob)
	if !errors.Is(err, ErrScaleMismatch) {
		t.Fatalf("expected ErrScaleMismatch, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c, _, _ := testCodec(t)

	cases := map[string][]byte{
		"empty":         {},
		"bad signature": append([]byte("NOPE"), make([]byte, 300)...),
		"truncated":     append([]byte("LASF"), make([]byte, 50)...),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeBytes(blob)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeTruncatedRecords(t *testing.T) {
	c, schema, _ := testCodec(t)
	buf := fillBuffer(t, schema, 10)
	blob, err := c.EncodeToBytes(buf)
	require.NoError(t, err)

	_, err = c.DecodeBytes(blob[:len(blob)-5])
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for truncated records, got %v", err)
	}
}
