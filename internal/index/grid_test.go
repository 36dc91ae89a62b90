package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

func TestSamplingGridAcceptReject(t *testing.T) {
	h := testHierarchy(t)
	// Root at lod 0: cell width 8, G=2 → 8 cells.
	g := NewSamplingGrid(coords.PointLocal{}, h.GridCellShift(0))

	// First point in a cell wins.
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{0, 0, 0})))
	require.False(t, g.Occupy(g.CellOf(coords.PointLocal{1, 1, 1})), "same 8-wide cell")
	require.False(t, g.Occupy(g.CellOf(coords.PointLocal{7, 7, 7})))

	// Neighbouring cells are free.
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{8, 0, 0})))
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{0, 8, 0})))
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{8, 8, 8})))
	require.Equal(t, 4, g.Len())
}

func TestSamplingGridDeeperLodHalvesCells(t *testing.T) {
	h := testHierarchy(t)
	// A lod-1 node has cell width 4.
	g := NewSamplingGrid(coords.PointLocal{X: 8, Y: 0, Z: 8}, h.GridCellShift(1))

	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{8, 0, 8})))
	require.False(t, g.Occupy(g.CellOf(coords.PointLocal{11, 3, 11})), "same 4-wide cell")
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{12, 0, 8})), "next cell along x")
}

func TestSamplingGridDistinctCellsDistinctIndices(t *testing.T) {
	h := testHierarchy(t)
	g := NewSamplingGrid(coords.PointLocal{}, h.GridCellShift(2)) // cell width 2 at leaf

	seen := map[uint32]coords.PointLocal{}
	for x := int32(0); x < 4; x += 2 {
		for y := int32(0); y < 4; y += 2 {
			for z := int32(0); z < 4; z += 2 {
				p := coords.PointLocal{X: x, Y: y, Z: z}
				cell := g.CellOf(p)
				if prev, dup := seen[cell]; dup {
					t.Fatalf("cell collision between %+v and %+v", prev, p)
				}
				seen[cell] = p
			}
		}
	}
}

func TestRebuildSamplingGrid(t *testing.T) {
	h := testHierarchy(t)
	schema, err := pointbuf.NewSchema(nil)
	require.NoError(t, err)
	buf := pointbuf.New(schema)
	require.NoError(t, buf.Append(coords.PointLocal{0, 0, 0}))
	require.NoError(t, buf.Append(coords.PointLocal{8, 0, 0}))

	g := RebuildSamplingGrid(coords.PointLocal{}, h.GridCellShift(0), buf)
	require.Equal(t, 2, g.Len())
	require.False(t, g.Occupy(g.CellOf(coords.PointLocal{1, 1, 1})), "cell occupied by reloaded point")
	require.True(t, g.Occupy(g.CellOf(coords.PointLocal{0, 8, 0})))
}
