package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/las"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

func storeFixture(t *testing.T, compress bool) (*Store, *pointbuf.Schema) {
	t.Helper()
	schema := attrTestSchema(t)
	cs, err := coords.NewSystem([3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	require.NoError(t, err)
	store, err := NewStore(t.TempDir(), las.NewCodec(schema, cs), compress)
	require.NoError(t, err)
	return store, schema
}

func storeTestData(t *testing.T, schema *pointbuf.Schema) *NodeData {
	t.Helper()
	points := pointbuf.New(schema)
	bogus := pointbuf.New(schema)
	addAttrPoint(t, points, 2, [3]float64{10, 20, 30})
	addAttrPoint(t, points, 6, [3]float64{40, 50, 60})
	addAttrPoint(t, bogus, 26, [3]float64{70, 80, 90})

	sum, err := NewSummaries(schema, attrTestConfigs())
	require.NoError(t, err)
	sum.AddAll(points)
	sum.AddAll(bogus)
	return &NodeData{Points: points, Bogus: bogus, Summary: sum.Snapshot()}
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			store, schema := storeFixture(t, compress)
			id, err := RootID().Child(3)
			require.NoError(t, err)
			data := storeTestData(t, schema)

			require.NoError(t, store.Write(id, data))
			require.True(t, store.Exists(id))

			got, err := store.Read(id)
			require.NoError(t, err)
			require.Equal(t, 2, got.Points.Len())
			require.Equal(t, 1, got.Bogus.Len())
			require.Equal(t, data.Points.Positions(), got.Points.Positions())
			require.Equal(t, data.Points.RawColumn(0), got.Points.RawColumn(0))
			require.Equal(t, data.Bogus.RawColumn(1), got.Bogus.RawColumn(1))
			require.Equal(t, data.Summary, got.Summary)
		})
	}
}

// Writing the same content twice produces identical files: the base of the
// byte-for-byte stability of node files across restart.
func TestStoreWriteDeterministic(t *testing.T) {
	store, schema := storeFixture(t, true)
	id := RootID()
	data := storeTestData(t, schema)

	require.NoError(t, store.Write(id, data))
	first, err := os.ReadFile(store.fileName(id))
	require.NoError(t, err)

	require.NoError(t, store.Write(id, data))
	second, err := os.ReadFile(store.fileName(id))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStoreReadSidecar(t *testing.T) {
	store, schema := storeFixture(t, false)
	id := RootID()
	data := storeTestData(t, schema)
	require.NoError(t, store.Write(id, data))

	accepted, bogus, summary, err := store.ReadSidecar(id)
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.Equal(t, 1, bogus)
	require.Equal(t, data.Summary, summary)
}

func TestStoreList(t *testing.T) {
	store, schema := storeFixture(t, false)
	data := storeTestData(t, schema)

	c2, _ := RootID().Child(2)
	c5, _ := RootID().Child(5)
	g, _ := c2.Child(1)
	for _, id := range []NodeID{g, c5, RootID(), c2} {
		require.NoError(t, store.Write(id, data))
	}

	ids, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []NodeID{RootID(), c2, c5, g}, ids, "canonical order")
}

// A leftover temp file from an interrupted write is invisible to readers
// and removed by List.
func TestStoreListCleansTempFiles(t *testing.T) {
	store, schema := storeFixture(t, false)
	require.NoError(t, store.Write(RootID(), storeTestData(t, schema)))

	stray := filepath.Join(store.dir, ".tmp-1-00000000000000000000000000.node")
	require.NoError(t, os.WriteFile(stray, []byte("partial"), 0o644))

	ids, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []NodeID{RootID()}, ids)
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatal("temp file survived List")
	}
}

func TestStoreReadCorrupt(t *testing.T) {
	store, schema := storeFixture(t, false)
	id := RootID()
	require.NoError(t, store.Write(id, storeTestData(t, schema)))

	// Truncate mid-file: the read must fail, never return partial data.
	raw, err := os.ReadFile(store.fileName(id))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.fileName(id), raw[:len(raw)/2], 0o644))

	if _, err := store.Read(id); err == nil {
		t.Fatal("truncated node file read successfully")
	}
}

func TestStoreReadMissing(t *testing.T) {
	store, _ := storeFixture(t, false)
	if _, err := store.Read(RootID()); err == nil {
		t.Fatal("missing node read successfully")
	}
}
