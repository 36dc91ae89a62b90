package settings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/index"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Default()
	s.Compression = true
	require.NoError(t, s.Save(dir, false))

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, s, got)

	// A second save without overwrite refuses: the schema is immutable
	// after init.
	if err := s.Save(dir, false); err == nil {
		t.Fatal("overwrite without the flag succeeded")
	}
	require.NoError(t, s.Save(dir, true))
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("load of a directory with no settings succeeded")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	mutations := map[string]func(*Settings){
		"bad kind":          func(s *Settings) { s.Schema[0].Kind = "u128" },
		"duplicate attr":    func(s *Settings) { s.Schema = append(s.Schema, s.Schema[0]) },
		"zero scale":        func(s *Settings) { s.CoordinateSystem.Scale[0] = 0 },
		"grid shift high":   func(s *Settings) { s.GridSizeShift = s.NodeSizeShift + 1 },
		"root side too big": func(s *Settings) { s.MaxLod = 30; s.NodeSizeShift = 10 },
		"bad priority":      func(s *Settings) { s.PriorityFunction = "Fifo" },
		"negative cache":    func(s *Settings) { s.CacheSize = -1 },
		"negative cap":      func(s *Settings) { n := -1; s.BogusPointCap = &n },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := Default()
			mutate(s)
			if err := s.Validate(); err == nil {
				t.Fatal("invalid settings accepted")
			}
		})
	}
}

// The bogus caps come in two forms: a single uniform cap, or independent
// inner and leaf caps. Specific caps win over the uniform one.
func TestBogusCapResolution(t *testing.T) {
	uniform, inner, leaf := 100, 20, 30

	s := &Settings{}
	gotInner, gotLeaf := s.BogusCaps()
	require.Equal(t, 0, gotInner)
	require.Equal(t, 0, gotLeaf)

	s = &Settings{BogusPointCap: &uniform}
	gotInner, gotLeaf = s.BogusCaps()
	require.Equal(t, 100, gotInner)
	require.Equal(t, 100, gotLeaf)

	s = &Settings{BogusInnerCap: &inner, BogusLeafCap: &leaf}
	gotInner, gotLeaf = s.BogusCaps()
	require.Equal(t, 20, gotInner)
	require.Equal(t, 30, gotLeaf)

	s = &Settings{BogusPointCap: &uniform, BogusLeafCap: &leaf}
	gotInner, gotLeaf = s.BogusCaps()
	require.Equal(t, 100, gotInner, "uniform cap fills the unspecified side")
	require.Equal(t, 30, gotLeaf)
}

func TestIndexConfig(t *testing.T) {
	s := Default()
	cfg, err := s.IndexConfig(4)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, index.DefaultPriorityFunction, cfg.Priority)
	require.Equal(t, s.CacheSize, cfg.CacheSize)
	require.Equal(t, 2048, cfg.BogusInnerCap)
	require.Equal(t, 4096, cfg.BogusLeafCap)
	require.Equal(t, 2, len(cfg.Schema.Attributes()))
	require.Len(t, cfg.AttrIndex, 1)
	require.Equal(t, "Classification", cfg.AttrIndex[0].Name)

	// The default hierarchy centres the root region on the grid origin.
	root := cfg.Hierarchy.RootRegion()
	require.Equal(t, -root.Size/2, int64(root.Min.X))
}

func TestHierarchyExplicitOrigin(t *testing.T) {
	s := Default()
	s.MaxLod = 2
	s.NodeSizeShift = 2
	s.GridSizeShift = 1
	s.RootOrigin = &[3]int32{0, 0, 0}
	h, err := s.Hierarchy()
	require.NoError(t, err)
	require.Equal(t, int64(16), h.RootRegion().Size)
	require.Equal(t, int32(0), h.RootRegion().Min.X)
}
