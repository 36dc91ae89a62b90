// Package settings reads and writes the per-point-cloud settings.json:
// point schema, coordinate system, hierarchy shifts, scheduler and cache
// tuning, and the attribute index configuration. The file is written once
// at init; every later open validates it and derives the index
// configuration from it.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/index"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// FileName is the settings file inside a point cloud directory.
const FileName = "settings.json"

// Attribute declares one schema attribute.
type Attribute struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Components int    `json:"components"`
}

// AttrIndex configures the acceleration structures of one attribute.
type AttrIndex struct {
	Name          string     `json:"name"`
	HistogramBins int        `json:"histogram_bins,omitempty"`
	Range         [2]float64 `json:"range,omitempty"`
	SFC           bool       `json:"sfc,omitempty"`
	SFCBins       int        `json:"sfc_bins,omitempty"`
}

// Settings is the persisted configuration of one point cloud.
type Settings struct {
	Schema           []Attribute   `json:"schema"`
	CoordinateSystem coords.System `json:"coordinate_system"`

	// Hierarchy shifts; see index.Hierarchy.
	MaxLod        uint8      `json:"max_lod"`
	NodeSizeShift uint8      `json:"node_size_shift"`
	GridSizeShift uint8      `json:"grid_size_shift"`
	RootOrigin    *[3]int32  `json:"root_origin,omitempty"`

	PriorityFunction    string `json:"priority_function"`
	CacheSize           int    `json:"cache_size"`
	TargetPointPressure int    `json:"target_point_pressure"`

	// Bogus caps: either one uniform cap, or independent inner and leaf
	// caps. When both forms are present the specific ones win.
	BogusPointCap *int `json:"bogus_point_cap,omitempty"`
	BogusInnerCap *int `json:"bogus_inner_cap,omitempty"`
	BogusLeafCap  *int `json:"bogus_leaf_cap,omitempty"`

	AttributeIndexes []AttrIndex `json:"attribute_indexes,omitempty"`
	Compression      bool        `json:"compression"`
}

// Default returns the settings written by a plain init: a metre-scale
// centimetre-resolution grid with intensity and classification attributes.
func Default() *Settings {
	inner, leaf := 2048, 4096
	return &Settings{
		Schema: []Attribute{
			{Name: "Intensity", Kind: "u16", Components: 1},
			{Name: "Classification", Kind: "u8", Components: 1},
		},
		CoordinateSystem: coords.System{
			Scale:  [3]float64{0.01, 0.01, 0.01},
			Offset: [3]float64{0, 0, 0},
		},
		MaxLod:              10,
		NodeSizeShift:       14,
		GridSizeShift:       7,
		PriorityFunction:    string(index.DefaultPriorityFunction),
		CacheSize:           512,
		TargetPointPressure: 1 << 20,
		BogusInnerCap:       &inner,
		BogusLeafCap:        &leaf,
		AttributeIndexes: []AttrIndex{
			{Name: "Classification", HistogramBins: 32, Range: [2]float64{0, 32}},
		},
	}
}

// Load reads and validates the settings of a point cloud directory.
func Load(dir string) (*Settings, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the settings file. Refuses to overwrite an existing one when
// overwrite is false; the schema and grid of an initialised cloud are
// immutable.
func (s *Settings) Save(dir string, overwrite bool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	path := filepath.Join(dir, FileName)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("settings file %s already exists", path)
		}
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating point cloud directory: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Validate checks everything that can be checked without opening the
// index.
func (s *Settings) Validate() error {
	if _, err := s.BuildSchema(); err != nil {
		return err
	}
	if _, err := coords.NewSystem(s.CoordinateSystem.Scale, s.CoordinateSystem.Offset); err != nil {
		return fmt.Errorf("coordinate system: %w", err)
	}
	if _, err := s.Hierarchy(); err != nil {
		return err
	}
	if _, err := index.ParsePriorityFunction(s.PriorityFunction); err != nil {
		return err
	}
	if s.CacheSize < 0 || s.TargetPointPressure < 0 {
		return fmt.Errorf("cache size and target point pressure must not be negative")
	}
	for _, c := range []*int{s.BogusPointCap, s.BogusInnerCap, s.BogusLeafCap} {
		if c != nil && *c < 0 {
			return fmt.Errorf("bogus point caps must not be negative")
		}
	}
	return nil
}

// BuildSchema converts the declared attributes into a point schema.
func (s *Settings) BuildSchema() (*pointbuf.Schema, error) {
	specs := make([]pointbuf.AttributeSpec, 0, len(s.Schema))
	for _, a := range s.Schema {
		kind, err := pointbuf.ParseKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", a.Name, err)
		}
		comps := a.Components
		if comps == 0 {
			comps = 1
		}
		specs = append(specs, pointbuf.AttributeSpec{
			Name: a.Name,
			Type: pointbuf.AttributeType{Kind: kind, Components: comps},
		})
	}
	return pointbuf.NewSchema(specs)
}

// Hierarchy derives the octree shift parameters. A missing root origin
// defaults to the symmetric cube around the grid origin.
func (s *Settings) Hierarchy() (index.Hierarchy, error) {
	origin := coords.PointLocal{}
	if s.RootOrigin != nil {
		origin = coords.PointLocal{X: s.RootOrigin[0], Y: s.RootOrigin[1], Z: s.RootOrigin[2]}
	} else {
		half := int32(1) << (uint(s.MaxLod) + uint(s.NodeSizeShift) - 1)
		origin = coords.PointLocal{X: -half, Y: -half, Z: -half}
	}
	return index.NewHierarchy(s.MaxLod, s.NodeSizeShift, s.GridSizeShift, origin)
}

// BogusCaps resolves the configured cap forms: specific inner/leaf caps
// win, a single uniform cap fills both, nothing means no bogus retention.
func (s *Settings) BogusCaps() (inner, leaf int) {
	if s.BogusPointCap != nil {
		inner, leaf = *s.BogusPointCap, *s.BogusPointCap
	}
	if s.BogusInnerCap != nil {
		inner = *s.BogusInnerCap
	}
	if s.BogusLeafCap != nil {
		leaf = *s.BogusLeafCap
	}
	return inner, leaf
}

// IndexConfig derives the index configuration. workers zero means the
// core count.
func (s *Settings) IndexConfig(workers int) (index.Config, error) {
	schema, err := s.BuildSchema()
	if err != nil {
		return index.Config{}, err
	}
	cs, err := coords.NewSystem(s.CoordinateSystem.Scale, s.CoordinateSystem.Offset)
	if err != nil {
		return index.Config{}, err
	}
	h, err := s.Hierarchy()
	if err != nil {
		return index.Config{}, err
	}
	priority, err := index.ParsePriorityFunction(s.PriorityFunction)
	if err != nil {
		return index.Config{}, err
	}
	attrCfg := make([]index.AttrIndexConfig, 0, len(s.AttributeIndexes))
	for _, a := range s.AttributeIndexes {
		attrCfg = append(attrCfg, index.AttrIndexConfig{
			Name:    a.Name,
			Bins:    a.HistogramBins,
			Range:   a.Range,
			SFC:     a.SFC,
			SFCBins: a.SFCBins,
		})
	}
	inner, leaf := s.BogusCaps()
	return index.Config{
		Schema:              schema,
		Coords:              cs,
		Hierarchy:           h,
		AttrIndex:           attrCfg,
		Priority:            priority,
		CacheSize:           s.CacheSize,
		BogusInnerCap:       inner,
		BogusLeafCap:        leaf,
		TargetPointPressure: s.TargetPointPressure,
		Workers:             workers,
		Compression:         s.Compression,
	}, nil
}
