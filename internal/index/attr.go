package index

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// AttrIndexConfig configures the acceleration structures kept for one
// indexed attribute. The range summary (min/max per component) is always
// maintained; histogram and space-filling-curve bitmap are opt-in.
type AttrIndexConfig struct {
	// Name of the schema attribute.
	Name string
	// Bins enables an equal-width histogram with this many bins over
	// Range. Zero disables the histogram.
	Bins int
	// Range is the histogram domain. Values outside it are clamped into
	// the edge bins so pruning stays sound.
	Range [2]float64
	// SFC enables a Morton-curve presence bitmap, intended for vector
	// attributes such as RGB.
	SFC bool
	// SFCBins is the bitmap size in bits. Defaults to 256 when SFC is set.
	SFCBins int
}

const defaultSFCBins = 256

// sfcBoxLimit bounds how many quantised cells of a query box the bitmap
// test will enumerate before giving up on pruning.
const sfcBoxLimit = 4096

// sfcComponentBits is the per-component quantisation width for the Morton
// hash.
const sfcComponentBits = 8

// AttrSummary is the per-node acceleration data of one indexed attribute,
// covering the node's accepted and bogus points. Pending inbox points are
// not summarised.
type AttrSummary struct {
	Count int
	Min   []float64 // per component
	Max   []float64
	Bins  []uint32
	SFC   []uint64 // presence bitmap, 64 bits per word
}

// SummarySnapshot is the serialised form of one attribute summary, stored
// in node file sidecars and in the metadata snapshot.
type SummarySnapshot struct {
	Name  string
	Count int
	Min   []float64
	Max   []float64
	Bins  []uint32
	SFC   []uint64
}

// Summaries maintains the attribute summaries of one node.
type Summaries struct {
	schema  *pointbuf.Schema
	configs []AttrIndexConfig
	cols    []int
	entries []*AttrSummary
}

// NewSummaries builds empty summaries for the configured attributes.
// Configured names missing from the schema are an error; an SFC bitmap on a
// scalar attribute is allowed but rarely useful.
func NewSummaries(schema *pointbuf.Schema, configs []AttrIndexConfig) (*Summaries, error) {
	s := &Summaries{schema: schema, configs: append([]AttrIndexConfig(nil), configs...)}
	for i := range s.configs {
		cfg := &s.configs[i]
		col := schema.Index(cfg.Name)
		if col < 0 {
			return nil, fmt.Errorf("attribute index config references unknown attribute %q", cfg.Name)
		}
		if cfg.Bins < 0 {
			return nil, fmt.Errorf("attribute %q: negative histogram bin count", cfg.Name)
		}
		if cfg.Bins > 0 && !(cfg.Range[1] > cfg.Range[0]) {
			return nil, fmt.Errorf("attribute %q: histogram needs a non-empty range", cfg.Name)
		}
		if cfg.SFC && cfg.SFCBins == 0 {
			cfg.SFCBins = defaultSFCBins
		}
		if cfg.SFC && !(cfg.Range[1] > cfg.Range[0]) {
			return nil, fmt.Errorf("attribute %q: sfc bitmap needs a non-empty range", cfg.Name)
		}
		comps := schema.Attributes()[col].Type.Components
		entry := &AttrSummary{
			Min: make([]float64, comps),
			Max: make([]float64, comps),
		}
		for c := 0; c < comps; c++ {
			entry.Min[c] = math.Inf(1)
			entry.Max[c] = math.Inf(-1)
		}
		if cfg.Bins > 0 {
			entry.Bins = make([]uint32, cfg.Bins)
		}
		if cfg.SFC {
			entry.SFC = make([]uint64, (cfg.SFCBins+63)/64)
		}
		s.cols = append(s.cols, col)
		s.entries = append(s.entries, entry)
	}
	return s, nil
}

// AddPoint folds point i of buf into every summary.
func (s *Summaries) AddPoint(buf *pointbuf.Buffer, i int) {
	for e, cfg := range s.configs {
		entry := s.entries[e]
		col := s.cols[e]
		comps := len(entry.Min)
		entry.Count++
		var vals [4]float64
		for c := 0; c < comps; c++ {
			v := buf.Float64Component(col, i, c)
			vals[c] = v
			if v < entry.Min[c] {
				entry.Min[c] = v
			}
			if v > entry.Max[c] {
				entry.Max[c] = v
			}
		}
		if len(entry.Bins) > 0 {
			entry.Bins[s.binOf(&cfg, len(entry.Bins), vals[0])]++
		}
		if len(entry.SFC) > 0 {
			bit := s.sfcBin(&cfg, vals[:comps])
			entry.SFC[bit/64] |= 1 << (bit % 64)
		}
	}
}

// AddAll folds every point of buf into the summaries.
func (s *Summaries) AddAll(buf *pointbuf.Buffer) {
	for i := 0; i < buf.Len(); i++ {
		s.AddPoint(buf, i)
	}
}

// binOf maps a value into a histogram bin, clamping out-of-domain values
// into the edge bins.
func (s *Summaries) binOf(cfg *AttrIndexConfig, bins int, v float64) int {
	frac := (v - cfg.Range[0]) / (cfg.Range[1] - cfg.Range[0])
	b := int(frac * float64(bins))
	if b < 0 {
		return 0
	}
	if b >= bins {
		return bins - 1
	}
	return b
}

// sfcQuantise maps one component into [0, 2^sfcComponentBits).
func sfcQuantise(cfg *AttrIndexConfig, v float64) uint32 {
	frac := (v - cfg.Range[0]) / (cfg.Range[1] - cfg.Range[0])
	q := int(frac * float64(int(1)<<sfcComponentBits))
	if q < 0 {
		q = 0
	}
	if q >= 1<<sfcComponentBits {
		q = 1<<sfcComponentBits - 1
	}
	return uint32(q)
}

// sfcBin hashes a value along the Morton curve into a bitmap bin.
func (s *Summaries) sfcBin(cfg *AttrIndexConfig, vals []float64) int {
	var qs [4]uint32
	for c, v := range vals {
		qs[c] = sfcQuantise(cfg, v)
	}
	code := mortonCode(qs[:len(vals)], sfcComponentBits)
	return int(code % uint64(cfg.SFCBins))
}

// mortonCode interleaves the bits of up to four components, component 0
// contributing the least significant bit of each group.
func mortonCode(comps []uint32, bits uint) uint64 {
	var code uint64
	n := uint(len(comps))
	for b := uint(0); b < bits; b++ {
		for c := uint(0); c < n; c++ {
			if comps[c]&(1<<b) != 0 {
				code |= 1 << (b*n + c)
			}
		}
	}
	return code
}

// Merge folds other into s. Both must have been built from the same config.
func (s *Summaries) Merge(other *Summaries) {
	for e := range s.entries {
		a, b := s.entries[e], other.entries[e]
		a.Count += b.Count
		for c := range a.Min {
			if b.Min[c] < a.Min[c] {
				a.Min[c] = b.Min[c]
			}
			if b.Max[c] > a.Max[c] {
				a.Max[c] = b.Max[c]
			}
		}
		for i := range a.Bins {
			a.Bins[i] += b.Bins[i]
		}
		for i := range a.SFC {
			a.SFC[i] |= b.SFC[i]
		}
	}
}

// Clone returns a deep copy.
func (s *Summaries) Clone() *Summaries {
	out := &Summaries{schema: s.schema, configs: s.configs, cols: s.cols}
	for _, e := range s.entries {
		out.entries = append(out.entries, &AttrSummary{
			Count: e.Count,
			Min:   append([]float64(nil), e.Min...),
			Max:   append([]float64(nil), e.Max...),
			Bins:  append([]uint32(nil), e.Bins...),
			SFC:   append([]uint64(nil), e.SFC...),
		})
	}
	return out
}

// entry returns the summary and config of the named attribute.
func (s *Summaries) entry(name string) (*AttrSummary, *AttrIndexConfig) {
	for e := range s.configs {
		if s.configs[e].Name == name {
			return s.entries[e], &s.configs[e]
		}
	}
	return nil, nil
}

// Range returns the per-component min/max of the named attribute, or
// ok=false when the attribute is not indexed or no point has been recorded.
func (s *Summaries) Range(name string) (min, max []float64, ok bool) {
	e, _ := s.entry(name)
	if e == nil || e.Count == 0 {
		return nil, nil, false
	}
	return e.Min, e.Max, true
}

// HistogramExcludes reports whether the histogram proves that no recorded
// value of the named scalar attribute lies in [lo, hi]. False when the
// attribute has no histogram, so callers can always consult it.
func (s *Summaries) HistogramExcludes(name string, lo, hi float64) bool {
	e, cfg := s.entry(name)
	if e == nil || len(e.Bins) == 0 || e.Count == 0 || hi < lo {
		return false
	}
	bLo := s.binOf(cfg, len(e.Bins), lo)
	bHi := s.binOf(cfg, len(e.Bins), hi)
	// Out-of-domain query bounds share edge bins with clamped values, so
	// the clamp keeps this sound in both directions.
	for b := bLo; b <= bHi; b++ {
		if e.Bins[b] != 0 {
			return false
		}
	}
	return true
}

// SFCExcludes reports whether the bitmap proves that no recorded value of
// the named vector attribute lies in the per-component box [lo, hi]. The
// test enumerates the quantised cells of the box; boxes larger than
// sfcBoxLimit cells are not enumerated and never pruned.
func (s *Summaries) SFCExcludes(name string, lo, hi []float64) bool {
	e, cfg := s.entry(name)
	if e == nil || len(e.SFC) == 0 || e.Count == 0 {
		return false
	}
	comps := len(e.Min)
	if len(lo) != comps || len(hi) != comps {
		return false
	}
	var qLo, qHi [4]uint32
	cells := uint64(1)
	for c := 0; c < comps; c++ {
		if hi[c] < lo[c] {
			return true
		}
		qLo[c] = sfcQuantise(cfg, lo[c])
		qHi[c] = sfcQuantise(cfg, hi[c])
		cells *= uint64(qHi[c]-qLo[c]) + 1
		if cells > sfcBoxLimit {
			return false
		}
	}
	// Walk the quantised box; any present bit means the node may match.
	var cur [4]uint32
	copy(cur[:], qLo[:])
	for {
		code := mortonCode(cur[:comps], sfcComponentBits)
		bit := int(code % uint64(cfg.SFCBins))
		if e.SFC[bit/64]&(1<<(bit%64)) != 0 {
			return false
		}
		c := 0
		for ; c < comps; c++ {
			if cur[c] < qHi[c] {
				cur[c]++
				break
			}
			cur[c] = qLo[c]
		}
		if c == comps {
			return true
		}
	}
}

// Snapshot returns the serialisable form, in config order.
func (s *Summaries) Snapshot() []SummarySnapshot {
	out := make([]SummarySnapshot, 0, len(s.entries))
	for e, cfg := range s.configs {
		entry := s.entries[e]
		out = append(out, SummarySnapshot{
			Name:  cfg.Name,
			Count: entry.Count,
			Min:   append([]float64(nil), entry.Min...),
			Max:   append([]float64(nil), entry.Max...),
			Bins:  append([]uint32(nil), entry.Bins...),
			SFC:   append([]uint64(nil), entry.SFC...),
		})
	}
	return out
}

// Restore replaces the summaries with a snapshot previously produced by
// Snapshot under the same configuration.
func (s *Summaries) Restore(snaps []SummarySnapshot) error {
	if len(snaps) != len(s.entries) {
		return fmt.Errorf("summary snapshot has %d entries, config has %d", len(snaps), len(s.entries))
	}
	for i, snap := range snaps {
		if snap.Name != s.configs[i].Name {
			return fmt.Errorf("summary snapshot entry %d is %q, config expects %q", i, snap.Name, s.configs[i].Name)
		}
		e := s.entries[i]
		if len(snap.Min) != len(e.Min) || len(snap.Bins) != len(e.Bins) || len(snap.SFC) != len(e.SFC) {
			return fmt.Errorf("summary snapshot entry %q has mismatched shape", snap.Name)
		}
		e.Count = snap.Count
		copy(e.Min, snap.Min)
		copy(e.Max, snap.Max)
		copy(e.Bins, snap.Bins)
		copy(e.SFC, snap.SFC)
	}
	return nil
}
