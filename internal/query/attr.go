package query

import (
	"fmt"
	"strings"

	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// CmpOp is a comparison operator of the attr() predicate.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CmpOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return fmt.Sprintf("CmpOp(%d)", int(op))
}

// Attr compares a named attribute against a constant. Ordering operators
// require a scalar attribute; equality accepts vectors and compares all
// components.
type Attr struct {
	Name  string
	Op    CmpOp
	Value []float64
}

func (q Attr) String() string {
	return fmt.Sprintf("attr(%s %s %s)", q.Name, q.Op, formatValue(q.Value))
}

func (q Attr) validate(env *Env) error {
	comps, err := attrComponents(env, q.Name)
	if err != nil {
		return err
	}
	if len(q.Value) != comps {
		return fmt.Errorf("attr %q has %d components, comparison value has %d", q.Name, comps, len(q.Value))
	}
	if comps != 1 && q.Op != OpEq && q.Op != OpNe {
		return fmt.Errorf("attr %q is a vector: operator %s needs a scalar", q.Name, q.Op)
	}
	return nil
}

func attrComponents(env *Env, name string) (int, error) {
	col := env.Schema.Index(name)
	if col < 0 {
		return 0, fmt.Errorf("unknown attribute %q", name)
	}
	return env.Schema.Attributes()[col].Type.Components, nil
}

func (q Attr) evalNode(_ *Env, v NodeView) Result {
	min, max, ok := v.Attrs.Range(q.Name)
	if !ok {
		// Not indexed (or empty): no pruning, filter per point.
		return Result{Decision: Partial, Descend: true}
	}
	d := q.decide(v, min, max)
	return Result{Decision: d, Descend: d != Excluded}
}

func (q Attr) decide(v NodeView, min, max []float64) Decision {
	switch q.Op {
	case OpEq:
		for c, val := range q.Value {
			if val < min[c] || val > max[c] {
				return Excluded
			}
		}
		if len(q.Value) == 1 && v.Attrs.HistogramExcludes(q.Name, q.Value[0], q.Value[0]) {
			return Excluded
		}
		if len(q.Value) > 1 && v.Attrs.SFCExcludes(q.Name, q.Value, q.Value) {
			return Excluded
		}
		all := true
		for c, val := range q.Value {
			if min[c] != val || max[c] != val {
				all = false
				break
			}
		}
		if all {
			return Included
		}
		return Partial
	case OpNe:
		all := true
		for c, val := range q.Value {
			if min[c] != val || max[c] != val {
				all = false
				break
			}
		}
		if all {
			return Excluded
		}
		outside := false
		for c, val := range q.Value {
			if val < min[c] || val > max[c] {
				outside = true
				break
			}
		}
		if outside {
			return Included
		}
		if len(q.Value) == 1 && v.Attrs.HistogramExcludes(q.Name, q.Value[0], q.Value[0]) {
			return Included
		}
		return Partial
	case OpLt:
		if max[0] < q.Value[0] {
			return Included
		}
		if min[0] >= q.Value[0] {
			return Excluded
		}
	case OpLe:
		if max[0] <= q.Value[0] {
			return Included
		}
		if min[0] > q.Value[0] {
			return Excluded
		}
	case OpGt:
		if min[0] > q.Value[0] {
			return Included
		}
		if max[0] <= q.Value[0] {
			return Excluded
		}
	case OpGe:
		if min[0] >= q.Value[0] {
			return Included
		}
		if max[0] < q.Value[0] {
			return Excluded
		}
	}
	return Partial
}

func (Attr) pointLevel() bool { return true }

func (q Attr) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	col := env.Schema.Index(q.Name)
	switch q.Op {
	case OpEq:
		for c, val := range q.Value {
			if buf.Float64Component(col, i, c) != val {
				return false
			}
		}
		return true
	case OpNe:
		for c, val := range q.Value {
			if buf.Float64Component(col, i, c) != val {
				return true
			}
		}
		return false
	}
	v := buf.Float64Component(col, i, 0)
	switch q.Op {
	case OpLt:
		return v < q.Value[0]
	case OpLe:
		return v <= q.Value[0]
	case OpGt:
		return v > q.Value[0]
	case OpGe:
		return v >= q.Value[0]
	}
	return false
}

// AttrRange is the between form of the attr predicate:
// lo < name < hi with either bound optionally inclusive. Vector attributes
// apply the bounds per component.
type AttrRange struct {
	Name     string
	Lo, Hi   []float64
	LoIncl   bool
	HiIncl   bool
}

func (q AttrRange) String() string {
	loOp, hiOp := "<", "<"
	if q.LoIncl {
		loOp = "<="
	}
	if q.HiIncl {
		hiOp = "<="
	}
	return fmt.Sprintf("attr(%s %s %s %s %s)", formatValue(q.Lo), loOp, q.Name, hiOp, formatValue(q.Hi))
}

func (q AttrRange) validate(env *Env) error {
	comps, err := attrComponents(env, q.Name)
	if err != nil {
		return err
	}
	if len(q.Lo) != comps || len(q.Hi) != comps {
		return fmt.Errorf("attr %q has %d components, range bounds have %d and %d", q.Name, comps, len(q.Lo), len(q.Hi))
	}
	for c := range q.Lo {
		if q.Hi[c] < q.Lo[c] {
			return fmt.Errorf("attr %q range component %d is empty: %v..%v", q.Name, c, q.Lo[c], q.Hi[c])
		}
	}
	return nil
}

func (q AttrRange) evalNode(_ *Env, v NodeView) Result {
	min, max, ok := v.Attrs.Range(q.Name)
	if !ok {
		return Result{Decision: Partial, Descend: true}
	}
	// Disjoint on any component excludes the node.
	for c := range q.Lo {
		if max[c] < q.Lo[c] || (max[c] == q.Lo[c] && !q.LoIncl) {
			return Result{Decision: Excluded, Descend: false}
		}
		if min[c] > q.Hi[c] || (min[c] == q.Hi[c] && !q.HiIncl) {
			return Result{Decision: Excluded, Descend: false}
		}
	}
	// The histogram and bitmap can prove emptiness of the closed hull.
	if len(q.Lo) == 1 && v.Attrs.HistogramExcludes(q.Name, q.Lo[0], q.Hi[0]) {
		return Result{Decision: Excluded, Descend: false}
	}
	if len(q.Lo) > 1 && v.Attrs.SFCExcludes(q.Name, q.Lo, q.Hi) {
		return Result{Decision: Excluded, Descend: false}
	}
	inside := true
	for c := range q.Lo {
		if min[c] < q.Lo[c] || (min[c] == q.Lo[c] && !q.LoIncl) ||
			max[c] > q.Hi[c] || (max[c] == q.Hi[c] && !q.HiIncl) {
			inside = false
			break
		}
	}
	if inside {
		return Result{Decision: Included, Descend: true}
	}
	return Result{Decision: Partial, Descend: true}
}

func (AttrRange) pointLevel() bool { return true }

func (q AttrRange) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	col := env.Schema.Index(q.Name)
	for c := range q.Lo {
		v := buf.Float64Component(col, i, c)
		if v < q.Lo[c] || (v == q.Lo[c] && !q.LoIncl) {
			return false
		}
		if v > q.Hi[c] || (v == q.Hi[c] && !q.HiIncl) {
			return false
		}
	}
	return true
}

func formatValue(v []float64) string {
	if len(v) == 1 {
		return fmt.Sprintf("%v", v[0])
	}
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = fmt.Sprintf("%v", c)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
