// Package query implements the viewer query language: an AST over spatial,
// LOD, attribute and view-frustum predicates, a parser for the textual
// grammar, and a compiler producing per-node decisions plus an optional
// per-point filter. The evaluator itself never touches the octree; the
// index walks its skeleton and consults the compiled query through NodeView
// snapshots, which keeps the node sequence deterministic for a fixed tree.
package query

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// Decision classifies one node against a query.
type Decision int

const (
	// Excluded: no point of the node matches.
	Excluded Decision = iota
	// Partial: some points may match; point-level predicates filter,
	// node-level-only predicates emit the node as-is.
	Partial
	// Included: every point of the node matches.
	Included
)

func (d Decision) String() string {
	switch d {
	case Excluded:
		return "excluded"
	case Partial:
		return "partial"
	case Included:
		return "included"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Result is the outcome of evaluating a query against one node view.
// Descend reports whether the subtree below the node can still contribute;
// the index stops walking when it is false. When the view carries subtree
// summaries, Descend is sound for attribute pruning too.
type Result struct {
	Decision Decision
	Descend  bool
}

// AttrSource supplies per-node attribute acceleration data. Implemented by
// the index's summaries; a missing attribute reports ok=false and the
// evaluator falls back to Partial.
type AttrSource interface {
	// Range returns the per-component min/max of the named attribute.
	Range(name string) (min, max []float64, ok bool)
	// HistogramExcludes proves no recorded scalar value lies in [lo, hi].
	HistogramExcludes(name string, lo, hi float64) bool
	// SFCExcludes proves no recorded vector value lies in the box.
	SFCExcludes(name string, lo, hi []float64) bool
}

// NodeView is the snapshot of one node handed to the evaluator.
type NodeView struct {
	Lod uint8
	// Min/Max bound the node's region in global coordinates.
	Min, Max [3]float64
	// PointSpacing is the sampling cell width at this lod in global units:
	// the guaranteed minimum spacing of the node's accepted points.
	PointSpacing float64
	// Attrs provides the attribute summaries backing the view: the node's
	// own summaries for emission decisions, the subtree summaries for
	// descent decisions.
	Attrs AttrSource
}

// Env binds a query to one point cloud.
type Env struct {
	Schema *pointbuf.Schema
	Coords coords.System
}

// Query is the AST interface.
type Query interface {
	fmt.Stringer
	validate(env *Env) error
	evalNode(env *Env, v NodeView) Result
	// pointLevel reports whether the predicate can distinguish points
	// within a node. Node-level-only predicates pass every point of a
	// partial node.
	pointLevel() bool
	filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool
}

// Compiled is a validated query bound to an environment.
type Compiled struct {
	root Query
	env  Env
}

// Compile validates q against the environment: attribute names must exist
// in the schema with compatible shapes, and frustum matrices must be a
// consistent inverse pair.
func Compile(q Query, env Env) (*Compiled, error) {
	if err := q.validate(&env); err != nil {
		return nil, err
	}
	return &Compiled{root: q, env: env}, nil
}

// EvalNode classifies one node.
func (c *Compiled) EvalNode(v NodeView) Result { return c.root.evalNode(&c.env, v) }

// NeedsPointFilter reports whether partial nodes require per-point
// filtering.
func (c *Compiled) NeedsPointFilter() bool { return c.root.pointLevel() }

// FilterPoint reports whether point i of buf matches the query's
// point-level predicates.
func (c *Compiled) FilterPoint(buf *pointbuf.Buffer, i int) bool {
	return c.root.filterPoint(&c.env, buf, i)
}

// String returns the canonical textual form.
func (c *Compiled) String() string { return c.root.String() }

//
// Trivial queries
//

// Empty matches nothing.
type Empty struct{}

func (Empty) String() string                { return "empty" }
func (Empty) validate(*Env) error           { return nil }
func (Empty) evalNode(*Env, NodeView) Result { return Result{Decision: Excluded, Descend: false} }
func (Empty) pointLevel() bool              { return false }
func (Empty) filterPoint(*Env, *pointbuf.Buffer, int) bool { return false }

// Full matches everything.
type Full struct{}

func (Full) String() string                { return "full" }
func (Full) validate(*Env) error           { return nil }
func (Full) evalNode(*Env, NodeView) Result { return Result{Decision: Included, Descend: true} }
func (Full) pointLevel() bool              { return false }
func (Full) filterPoint(*Env, *pointbuf.Buffer, int) bool { return true }

//
// LOD
//

// Lod matches nodes whose level of detail is at most Max.
type Lod struct {
	Max uint8
}

func (q Lod) String() string      { return fmt.Sprintf("lod(%d)", q.Max) }
func (q Lod) validate(*Env) error { return nil }

func (q Lod) evalNode(_ *Env, v NodeView) Result {
	if v.Lod > q.Max {
		return Result{Decision: Excluded, Descend: false}
	}
	return Result{Decision: Included, Descend: v.Lod < q.Max}
}

func (Lod) pointLevel() bool                              { return false }
func (Lod) filterPoint(*Env, *pointbuf.Buffer, int) bool { return true }

//
// AABB
//

// Aabb matches points inside a global-coordinate box, closed on both ends.
type Aabb struct {
	Min, Max [3]float64
}

func (q Aabb) String() string {
	return fmt.Sprintf("aabb([%v,%v,%v],[%v,%v,%v])", q.Min[0], q.Min[1], q.Min[2], q.Max[0], q.Max[1], q.Max[2])
}

func (q Aabb) validate(*Env) error {
	for i := 0; i < 3; i++ {
		if q.Max[i] < q.Min[i] {
			return fmt.Errorf("aabb axis %d has max %v below min %v", i, q.Max[i], q.Min[i])
		}
	}
	return nil
}

func (q Aabb) evalNode(_ *Env, v NodeView) Result {
	for i := 0; i < 3; i++ {
		if v.Min[i] > q.Max[i] || v.Max[i] < q.Min[i] {
			return Result{Decision: Excluded, Descend: false}
		}
	}
	inside := true
	for i := 0; i < 3; i++ {
		if v.Min[i] < q.Min[i] || v.Max[i] > q.Max[i] {
			inside = false
			break
		}
	}
	if inside {
		return Result{Decision: Included, Descend: true}
	}
	return Result{Decision: Partial, Descend: true}
}

func (Aabb) pointLevel() bool { return true }

func (q Aabb) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	g := env.Coords.Dequantise(buf.PositionAt(i))
	return g.X >= q.Min[0] && g.X <= q.Max[0] &&
		g.Y >= q.Min[1] && g.Y <= q.Max[1] &&
		g.Z >= q.Min[2] && g.Z <= q.Max[2]
}

//
// Boolean combinators
//

// Not inverts a query. Include and exclude flip; partial stays partial.
// Descent is never pruned under a negation: a subtree wholly excluded by
// the inner query is wholly included by the negation.
type Not struct {
	X Query
}

func (q Not) String() string          { return "!" + parenthesise(q.X) }
func (q Not) validate(env *Env) error { return q.X.validate(env) }

func (q Not) evalNode(env *Env, v NodeView) Result {
	inner := q.X.evalNode(env, v)
	out := Result{Descend: true}
	switch inner.Decision {
	case Included:
		out.Decision = Excluded
	case Excluded:
		out.Decision = Included
	default:
		out.Decision = Partial
	}
	return out
}

func (q Not) pointLevel() bool { return q.X.pointLevel() }

func (q Not) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	if !q.X.pointLevel() {
		return true
	}
	return !q.X.filterPoint(env, buf, i)
}

// And matches points matching every term.
type And struct {
	Terms []Query
}

func (q And) String() string { return joinTerms(q.Terms, " and ") }

func (q And) validate(env *Env) error {
	for _, t := range q.Terms {
		if err := t.validate(env); err != nil {
			return err
		}
	}
	return nil
}

func (q And) evalNode(env *Env, v NodeView) Result {
	out := Result{Decision: Included, Descend: true}
	for _, t := range q.Terms {
		r := t.evalNode(env, v)
		if r.Decision == Excluded {
			return Result{Decision: Excluded, Descend: false}
		}
		if r.Decision == Partial {
			out.Decision = Partial
		}
		out.Descend = out.Descend && r.Descend
	}
	return out
}

func (q And) pointLevel() bool {
	for _, t := range q.Terms {
		if t.pointLevel() {
			return true
		}
	}
	return false
}

func (q And) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	for _, t := range q.Terms {
		if t.pointLevel() && !t.filterPoint(env, buf, i) {
			return false
		}
	}
	return true
}

// Or matches points matching any term.
type Or struct {
	Terms []Query
}

func (q Or) String() string { return joinTerms(q.Terms, " or ") }

func (q Or) validate(env *Env) error {
	for _, t := range q.Terms {
		if err := t.validate(env); err != nil {
			return err
		}
	}
	return nil
}

func (q Or) evalNode(env *Env, v NodeView) Result {
	out := Result{Decision: Excluded, Descend: false}
	for _, t := range q.Terms {
		r := t.evalNode(env, v)
		if r.Decision == Included {
			out.Decision = Included
		} else if r.Decision == Partial && out.Decision != Included {
			out.Decision = Partial
		}
		out.Descend = out.Descend || r.Descend
	}
	return out
}

func (q Or) pointLevel() bool {
	for _, t := range q.Terms {
		if t.pointLevel() {
			return true
		}
	}
	return false
}

func (q Or) filterPoint(env *Env, buf *pointbuf.Buffer, i int) bool {
	// A node-level-only alternative cannot be decided per point; such a
	// partial term lets every point through.
	for _, t := range q.Terms {
		if !t.pointLevel() {
			return true
		}
	}
	for _, t := range q.Terms {
		if t.filterPoint(env, buf, i) {
			return true
		}
	}
	return false
}

func joinTerms(terms []Query, sep string) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += sep
		}
		out += parenthesise(t)
	}
	return out
}

func parenthesise(q Query) string {
	switch q.(type) {
	case And, Or:
		return "(" + q.String() + ")"
	}
	return q.String()
}

// nearlyEqual compares with a tolerance scaled to the magnitudes involved.
func nearlyEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
