package query

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// matrixEps is the tolerance for the M·M⁻¹ = I consistency check. Both
// matrices travel on the wire and both are contractual, so a pair that is
// not actually inverse is rejected at compile time.
const matrixEps = 1e-6

// ViewFrustum matches nodes visible from a camera and bounds descent by
// screen-space point density: once a node's point spacing projects below
// MinDistance pixels, finer levels add nothing a viewer can see.
// Matrices are row-major 4x4 with clip-space z in [-1, 1].
type ViewFrustum struct {
	ViewProjection    [16]float64
	ViewProjectionInv [16]float64
	WindowWidth       float64
	MinDistance       float64
}

func (q ViewFrustum) String() string {
	return fmt.Sprintf("view_frustum(window_width:%v, min_distance:%v)", q.WindowWidth, q.MinDistance)
}

func (q ViewFrustum) validate(*Env) error {
	if q.WindowWidth <= 0 {
		return fmt.Errorf("view_frustum: window width %v must be positive", q.WindowWidth)
	}
	if q.MinDistance <= 0 {
		return fmt.Errorf("view_frustum: min distance %v must be positive", q.MinDistance)
	}
	m := mat.NewDense(4, 4, q.ViewProjection[:])
	inv := mat.NewDense(4, 4, q.ViewProjectionInv[:])
	var prod mat.Dense
	prod.Mul(m, inv)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if !nearlyEqual(prod.At(r, c), want, matrixEps) {
				return fmt.Errorf("view_frustum: matrix times inverse is not identity at (%d,%d): %v", r, c, prod.At(r, c))
			}
		}
	}
	return nil
}

// clip is one region corner in clip space.
type clip struct {
	x, y, z, w float64
}

func (q ViewFrustum) project(x, y, z float64) clip {
	m := &q.ViewProjection
	return clip{
		x: m[0]*x + m[1]*y + m[2]*z + m[3],
		y: m[4]*x + m[5]*y + m[6]*z + m[7],
		z: m[8]*x + m[9]*y + m[10]*z + m[11],
		w: m[12]*x + m[13]*y + m[14]*z + m[15],
	}
}

func (q ViewFrustum) evalNode(_ *Env, v NodeView) Result {
	var corners [8]clip
	for i := 0; i < 8; i++ {
		x, y, z := v.Min[0], v.Min[1], v.Min[2]
		if i&1 != 0 {
			x = v.Max[0]
		}
		if i&2 != 0 {
			y = v.Max[1]
		}
		if i&4 != 0 {
			z = v.Max[2]
		}
		corners[i] = q.project(x, y, z)
	}

	// Outside test per clip plane: all corners beyond one plane means the
	// region cannot intersect the frustum. The converse is conservative.
	planes := [6]func(clip) bool{
		func(c clip) bool { return c.x < -c.w },
		func(c clip) bool { return c.x > c.w },
		func(c clip) bool { return c.y < -c.w },
		func(c clip) bool { return c.y > c.w },
		func(c clip) bool { return c.z < -c.w },
		func(c clip) bool { return c.z > c.w },
	}
	for _, outside := range planes {
		all := true
		for _, c := range corners {
			if !outside(c) {
				all = false
				break
			}
		}
		if all {
			return Result{Decision: Excluded, Descend: false}
		}
	}

	inside := true
	for _, c := range corners {
		if c.w <= 0 ||
			c.x < -c.w || c.x > c.w ||
			c.y < -c.w || c.y > c.w ||
			c.z < -c.w || c.z > c.w {
			inside = false
			break
		}
	}
	decision := Partial
	if inside {
		decision = Included
	}

	// Density bound: estimate the node's screen footprint and scale the
	// world point spacing into pixels. A corner behind the camera makes
	// the projection unusable, so keep descending in that case.
	descend := true
	behind := false
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, c := range corners {
		if c.w <= 0 {
			behind = true
			break
		}
		nx, ny := c.x/c.w, c.y/c.w
		minX, maxX = math.Min(minX, nx), math.Max(maxX, nx)
		minY, maxY = math.Min(minY, ny), math.Max(maxY, ny)
	}
	if !behind {
		// NDC spans 2 units across the window.
		footprintPx := math.Hypot((maxX-minX)*q.WindowWidth/2, (maxY-minY)*q.WindowWidth/2)
		worldDiag := math.Sqrt(sq(v.Max[0]-v.Min[0]) + sq(v.Max[1]-v.Min[1]) + sq(v.Max[2]-v.Min[2]))
		if worldDiag > 0 && v.PointSpacing > 0 {
			spacingPx := footprintPx * v.PointSpacing / worldDiag
			descend = spacingPx > q.MinDistance
		}
	}
	return Result{Decision: decision, Descend: descend}
}

func sq(v float64) float64 { return v * v }

func (ViewFrustum) pointLevel() bool { return false }

func (ViewFrustum) filterPoint(*Env, *pointbuf.Buffer, int) bool { return true }

// CameraParams is the textual form of a frustum query: the query language
// carries a camera, and the compiler derives the matrix pair sent on the
// wire.
type CameraParams struct {
	Eye, Target, Up [3]float64
	FovYDeg         float64
	Aspect          float64
	Near, Far       float64
	WindowWidth     float64
	MinDistance     float64
}

// BuildViewFrustum derives the view-projection matrix and its inverse from
// camera parameters. Projection follows the clip-space z ∈ [-1,1]
// convention; the inverse is computed numerically and validated against
// the forward matrix.
func BuildViewFrustum(p CameraParams) (ViewFrustum, error) {
	if p.Aspect <= 0 {
		p.Aspect = 1
	}
	if p.FovYDeg <= 0 || p.FovYDeg >= 180 {
		return ViewFrustum{}, fmt.Errorf("view_frustum: fov %v degrees out of range", p.FovYDeg)
	}
	if p.Near <= 0 || p.Far <= p.Near {
		return ViewFrustum{}, fmt.Errorf("view_frustum: invalid near/far %v/%v", p.Near, p.Far)
	}

	view, err := lookAt(p.Eye, p.Target, p.Up)
	if err != nil {
		return ViewFrustum{}, err
	}
	proj := perspective(p.FovYDeg*math.Pi/180, p.Aspect, p.Near, p.Far)

	var vp mat.Dense
	vp.Mul(proj, view)
	var inv mat.Dense
	if err := inv.Inverse(&vp); err != nil {
		return ViewFrustum{}, fmt.Errorf("view_frustum: view-projection matrix is singular: %w", err)
	}

	out := ViewFrustum{WindowWidth: p.WindowWidth, MinDistance: p.MinDistance}
	copy(out.ViewProjection[:], vp.RawMatrix().Data)
	copy(out.ViewProjectionInv[:], inv.RawMatrix().Data)
	if err := out.validate(nil); err != nil {
		return ViewFrustum{}, err
	}
	return out, nil
}

func lookAt(eye, target, up [3]float64) (*mat.Dense, error) {
	f := normalise(sub(target, eye))
	s := normalise(cross(f, up))
	if math.IsNaN(s[0]) {
		return nil, fmt.Errorf("view_frustum: up vector is parallel to the view direction")
	}
	u := cross(s, f)
	return mat.NewDense(4, 4, []float64{
		s[0], s[1], s[2], -dot(s, eye),
		u[0], u[1], u[2], -dot(u, eye),
		-f[0], -f[1], -f[2], dot(f, eye),
		0, 0, 0, 1,
	}), nil
}

func perspective(fovY, aspect, near, far float64) *mat.Dense {
	t := 1 / math.Tan(fovY/2)
	return mat.NewDense(4, 4, []float64{
		t / aspect, 0, 0, 0,
		0, t, 0, 0,
		0, 0, -(far + near) / (far - near), -2 * far * near / (far - near),
		0, 0, -1, 0,
	})
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalise(v [3]float64) [3]float64 {
	n := math.Sqrt(dot(v, v))
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
