package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCamera() CameraParams {
	return CameraParams{
		Eye:         [3]float64{0, 0, 50},
		Target:      [3]float64{0, 0, 0},
		Up:          [3]float64{0, 1, 0},
		FovYDeg:     60,
		Near:        0.1,
		Far:         1000,
		WindowWidth: 1920,
		MinDistance: 4,
	}
}

// Both matrices are contractual: the build validates M·M⁻¹ = I to 1e-6.
func TestBuildViewFrustumInverseConsistency(t *testing.T) {
	vf, err := BuildViewFrustum(testCamera())
	require.NoError(t, err)
	require.NoError(t, vf.validate(nil))
}

func TestBuildViewFrustumRejectsBadCameras(t *testing.T) {
	bad := testCamera()
	bad.FovYDeg = 0
	if _, err := BuildViewFrustum(bad); err == nil {
		t.Fatal("zero fov accepted")
	}

	bad = testCamera()
	bad.Near = 10
	bad.Far = 1
	if _, err := BuildViewFrustum(bad); err == nil {
		t.Fatal("far below near accepted")
	}

	bad = testCamera()
	bad.Up = [3]float64{0, 0, -1} // parallel to the view direction
	if _, err := BuildViewFrustum(bad); err == nil {
		t.Fatal("degenerate up vector accepted")
	}
}

func TestViewFrustumValidateRejectsMismatchedInverse(t *testing.T) {
	vf, err := BuildViewFrustum(testCamera())
	require.NoError(t, err)
	vf.ViewProjectionInv[0] += 0.01
	if err := vf.validate(nil); err == nil {
		t.Fatal("perturbed inverse accepted")
	}
}

func TestViewFrustumEvalInFront(t *testing.T) {
	vf, err := BuildViewFrustum(testCamera())
	require.NoError(t, err)

	// A box straight ahead of the camera is visible.
	r := vf.evalNode(nil, view(0, [3]float64{-5, -5, -5}, [3]float64{5, 5, 5}, nil))
	require.NotEqual(t, Excluded, r.Decision)

	// A box behind the camera is excluded.
	r = vf.evalNode(nil, view(0, [3]float64{-5, -5, 100}, [3]float64{5, 5, 110}, nil))
	require.Equal(t, Excluded, r.Decision)
	require.False(t, r.Descend)

	// A box far off to the side is excluded.
	r = vf.evalNode(nil, view(0, [3]float64{5000, -5, -5}, [3]float64{5010, 5, 5}, nil))
	require.Equal(t, Excluded, r.Decision)
}

// A node whose projected point spacing falls below the density bound stops
// descent; the same node close up keeps descending.
func TestViewFrustumDensityBound(t *testing.T) {
	vf, err := BuildViewFrustum(testCamera())
	require.NoError(t, err)

	nearView := view(0, [3]float64{-5, -5, -5}, [3]float64{5, 5, 5}, nil)
	nearView.PointSpacing = 1
	r := vf.evalNode(nil, nearView)
	require.True(t, r.Descend, "coarse spacing on a large footprint needs refinement")

	farCam := testCamera()
	farCam.Eye = [3]float64{0, 0, 5000}
	farVF, err := BuildViewFrustum(farCam)
	require.NoError(t, err)
	farView := view(0, [3]float64{-5, -5, -5}, [3]float64{5, 5, 5}, nil)
	farView.PointSpacing = 0.01
	r = farVF.evalNode(nil, farView)
	require.False(t, r.Descend, "tiny footprint with fine spacing is dense enough")
}
