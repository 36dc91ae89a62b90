package coords

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustSystem(t *testing.T, scale, offset [3]float64) System {
	t.Helper()
	s, err := NewSystem(scale, offset)
	require.NoError(t, err)
	return s
}

func TestQuantiseRounding(t *testing.T) {
	s := mustSystem(t, [3]float64{0.1, 0.1, 0.1}, [3]float64{0, 0, 0})

	tests := []struct {
		global float64
		want   int32
	}{
		{0, 0},
		{0.04, 0},
		{0.05, 1},  // half away from zero
		{-0.05, -1},
		{0.149999, 1},
		{1.0, 10},
		{-1.0, -10},
	}
	for _, tt := range tests {
		got, err := s.Quantise(PointGlobal{X: tt.global})
		require.NoError(t, err)
		if got.X != tt.want {
			t.Fatalf("Quantise(%v) = %d, want %d", tt.global, got.X, tt.want)
		}
	}
}

func TestQuantiseOutOfRange(t *testing.T) {
	s := mustSystem(t, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})

	_, err := s.Quantise(PointGlobal{X: float64(math.MaxInt32) + 1})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	_, err = s.Quantise(PointGlobal{Y: float64(math.MinInt32) - 1})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	_, err = s.Quantise(PointGlobal{Z: math.NaN()})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for NaN, got %v", err)
	}
}

// A value at exactly INT32_MAX*scale+offset must round-trip.
func TestQuantiseSaturationBoundary(t *testing.T) {
	s := mustSystem(t, [3]float64{0.5, 0.5, 0.5}, [3]float64{10, 10, 10})

	edge := float64(math.MaxInt32)*0.5 + 10
	l, err := s.Quantise(PointGlobal{X: edge, Y: 10, Z: 10})
	require.NoError(t, err)
	require.Equal(t, int32(math.MaxInt32), l.X)

	back := s.Dequantise(l)
	l2, err := s.Quantise(back)
	require.NoError(t, err)
	require.Equal(t, l, l2)
}

// Dequantise then Quantise is the identity on the grid; Quantise then
// Dequantise lands within half a scale unit per axis.
func TestRoundTrip(t *testing.T) {
	s := mustSystem(t, [3]float64{0.01, 0.02, 0.01}, [3]float64{100, -50, 3.5})

	locals := []PointLocal{
		{0, 0, 0},
		{1, -1, 1},
		{123456, -654321, 42},
		{math.MaxInt32, math.MinInt32, 0},
	}
	for _, l := range locals {
		g := s.Dequantise(l)
		l2, err := s.Quantise(g)
		require.NoError(t, err)
		require.Equal(t, l, l2, "dequantise->quantise identity")
	}

	globals := []PointGlobal{
		{100.004, -49.99, 3.503},
		{101, -48, 4},
		{99.9999, -50.0001, 3.4999},
	}
	for _, g := range globals {
		l, err := s.Quantise(g)
		require.NoError(t, err)
		back := s.Dequantise(l)
		require.LessOrEqual(t, math.Abs(back.X-g.X), 0.01/2+1e-12)
		require.LessOrEqual(t, math.Abs(back.Y-g.Y), 0.02/2+1e-12)
		require.LessOrEqual(t, math.Abs(back.Z-g.Z), 0.01/2+1e-12)
	}
}

func TestNewSystemValidation(t *testing.T) {
	if _, err := NewSystem([3]float64{0, 1, 1}, [3]float64{}); err == nil {
		t.Fatal("zero scale accepted")
	}
	if _, err := NewSystem([3]float64{1, -1, 1}, [3]float64{}); err == nil {
		t.Fatal("negative scale accepted")
	}
	if _, err := NewSystem([3]float64{1, 1, 1}, [3]float64{math.Inf(1), 0, 0}); err == nil {
		t.Fatal("infinite offset accepted")
	}
}

func TestRegionContains(t *testing.T) {
	r := Region{Min: PointLocal{0, 0, 0}, Size: 16}

	require.True(t, r.Contains(PointLocal{0, 0, 0}))
	require.True(t, r.Contains(PointLocal{15, 15, 15}))
	require.False(t, r.Contains(PointLocal{16, 0, 0}), "region is half-open")
	require.False(t, r.Contains(PointLocal{-1, 0, 0}))

	child := Region{Min: PointLocal{8, 0, 8}, Size: 8}
	require.True(t, r.ContainsRegion(child))
	require.False(t, child.ContainsRegion(r))
}

func TestIntersectRegion(t *testing.T) {
	s := mustSystem(t, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	r := Region{Min: PointLocal{0, 0, 0}, Size: 16}

	tests := []struct {
		name string
		box  AABB
		want Intersection
	}{
		{"covers", AABB{Min: [3]float64{-1, -1, -1}, Max: [3]float64{20, 20, 20}}, Inside},
		{"disjoint", AABB{Min: [3]float64{100, 100, 100}, Max: [3]float64{110, 110, 110}}, Disjoint},
		{"overlap", AABB{Min: [3]float64{8, 8, 8}, Max: [3]float64{20, 20, 20}}, Overlap},
		{"exact", AABB{Min: [3]float64{0, 0, 0}, Max: [3]float64{15, 15, 15}}, Inside},
		{"point", AABB{Min: [3]float64{4, 4, 4}, Max: [3]float64{4, 4, 4}}, Overlap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ToLocalBounds(tt.box).IntersectRegion(r)
			require.Equal(t, tt.want, got)
		})
	}
}
