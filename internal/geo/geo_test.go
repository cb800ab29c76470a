package geo

import (
	"math"
	"testing"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

func TestDistanceZero(t *testing.T) {
	p := models.Coord{Lat: 21.0285, Lon: 105.8542}
	d := DistanceKm(p, p)
	if math.IsNaN(d) || d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	hanoi := models.Coord{Lat: 21.0285, Lon: 105.8542}
	hcmc := models.Coord{Lat: 10.8231, Lon: 106.6297}
	d := DistanceKm(hanoi, hcmc)
	if d < 1130 || d > 1150 {
		t.Fatalf("expected ~1140km, got %f", d)
	}
}

func TestDiskStartsWithOrigin(t *testing.T) {
	g := NewGrid(DefaultResolution)
	p := models.Coord{Lat: 21.0285, Lon: 105.8542}
	disk := g.Disk(p, 2)
	if disk[0] != g.Cell(p) {
		t.Fatalf("origin not first: %s vs %s", disk[0], g.Cell(p))
	}
	// 1 + 3k(k+1) cells for a disk of radius k away from pentagons
	if len(disk) != 19 {
		t.Fatalf("expected 19 cells, got %d", len(disk))
	}
	seen := map[string]bool{}
	for _, c := range disk {
		if seen[c] {
			t.Fatalf("duplicate cell %s", c)
		}
		seen[c] = true
	}
}

func TestNewGridClampsResolution(t *testing.T) {
	if g := NewGrid(42); g.Resolution != DefaultResolution {
		t.Fatalf("expected default resolution, got %d", g.Resolution)
	}
}

func TestIndexMove(t *testing.T) {
	ix := NewIndex()
	ix.Move("p1", "a")
	ix.Move("p2", "a")
	ix.Move("p1", "b")
	got := ix.Members([]string{"a", "b", "c"})
	if len(got[0]) != 1 || got[0][0] != "p2" {
		t.Fatalf("cell a: %v", got[0])
	}
	if len(got[1]) != 1 || got[1][0] != "p1" {
		t.Fatalf("cell b: %v", got[1])
	}
	if len(got[2]) != 0 {
		t.Fatalf("cell c: %v", got[2])
	}
}

func TestDistanceZeroAcrossCoords(t *testing.T) {
	for _, p := range []models.Coord{
		{Lat: 10.8231, Lon: 106.6297},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 89.9, Lon: -179.9},
	} {
		if d := DistanceKm(p, p); d != 0 {
			t.Fatalf("%v: expected 0, got %g", p, d)
		}
	}
}
