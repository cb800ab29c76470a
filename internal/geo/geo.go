package geo

import (
	"math"
	"sync"

	"github.com/uber/h3-go/v4"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

const (
	DefaultResolution = 9
	DefaultRingK      = 12

	earthRadiusKm = 6371.0
)

// Grid maps coordinates onto H3 cells at a fixed resolution.
type Grid struct {
	Resolution int
}

func NewGrid(resolution int) Grid {
	if resolution < 0 || resolution > 15 {
		resolution = DefaultResolution
	}
	return Grid{Resolution: resolution}
}

// Cell returns the hex index of the cell containing c.
func (g Grid) Cell(c models.Coord) string {
	return h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lon), g.Resolution).String()
}

// Disk returns the cell containing c followed by every cell within k rings.
// The origin is always first; the rest follow H3 traversal order.
func (g Grid) Disk(c models.Coord, k int) []string {
	origin := h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lon), g.Resolution)
	if k < 0 {
		k = 0
	}
	cells := h3.GridDisk(origin, k)
	out := make([]string, 0, len(cells))
	out = append(out, origin.String())
	for _, cell := range cells {
		if cell == origin {
			continue
		}
		out = append(out, cell.String())
	}
	return out
}

// DistanceKm is the great-circle distance using the spherical law of cosines.
func DistanceKm(a, b models.Coord) float64 {
	if a == b {
		return 0
	}
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)
	cos := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(dLon)
	// rounding can push near-identical points slightly past 1
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * earthRadiusKm
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Index keeps the provider ids present in each cell.
type Index struct {
	mu     sync.RWMutex
	cells  map[string]map[string]struct{}
	byUser map[string]string
}

func NewIndex() *Index {
	return &Index{
		cells:  make(map[string]map[string]struct{}),
		byUser: make(map[string]string),
	}
}

// Move records id as being in cell, dropping it from its previous cell.
func (ix *Index) Move(id, cell string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byUser[id]; ok {
		if prev == cell {
			return
		}
		delete(ix.cells[prev], id)
		if len(ix.cells[prev]) == 0 {
			delete(ix.cells, prev)
		}
	}
	members, ok := ix.cells[cell]
	if !ok {
		members = make(map[string]struct{})
		ix.cells[cell] = members
	}
	members[id] = struct{}{}
	ix.byUser[id] = cell
}

// Members returns the ids in each of cells, grouped in cell order.
func (ix *Index) Members(cells []string) [][]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([][]string, 0, len(cells))
	for _, c := range cells {
		members := ix.cells[c]
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		out = append(out, ids)
	}
	return out
}
