package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/eta"
	"github.com/nhattrinh17/taker-backend/internal/geo"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

// Service ranks available providers around a trip's pickup point.
type Service struct {
	Providers storage.ProviderStore
	Grid      geo.Grid
	ETA       eta.Estimator
	RingK     int
	TopN      int
	// ScanLimit caps how many eligible providers are read before ranking.
	ScanLimit int
	// CashFloor is the lowest balance a provider may reach after paying
	// the fee of a cash trip.
	CashFloor int64
}

// FindCandidates returns up to TopN eligible providers, closest first.
// Providers that declined the trip are never returned for it.
func (s *Service) FindCandidates(ctx context.Context, trip *models.Trip) ([]models.Candidate, error) {
	start := time.Now()
	defer func() { observability.CandidateSearchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	scan := s.ScanLimit
	if scan < topN {
		scan = topN
	}

	q := storage.CandidateQuery{
		Cells:  s.Grid.Disk(trip.Pickup, s.RingK),
		TripID: trip.ID,
		Limit:  scan,
	}
	if trip.PaymentMethod == models.PaymentCash {
		floor := s.CashFloor + trip.Fee
		q.MinBalance = &floor
	}

	providers, err := s.Providers.NearbyAvailable(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find candidates for trip %s: %w", trip.ID, err)
	}

	cands := make([]models.Candidate, 0, len(providers))
	for _, p := range providers {
		minutes, km := s.ETA.Estimate(p.Loc, trip.Pickup)
		cands = append(cands, models.Candidate{Provider: p, Minutes: minutes, DistanceKm: km})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Minutes < cands[j].Minutes })
	if len(cands) > topN {
		cands = cands[:topN]
	}
	observability.CandidatesFound.Observe(float64(len(cands)))
	return cands, nil
}
