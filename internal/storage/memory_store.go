package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhattrinh17/taker-backend/internal/geo"
	"github.com/nhattrinh17/taker-backend/internal/models"
)

// MemoryStore implements every store interface in process. It backs tests and
// single-node development runs without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	trips         map[string]*models.Trip
	providers     map[string]*models.Provider
	customers     map[string]*models.Customer
	declines      map[string]map[string]time.Time
	notifications []*models.Notification
	cells         *geo.Index

	ledgerMu     sync.Mutex
	wallets      map[string]*models.Wallet
	transactions []*models.Transaction
	walletLogs   []*models.WalletLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]*models.Trip),
		providers: make(map[string]*models.Provider),
		customers: make(map[string]*models.Customer),
		declines:  make(map[string]map[string]time.Time),
		cells:     geo.NewIndex(),
		wallets:   make(map[string]*models.Wallet),
	}
}

func copyTrip(t *models.Trip) *models.Trip {
	c := *t
	c.Services = append([]models.TripService(nil), t.Services...)
	c.ReceiveImages = append([]string(nil), t.ReceiveImages...)
	c.CompleteImages = append([]string(nil), t.CompleteImages...)
	return &c
}

// PutTrip inserts or replaces a trip.
func (m *MemoryStore) PutTrip(t *models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyTrip(t)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	m.trips[t.ID] = c
}

// PutProvider inserts or replaces a provider and indexes its cell.
func (m *MemoryStore) PutProvider(p *models.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.providers[p.ID] = &c
	if c.Cell != "" {
		m.cells.Move(c.ID, c.Cell)
	}
}

func (m *MemoryStore) PutCustomer(c *models.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := *c
	m.customers[c.ID] = &cc
}

func (m *MemoryStore) PutWallet(w *models.Wallet) {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	c := *w
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.wallets[w.ProviderID] = &c
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) SetJob(_ context.Context, tripID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.ErrTripNotFound
	}
	if t.Status != models.TripSearching || t.JobID != "" {
		return models.ErrInvalidStatus
	}
	t.JobID = jobID
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClearJob(_ context.Context, tripID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trips[tripID]; ok && t.JobID == jobID {
		t.JobID = ""
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) ClaimTrip(_ context.Context, tripID, providerID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != models.TripSearching || t.JobID != jobID {
		return false, nil
	}
	t.Status = models.TripAccepted
	t.ProviderID = providerID
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, tripID, providerID string, from, to models.TripStatus, patch StatusPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.ProviderID != providerID || t.Status != from {
		return models.ErrInvalidStatus
	}
	t.Status = to
	if patch.ReceiveImages != nil {
		t.ReceiveImages = append([]string(nil), patch.ReceiveImages...)
	}
	if patch.CompleteImages != nil {
		t.CompleteImages = append([]string(nil), patch.CompleteImages...)
	}
	if patch.PaymentStatus != "" {
		t.PaymentStatus = patch.PaymentStatus
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CancelSearching(_ context.Context, tripID, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.CustomerID != customerID {
		return "", models.ErrTripNotFound
	}
	if t.Status != models.TripSearching {
		return "", models.ErrInvalidStatus
	}
	t.Status = models.TripCustomerCancel
	t.UpdatedAt = time.Now()
	return t.JobID, nil
}

func (m *MemoryStore) AbandonSearching(_ context.Context, tripID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.ErrTripNotFound
	}
	if t.Status != models.TripSearching || jobID == "" || t.JobID != jobID {
		return models.ErrInvalidStatus
	}
	t.Status = models.TripShoemakerCancel
	t.JobID = ""
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ActiveTripForCustomer(_ context.Context, customerID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Trip
	for _, t := range m.trips {
		if t.CustomerID != customerID {
			continue
		}
		switch t.Status {
		case models.TripAccepted, models.TripMeeting, models.TripInProgress:
		default:
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, models.ErrTripNotFound
	}
	return copyTrip(latest), nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id string) (*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, models.ErrProviderNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) NearbyAvailable(_ context.Context, q CandidateQuery) ([]models.Provider, error) {
	var balances map[string]int64
	if q.MinBalance != nil {
		m.ledgerMu.Lock()
		balances = make(map[string]int64, len(m.wallets))
		for id, w := range m.wallets {
			balances[id] = w.Balance
		}
		m.ledgerMu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	declined := m.declines[q.TripID]
	out := make([]models.Provider, 0)
	for _, ids := range m.cells.Members(q.Cells) {
		sort.Strings(ids)
		for _, id := range ids {
			p, ok := m.providers[id]
			if !ok || !p.Available() {
				continue
			}
			if _, ok := declined[id]; ok {
				continue
			}
			if q.MinBalance != nil {
				bal, ok := balances[id]
				if !ok || bal < *q.MinBalance {
					continue
				}
			}
			out = append(out, *p)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SetOnTrip(_ context.Context, id string, onTrip bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return models.ErrProviderNotFound
	}
	p.OnTrip = onTrip
	return nil
}

func (m *MemoryStore) SetOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return models.ErrProviderNotFound
	}
	p.Online = online
	return nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord, cell string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return models.ErrProviderNotFound
	}
	p.Loc = loc
	p.Cell = cell
	p.Updated = time.Now()
	m.cells.Move(id, cell)
	return nil
}

func (m *MemoryStore) ListOnline(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for id, p := range m.providers {
		if p.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) RecordDecline(_ context.Context, tripID, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.declines[tripID]
	if !ok {
		set = make(map[string]time.Time)
		m.declines[tripID] = set
	}
	if _, ok := set[providerID]; !ok {
		set[providerID] = time.Now()
	}
	return nil
}

// Declined lists the providers that declined tripID, sorted.
func (m *MemoryStore) Declined(tripID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.declines[tripID]))
	for id := range m.declines[tripID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) GetCustomer(_ context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, models.ErrCustomerNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *n
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.notifications = append(m.notifications, &c)
	return nil
}

func (m *MemoryStore) Notifications() []models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, *n)
	}
	return out
}
