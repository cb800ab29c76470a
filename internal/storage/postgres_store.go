package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

type tripRow struct {
	ID             string         `db:"id"`
	CustomerID     string         `db:"customer_id"`
	ProviderID     sql.NullString `db:"provider_id"`
	Latitude       float64        `db:"latitude"`
	Longitude      float64        `db:"longitude"`
	Address        string         `db:"address"`
	AddressNote    string         `db:"address_note"`
	TotalPrice     int64          `db:"total_price"`
	PaymentMethod  string         `db:"payment_method"`
	PaymentStatus  string         `db:"payment_status"`
	Status         string         `db:"status"`
	Fee            int64          `db:"fee"`
	Income         int64          `db:"income"`
	JobID          sql.NullString `db:"job_id"`
	OrderID        string         `db:"order_id"`
	ReceiveImages  pq.StringArray `db:"receive_images"`
	CompleteImages pq.StringArray `db:"complete_images"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *tripRow) toModel() *models.Trip {
	return &models.Trip{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		ProviderID:     r.ProviderID.String,
		Pickup:         models.Coord{Lat: r.Latitude, Lon: r.Longitude},
		Address:        r.Address,
		AddressNote:    r.AddressNote,
		TotalPrice:     r.TotalPrice,
		PaymentMethod:  models.PaymentMethod(r.PaymentMethod),
		PaymentStatus:  models.PaymentStatus(r.PaymentStatus),
		Status:         models.TripStatus(r.Status),
		Fee:            r.Fee,
		Income:         r.Income,
		JobID:          r.JobID.String,
		OrderID:        r.OrderID,
		ReceiveImages:  []string(r.ReceiveImages),
		CompleteImages: []string(r.CompleteImages),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const tripColumns = `id, customer_id, provider_id, latitude, longitude, address, address_note,
	total_price, payment_method, payment_status, status, fee, income, job_id, order_id,
	receive_images, complete_images, created_at, updated_at`

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var row tripRow
	err := p.db.GetContext(ctx, &row, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trip: %w", err)
	}
	trip := row.toModel()
	if err := p.db.SelectContext(ctx, &trip.Services,
		`SELECT name, price, discount_price, discount, quantity FROM trip_services WHERE trip_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("get trip services: %w", err)
	}
	return trip, nil
}

func (p *PostgresStore) SetJob(ctx context.Context, tripID, jobID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET job_id = $2, updated_at = now() WHERE id = $1 AND status = 'SEARCHING' AND job_id IS NULL`,
		tripID, jobID)
	if err != nil {
		return fmt.Errorf("set job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ClearJob(ctx context.Context, tripID, jobID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE trips SET job_id = NULL, updated_at = now() WHERE id = $1 AND job_id = $2`, tripID, jobID)
	if err != nil {
		return fmt.Errorf("clear job: %w", err)
	}
	return nil
}

func (p *PostgresStore) ClaimTrip(ctx context.Context, tripID, providerID, jobID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET status = 'ACCEPTED', provider_id = $2, updated_at = now()
		 WHERE id = $1 AND status = 'SEARCHING' AND job_id = $3`,
		tripID, providerID, jobID)
	if err != nil {
		return false, fmt.Errorf("claim trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, tripID, providerID string, from, to models.TripStatus, patch StatusPatch) error {
	var payment sql.NullString
	if patch.PaymentStatus != "" {
		payment = sql.NullString{String: string(patch.PaymentStatus), Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET status = $4,
			receive_images = COALESCE($5::text[], receive_images),
			complete_images = COALESCE($6::text[], complete_images),
			payment_status = COALESCE($7, payment_status),
			updated_at = now()
		 WHERE id = $1 AND provider_id = $2 AND status = $3`,
		tripID, providerID, string(from), string(to),
		pq.StringArray(patch.ReceiveImages), pq.StringArray(patch.CompleteImages), payment)
	if err != nil {
		return fmt.Errorf("transition trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) CancelSearching(ctx context.Context, tripID, customerID string) (string, error) {
	var jobID sql.NullString
	err := p.db.QueryRowxContext(ctx,
		`UPDATE trips SET status = 'CUSTOMER_CANCEL', updated_at = now()
		 WHERE id = $1 AND customer_id = $2 AND status = 'SEARCHING'
		 RETURNING job_id`, tripID, customerID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		// distinguish a missing trip from one in the wrong state
		trip, getErr := p.GetTrip(ctx, tripID)
		if getErr != nil {
			return "", getErr
		}
		if trip.CustomerID != customerID {
			return "", models.ErrTripNotFound
		}
		return "", models.ErrInvalidStatus
	}
	if err != nil {
		return "", fmt.Errorf("cancel trip: %w", err)
	}
	return jobID.String, nil
}

func (p *PostgresStore) AbandonSearching(ctx context.Context, tripID, jobID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET status = 'SHOEMAKER_CANCEL', job_id = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'SEARCHING' AND job_id = $2`, tripID, jobID)
	if err != nil {
		return fmt.Errorf("abandon trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("abandon trip: %w", err)
	}
	if n == 0 {
		return models.ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ActiveTripForCustomer(ctx context.Context, customerID string) (*models.Trip, error) {
	var row tripRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+tripColumns+` FROM trips
		 WHERE customer_id = $1 AND status IN ('ACCEPTED', 'MEETING', 'INPROGRESS')
		 ORDER BY updated_at DESC LIMIT 1`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active trip: %w", err)
	}
	return row.toModel(), nil
}

func (p *PostgresStore) RecordDecline(ctx context.Context, tripID, providerID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trip_cancellations (trip_id, provider_id, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (trip_id, provider_id) DO NOTHING`, tripID, providerID)
	if err != nil {
		return fmt.Errorf("record decline: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var row struct {
		ID       string         `db:"id"`
		FullName string         `db:"full_name"`
		Phone    string         `db:"phone"`
		Avatar   sql.NullString `db:"avatar"`
		FCMToken sql.NullString `db:"fcm_token"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT id, full_name, phone, avatar, fcm_token FROM customers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &models.Customer{
		ID:       row.ID,
		FullName: row.FullName,
		Phone:    row.Phone,
		Avatar:   row.Avatar.String,
		FCMToken: row.FCMToken.String,
	}, nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notifications (id, customer_id, provider_id, title, content, data, created_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)`,
		n.ID, n.CustomerID, n.ProviderID, n.Title, n.Content, n.Data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}
