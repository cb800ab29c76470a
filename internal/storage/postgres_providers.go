package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

type providerRow struct {
	ID        string         `db:"id"`
	FullName  string         `db:"full_name"`
	Phone     string         `db:"phone"`
	Avatar    sql.NullString `db:"avatar"`
	Latitude  float64        `db:"latitude"`
	Longitude float64        `db:"longitude"`
	Cell      sql.NullString `db:"h3_cell"`
	FCMToken  sql.NullString `db:"fcm_token"`
	Online    bool           `db:"is_online"`
	Accepting bool           `db:"is_on"`
	OnTrip    bool           `db:"is_trip"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *providerRow) toModel() models.Provider {
	return models.Provider{
		ID:        r.ID,
		FullName:  r.FullName,
		Phone:     r.Phone,
		Avatar:    r.Avatar.String,
		Loc:       models.Coord{Lat: r.Latitude, Lon: r.Longitude},
		Online:    r.Online,
		Accepting: r.Accepting,
		OnTrip:    r.OnTrip,
		FCMToken:  r.FCMToken.String,
		Cell:      r.Cell.String,
		Updated:   r.UpdatedAt,
	}
}

const providerColumns = `p.id, p.full_name, p.phone, p.avatar, p.latitude, p.longitude, p.h3_cell,
	p.fcm_token, p.is_online, p.is_on, p.is_trip, p.updated_at`

func (p *PostgresStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var row providerRow
	err := p.db.GetContext(ctx, &row, `SELECT `+providerColumns+` FROM providers p WHERE p.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	out := row.toModel()
	return &out, nil
}

func (p *PostgresStore) NearbyAvailable(ctx context.Context, q CandidateQuery) ([]models.Provider, error) {
	if len(q.Cells) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + providerColumns + ` FROM providers p`
	args := []any{pq.StringArray(q.Cells), q.TripID, limit}
	if q.MinBalance != nil {
		query += ` JOIN wallets w ON w.provider_id = p.id AND w.balance >= $4`
		args = append(args, *q.MinBalance)
	}
	query += ` WHERE p.h3_cell = ANY($1::text[])
		AND p.is_online AND p.is_on AND NOT p.is_trip
		AND NOT EXISTS (SELECT 1 FROM trip_cancellations c WHERE c.trip_id = $2 AND c.provider_id = p.id)
		ORDER BY array_position($1::text[], p.h3_cell), p.id
		LIMIT $3`

	var rows []providerRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("nearby providers: %w", err)
	}
	out := make([]models.Provider, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (p *PostgresStore) execProvider(ctx context.Context, op, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrProviderNotFound
	}
	return nil
}

func (p *PostgresStore) SetOnTrip(ctx context.Context, id string, onTrip bool) error {
	return p.execProvider(ctx, "set on trip",
		`UPDATE providers SET is_trip = $2, updated_at = now() WHERE id = $1`, id, onTrip)
}

func (p *PostgresStore) SetOnline(ctx context.Context, id string, online bool) error {
	return p.execProvider(ctx, "set online",
		`UPDATE providers SET is_online = $2, updated_at = now() WHERE id = $1`, id, online)
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord, cell string) error {
	return p.execProvider(ctx, "update location",
		`UPDATE providers SET latitude = $2, longitude = $3, h3_cell = $4, updated_at = now() WHERE id = $1`,
		id, loc.Lat, loc.Lon, cell)
}

func (p *PostgresStore) ListOnline(ctx context.Context) ([]string, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids, `SELECT id FROM providers WHERE is_online ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	return ids, nil
}
