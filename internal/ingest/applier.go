// Package ingest moves shoemaker locations from the socket to Kafka and from
// Kafka into the provider store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/geo"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

var ErrInvalidLocation = errors.New("invalid location")

type Heartbeater interface {
	Heartbeat(ctx context.Context, providerID string) error
}

// Applier stores a location update together with its grid cell.
type Applier struct {
	Providers storage.ProviderStore
	Grid      geo.Grid
	Presence  Heartbeater
}

func Validate(u models.LocationUpdate) error {
	switch {
	case u.ProviderID == "":
		return fmt.Errorf("%w: missing shoemaker id", ErrInvalidLocation)
	case u.Loc.Lat < -90 || u.Loc.Lat > 90:
		return fmt.Errorf("%w: latitude %f", ErrInvalidLocation, u.Loc.Lat)
	case u.Loc.Lon < -180 || u.Loc.Lon > 180:
		return fmt.Errorf("%w: longitude %f", ErrInvalidLocation, u.Loc.Lon)
	}
	return nil
}

func (a *Applier) Apply(ctx context.Context, u models.LocationUpdate) error {
	if err := Validate(u); err != nil {
		return err
	}
	if err := a.Providers.UpdateLocation(ctx, u.ProviderID, u.Loc, a.Grid.Cell(u.Loc)); err != nil {
		return err
	}
	if a.Presence != nil {
		return a.Presence.Heartbeat(ctx, u.ProviderID)
	}
	return nil
}

// ApplyWithRetry retries Apply with doubling delay. Invalid updates and
// unknown shoemakers are not retried.
func (a *Applier) ApplyWithRetry(ctx context.Context, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = a.Apply(ctx, u)
		if err == nil || errors.Is(err, ErrInvalidLocation) || errors.Is(err, models.ErrProviderNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
