package store

import (
	"context"
	"fmt"

	"github.com/diagforge/refinery/pkg/models"
)

// Vehicle wraps vehicle.* schema access for the Vehicle Linker
// supplement (SPEC_FULL.md §4).
type Vehicle struct {
	db DBTX
}

// NewVehicle builds a Vehicle repository.
func NewVehicle(db DBTX) *Vehicle {
	return &Vehicle{db: db}
}

// AllMakesModels returns every distinct (make, model) pair in the
// catalog, used by the mention extractor to build its match list.
func (v *Vehicle) AllMakesModels(ctx context.Context) ([]models.Vehicle, error) {
	var vehicles []models.Vehicle
	if err := v.db.SelectContext(ctx, &vehicles, `SELECT * FROM vehicle.catalog ORDER BY make, model, year_start`); err != nil {
		return nil, fmt.Errorf("store: failed to list vehicle catalog: %w", err)
	}
	return vehicles, nil
}

// FindCatalogEntry looks up the best-matching catalog row for a
// (make, model, year) mention, preferring a row whose year range
// contains year when more than one matches.
func (v *Vehicle) FindCatalogEntry(ctx context.Context, make_, model string, year int) (*models.Vehicle, error) {
	var candidates []models.Vehicle
	err := v.db.SelectContext(ctx, &candidates, `
		SELECT * FROM vehicle.catalog WHERE lower(make) = lower($1) AND lower(model) = lower($2)`, make_, model)
	if err != nil {
		return nil, fmt.Errorf("store: failed to find catalog entry for %s %s: %w", make_, model, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if year == 0 {
		return &candidates[0], nil
	}
	for i := range candidates {
		c := candidates[i]
		if year >= c.YearStart && (c.YearEnd == nil || year <= *c.YearEnd) {
			return &c, nil
		}
	}
	return &candidates[0], nil
}

// LinkDTCVehicle upserts a DTC-to-vehicle relationship with a
// confidence score, unique on (dtc_id, vehicle_id).
func (v *Vehicle) LinkDTCVehicle(ctx context.Context, dtcID, vehicleID int64, confidence float64) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO vehicle.dtc_vehicle_links (dtc_id, vehicle_id, confidence) VALUES ($1, $2, $3)
		ON CONFLICT (dtc_id, vehicle_id) DO UPDATE SET confidence = GREATEST(vehicle.dtc_vehicle_links.confidence, EXCLUDED.confidence)`,
		dtcID, vehicleID, confidence)
	if err != nil {
		return fmt.Errorf("store: failed to link dtc %d to vehicle %d: %w", dtcID, vehicleID, err)
	}
	return nil
}
