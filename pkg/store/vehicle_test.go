package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertCatalogEntry(t *testing.T, v *Vehicle, make_, model string, yearStart int, yearEnd *int) {
	db := v.db
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO vehicle.catalog (make, model, year_start, year_end) VALUES ($1, $2, $3, $4)`,
		make_, model, yearStart, yearEnd)
	require.NoError(t, err)
}

func TestVehicle_AllMakesModels(t *testing.T) {
	v := NewVehicle(newTestDB(t))
	insertCatalogEntry(t, v, "Toyota", "Camry", 2018, nil)
	insertCatalogEntry(t, v, "Honda", "Civic", 2015, intPtr(2020))

	all, err := v.AllMakesModels(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestVehicle_FindCatalogEntry_PrefersRowWhoseYearRangeContainsYear(t *testing.T) {
	v := NewVehicle(newTestDB(t))
	ctx := context.Background()
	insertCatalogEntry(t, v, "Ford", "F-150", 2009, intPtr(2014))
	insertCatalogEntry(t, v, "Ford", "F-150", 2015, intPtr(2020))

	entry, err := v.FindCatalogEntry(ctx, "ford", "f-150", 2017)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2015, entry.YearStart)

	entry, err = v.FindCatalogEntry(ctx, "Ford", "F-150", 0)
	require.NoError(t, err)
	require.NotNil(t, entry, "year 0 (no mention) must still return a match")

	entry, err = v.FindCatalogEntry(ctx, "Ford", "Mustang", 2017)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestVehicle_LinkDTCVehicle_UpsertsConfidenceAsMax(t *testing.T) {
	db := newTestDB(t)
	v := NewVehicle(db)
	k := NewKnowledge(db)
	ctx := context.Background()

	dtcID, err := k.UpsertDTCMaster(ctx, "P0171", "System too lean", "emissions", 2, false)
	require.NoError(t, err)
	insertCatalogEntry(t, v, "Subaru", "Outback", 2016, intPtr(2019))

	var vehicleID int64
	require.NoError(t, db.GetContext(ctx, &vehicleID, `SELECT id FROM vehicle.catalog WHERE make = 'Subaru'`))

	require.NoError(t, v.LinkDTCVehicle(ctx, dtcID, vehicleID, 0.5))
	require.NoError(t, v.LinkDTCVehicle(ctx, dtcID, vehicleID, 0.3))

	var confidence float64
	require.NoError(t, db.GetContext(ctx, &confidence, `SELECT confidence FROM vehicle.dtc_vehicle_links WHERE dtc_id = $1 AND vehicle_id = $2`, dtcID, vehicleID))
	assert.InDelta(t, 0.5, confidence, 0.0001, "confidence must keep the higher of the two links, never regress")
}

func intPtr(n int) *int { return &n }
