package models

// Vehicle is one catalog row in vehicle.catalog (spec.md §4.2 "Vehicle
// Linker" supplement, see SPEC_FULL.md §4).
type Vehicle struct {
	ID        int64  `db:"id" json:"id"`
	Make      string `db:"make" json:"make"`
	Model     string `db:"model" json:"model"`
	YearStart int    `db:"year_start" json:"year_start"`
	YearEnd   *int   `db:"year_end" json:"year_end,omitempty"`
	Trim      string `db:"trim" json:"trim,omitempty"`
}

// VehicleLink relates a resolved DTC to a vehicle mention found in its
// evidence text.
type VehicleLink struct {
	ID         int64   `db:"id" json:"id"`
	DTCID      int64   `db:"dtc_id" json:"dtc_id"`
	VehicleID  int64   `db:"vehicle_id" json:"vehicle_id"`
	Confidence float64 `db:"confidence" json:"confidence"`
}

// VehicleContext is the optional applicability context passed into the
// scoring engine's vehicle-specificity term (spec.md §4.3).
type VehicleContext struct {
	Make  string
	Model string
	Year  int
}
