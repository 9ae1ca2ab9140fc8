package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is the single opaque payload type for genuinely dynamic
// blobs (audit metrics, resolution-log details, task payloads) per
// spec.md §9 "keep a single opaque JSON type for genuinely dynamic
// payloads". Everything with a known shape gets its own struct instead.
type JSON map[string]any

// Value implements driver.Valuer for sqlx/database-sql JSONB columns.
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	return json.Marshal(map[string]any(j))
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	if src == nil {
		*j = JSON{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSON.Scan: unsupported type %T", src)
	}
	if len(b) == 0 {
		*j = JSON{}
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*j = JSON(m)
	return nil
}
