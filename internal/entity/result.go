package entity

import (
	"encoding/json"
	"time"
)

// Result is the canonical persisted extraction for one fingerprint.
type Result struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Fields      json.RawMessage `json:"fields"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FingerprintRecord points a content fingerprint at its canonical result.
type FingerprintRecord struct {
	Fingerprint string    `json:"fingerprint"`
	ResultRef   string    `json:"result_ref"`
	Complete    bool      `json:"complete"`
	UpdatedAt   time.Time `json:"updated_at"`
}
