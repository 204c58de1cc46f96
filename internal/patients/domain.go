// Package patients exposes the minimal patient surface the financial core
// consumes: identity plus a derived balance. Demographics, charting and
// scheduling live in external systems and are out of scope here.
package patients

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Patient model. Balance is a materialized value recomputed by the billing
// engine; it is never authoritative for allocation decisions.
type Patient struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreatePatientInput for registering patients.
type CreatePatientInput struct {
	Name string
}
