package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account identifies a linked financial account. Accounts are owned by the
// Account Directory; the ledger only keeps a weak reference (lookup by id) and a
// locally cached copy of the directory metadata, refreshed periodically.
type Account struct {
	ID           uuid.UUID `json:"id"`
	ExternalID   string    `json:"external_id"` // unique id at the aggregation provider
	ItemID       string    `json:"item_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Subtype      string    `json:"subtype"`
	Mask         string    `json:"mask"`
	AccessToken  string    `json:"-"` // opaque credential, never serialized
	CreatedAt    time.Time `json:"created_at"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}
