package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects. These double as NATS subjects and WebSocket frame types.
const (
	AssetRegistered      = "reserve.asset.registered"
	AssetDeactivated     = "reserve.asset.deactivated"
	DepositRecorded      = "reserve.deposit.recorded"
	SupplyMinted         = "reserve.supply.minted"
	AuditRecorded        = "reserve.audit.recorded"
	AuditorAuthorized    = "reserve.auditor.authorized"
	AuditorStatusChanged = "reserve.auditor.status_changed"
	SystemPaused         = "reserve.system.paused"
	SystemResumed        = "reserve.system.resumed"
)

// BaseEvent contains common event fields.
type BaseEvent struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Height    uint64          `json:"height"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AssetData describes asset lifecycle events.
type AssetData struct {
	AssetID      uint64 `json:"asset_id"`
	Symbol       string `json:"symbol"`
	BackingLabel string `json:"backing_label,omitempty"`
	TotalSupply  uint64 `json:"total_supply"`
}

// DepositData describes a recorded reserve deposit.
type DepositData struct {
	AssetID      uint64    `json:"asset_id"`
	Depositor    uuid.UUID `json:"depositor"`
	Amount       uint64    `json:"amount"`
	ReserveTotal uint64    `json:"reserve_total"`
}

// MintData describes a successful supply increase.
type MintData struct {
	AssetID   uint64 `json:"asset_id"`
	Amount    uint64 `json:"amount"`
	NewSupply uint64 `json:"new_supply"`
	RatioBps  uint64 `json:"ratio_bps"`
}

// AuditData describes an appended audit record.
type AuditData struct {
	AuditID  uint64    `json:"audit_id"`
	AssetID  uint64    `json:"asset_id"`
	Auditor  uuid.UUID `json:"auditor"`
	Reserves uint64    `json:"reserves"`
	Supply   uint64    `json:"supply"`
	RatioBps uint64    `json:"ratio_bps"`
	Verified bool      `json:"verified"`
}

// AuditorData describes auditor registry changes.
type AuditorData struct {
	Auditor    uuid.UUID `json:"auditor"`
	Authorized bool      `json:"authorized"`
}

// NewEvent wraps a typed payload in a BaseEvent envelope.
func NewEvent(eventType string, height uint64, data interface{}) (*BaseEvent, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &BaseEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Height:    height,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}, nil
}

// ParseData parses event data into the given type.
func (e *BaseEvent) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}
