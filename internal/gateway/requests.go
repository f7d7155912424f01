package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openreserve/reserved/shared/events"
)

type loginRequest struct {
	Name   string `json:"name" binding:"required"`
	Secret string `json:"secret" binding:"required"`
}

type registerAssetRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	BackingLabel  string `json:"backing_label" binding:"required"`
	InitialSupply uint64 `json:"initial_supply"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type auditorRequest struct {
	AuditorID string `json:"auditor_id" binding:"required"`
}

// statusRequest and pauseRequest use *bool so "false" binds without
// tripping required-field validation.
type statusRequest struct {
	Authorized *bool `json:"authorized" binding:"required"`
}

type pauseRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

type auditRequest struct {
	ReportedReserves uint64   `json:"reported_reserves"`
	MerkleRoot       string   `json:"merkle_root" binding:"required"`
	ProofHashes      []string `json:"proof_hashes"`
}

type auditResponse struct {
	AuditID      uint64    `json:"audit_id"`
	AssetID      uint64    `json:"asset_id"`
	Auditor      uuid.UUID `json:"auditor"`
	Reserves     uint64    `json:"reserves"`
	Supply       uint64    `json:"supply"`
	RatioBps     uint64    `json:"ratio_bps"`
	RatioPercent string    `json:"ratio_percent"`
	Height       uint64    `json:"height"`
	Verified     bool      `json:"verified"`
}

// parseAssetID reads the :id path parameter. On failure it writes the
// error response itself and returns false.
func parseAssetID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
		return 0, false
	}
	return id, true
}

func marshalEvent(event *events.BaseEvent) ([]byte, error) {
	return json.Marshal(event)
}
