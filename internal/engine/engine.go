// Package engine implements the reserve accounting and audit-verification
// core: per-asset supply and reserve state, the minimum-collateralization
// invariant gating supply growth, the auditor registry, and the append-only
// audit trail with chained-hash proof verification.
//
// The engine is host-independent. Caller identity and the host's height
// counter are explicit parameters on every operation, all state lives
// behind a single mutex, and every operation either applies completely or
// leaves the ledger untouched.
package engine

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrOwnerOnly            = errors.New("caller is not the owner")
	ErrInvalidAsset         = errors.New("unknown or inactive asset")
	ErrInsufficientReserves = errors.New("mint would breach the minimum reserve ratio")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrUnauthorized         = errors.New("caller is not an authorized auditor")
	ErrPaused               = errors.New("emergency pause is active")
	ErrInvalidProof         = errors.New("malformed reserve proof")
)

// Asset is a tracked issued instrument with a declared backing reserve.
type Asset struct {
	ID              uint64 `json:"id"`
	Symbol          string `json:"symbol"`
	BackingLabel    string `json:"backing_label"`
	TotalSupply     uint64 `json:"total_supply"`
	ReserveAmount   uint64 `json:"reserve_amount"`
	LastAuditHeight uint64 `json:"last_audit_height"`
	Active          bool   `json:"active"`
}

// Deposit is a depositor's most recent reserve deposit for an asset.
// A new deposit from the same depositor replaces the record outright.
type Deposit struct {
	AssetID   uint64    `json:"asset_id"`
	Depositor uuid.UUID `json:"depositor"`
	Amount    uint64    `json:"amount"`
	Height    uint64    `json:"height"`
}

// Auditor is an identity permitted to submit audit attestations.
type Auditor struct {
	ID         uuid.UUID `json:"id"`
	Authorized bool      `json:"authorized"`
	AuditCount uint64    `json:"audit_count"`
}

// AuditRecord is a permanent entry in the tamper-evident audit trail.
// Records are append-only and never mutated after creation.
type AuditRecord struct {
	ID       uint64    `json:"id"`
	AssetID  uint64    `json:"asset_id"`
	Auditor  uuid.UUID `json:"auditor"`
	Reserves uint64    `json:"reserves"`
	Supply   uint64    `json:"supply"`
	RatioBps uint64    `json:"ratio_bps"`
	Height   uint64    `json:"height"`
	Verified bool      `json:"verified"`
}

// Snapshot is a read-only projection of engine state for status reporting.
type Snapshot struct {
	Assets     int    `json:"assets"`
	Audits     int    `json:"audits"`
	Paused     bool   `json:"paused"`
	LastHeight uint64 `json:"last_height"`
}

type depositKey struct {
	assetID   uint64
	depositor uuid.UUID
}

// Engine owns all reserve-tracking state. All exported methods serialize
// on one mutex; multi-step checks such as the speculative mint validation
// are therefore atomic with respect to every other caller.
type Engine struct {
	mu sync.Mutex

	owner  uuid.UUID
	paused bool

	nextAssetID uint64
	nextAuditID uint64
	lastHeight  uint64

	assets   map[uint64]*Asset
	deposits map[depositKey]*Deposit
	auditors map[uuid.UUID]*Auditor

	audits        []*AuditRecord
	auditsByAsset map[uint64][]*AuditRecord
}

// New creates an engine owned by the given identity. Asset and audit ids
// are assigned sequentially starting at 1.
func New(owner uuid.UUID) *Engine {
	return &Engine{
		owner:         owner,
		nextAssetID:   1,
		nextAuditID:   1,
		assets:        make(map[uint64]*Asset),
		deposits:      make(map[depositKey]*Deposit),
		auditors:      make(map[uuid.UUID]*Auditor),
		auditsByAsset: make(map[uint64][]*AuditRecord),
	}
}

// Owner returns the designated owner identity.
func (e *Engine) Owner() uuid.UUID {
	return e.owner
}

// RegisterAsset creates a new asset with zero reserves and the given
// initial supply. Owner-only. Returns the new asset id.
func (e *Engine) RegisterAsset(caller uuid.UUID, height uint64, symbol, backingLabel string, initialSupply uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if caller != e.owner {
		return 0, ErrOwnerOnly
	}
	if initialSupply == 0 {
		return 0, ErrInvalidAmount
	}

	id := e.nextAssetID
	e.assets[id] = &Asset{
		ID:              id,
		Symbol:          symbol,
		BackingLabel:    backingLabel,
		TotalSupply:     initialSupply,
		ReserveAmount:   0,
		LastAuditHeight: height,
		Active:          true,
	}
	e.nextAssetID++
	e.lastHeight = height

	return id, nil
}

// DepositReserves records a reserve deposit from the caller. The caller's
// deposit record for the asset is replaced, not accumulated; the asset's
// reserve total grows by amount. Returns the new reserve total.
func (e *Engine) DepositReserves(caller uuid.UUID, height uint64, assetID, amount uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	asset, ok := e.assets[assetID]
	if !ok || !asset.Active {
		return 0, ErrInvalidAsset
	}
	newTotal := asset.ReserveAmount + amount
	if newTotal < asset.ReserveAmount {
		return 0, ErrInvalidAmount
	}

	e.deposits[depositKey{assetID, caller}] = &Deposit{
		AssetID:   assetID,
		Depositor: caller,
		Amount:    amount,
		Height:    height,
	}
	asset.ReserveAmount = newTotal
	e.lastHeight = height

	return newTotal, nil
}

// MintTokens grows an asset's supply. Owner-only. The increase is
// validated against the unchanged reserve total before anything is
// written: if the post-mint ratio would fall below MinReserveRatioBps the
// call fails with ErrInsufficientReserves and the ledger is untouched.
// Returns the new total supply.
func (e *Engine) MintTokens(caller uuid.UUID, height uint64, assetID, amount uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if caller != e.owner {
		return 0, ErrOwnerOnly
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	asset, ok := e.assets[assetID]
	if !ok || !asset.Active {
		return 0, ErrInvalidAsset
	}

	// Copy-validate-swap: the tentative supply is committed only after
	// the ratio check passes, so no caller ever observes a breach.
	newSupply := asset.TotalSupply + amount
	if newSupply < asset.TotalSupply {
		return 0, ErrInvalidAmount
	}
	if Ratio(asset.ReserveAmount, newSupply) < MinReserveRatioBps {
		return 0, ErrInsufficientReserves
	}

	asset.TotalSupply = newSupply
	e.lastHeight = height

	return newSupply, nil
}

// AuthorizeAuditor grants audit rights to an identity. Owner-only.
// Re-authorizing resets the identity's audit count to zero.
func (e *Engine) AuthorizeAuditor(caller uuid.UUID, height uint64, auditor uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if caller != e.owner {
		return ErrOwnerOnly
	}

	e.auditors[auditor] = &Auditor{ID: auditor, Authorized: true, AuditCount: 0}
	e.lastHeight = height

	return nil
}

// SetAuditorStatus flips an auditor's authorization flag without touching
// its audit count. Owner-only. Unknown identities get a fresh record so
// revocation can precede any grant.
func (e *Engine) SetAuditorStatus(caller uuid.UUID, height uint64, auditor uuid.UUID, authorized bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if caller != e.owner {
		return ErrOwnerOnly
	}

	rec, ok := e.auditors[auditor]
	if !ok {
		rec = &Auditor{ID: auditor}
		e.auditors[auditor] = rec
	}
	rec.Authorized = authorized
	e.lastHeight = height

	return nil
}

// SetPaused flips the emergency pause gate. Owner-only. The gate itself is
// exempt from the pause check so a paused engine can be resumed.
func (e *Engine) SetPaused(caller uuid.UUID, height uint64, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrOwnerOnly
	}

	e.paused = paused
	e.lastHeight = height

	return nil
}

// DeactivateAsset flips an asset's active flag off. Owner-only. A
// deactivated asset rejects deposits, mints and audits but remains
// readable; it is never deleted.
func (e *Engine) DeactivateAsset(caller uuid.UUID, height uint64, assetID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if caller != e.owner {
		return ErrOwnerOnly
	}
	asset, ok := e.assets[assetID]
	if !ok || !asset.Active {
		return ErrInvalidAsset
	}

	asset.Active = false
	e.lastHeight = height

	return nil
}

// PerformAudit verifies an auditor-submitted reserve attestation, appends
// a permanent audit record, and applies the attested figure to the ledger.
//
// The chained-hash proof is checked structurally first; a structurally
// invalid proof fails with ErrInvalidProof before any state change. A
// well-formed proof whose recomputed root does not match merkleRoot still
// produces a record, with Verified false. Verified is true only when the
// ratio of reported reserves to current supply clears MinReserveRatioBps
// AND the recomputed root matches the claimed root.
//
// The attestation is authoritative: the asset's reserve total is
// overwritten with reportedReserves regardless of accumulated deposits.
func (e *Engine) PerformAudit(caller uuid.UUID, height uint64, assetID, reportedReserves uint64, merkleRoot []byte, proofHashes [][]byte) (*AuditRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	auditor, ok := e.auditors[caller]
	if !ok || !auditor.Authorized {
		return nil, ErrUnauthorized
	}
	asset, ok := e.assets[assetID]
	if !ok || !asset.Active {
		return nil, ErrInvalidAsset
	}

	rootMatches, err := verifyProof(reportedReserves, merkleRoot, proofHashes)
	if err != nil {
		return nil, err
	}

	ratio := Ratio(reportedReserves, asset.TotalSupply)
	record := &AuditRecord{
		ID:       e.nextAuditID,
		AssetID:  assetID,
		Auditor:  caller,
		Reserves: reportedReserves,
		Supply:   asset.TotalSupply,
		RatioBps: ratio,
		Height:   height,
		Verified: ratio >= MinReserveRatioBps && rootMatches,
	}

	e.nextAuditID++
	e.audits = append(e.audits, record)
	e.auditsByAsset[assetID] = append(e.auditsByAsset[assetID], record)
	auditor.AuditCount++

	asset.ReserveAmount = reportedReserves
	asset.LastAuditHeight = height
	e.lastHeight = height

	out := *record
	return &out, nil
}

// GetAssetInfo returns a copy of the asset, or false if the id is unknown.
// Lookup misses are a valid outcome, not an error.
func (e *Engine) GetAssetInfo(assetID uint64) (Asset, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[assetID]
	if !ok {
		return Asset{}, false
	}
	return *asset, true
}

// GetReserveRatio returns the asset's current reserve ratio in basis
// points. Fails only with ErrInvalidAsset when the id is unknown.
func (e *Engine) GetReserveRatio(assetID uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[assetID]
	if !ok {
		return 0, ErrInvalidAsset
	}
	return Ratio(asset.ReserveAmount, asset.TotalSupply), nil
}

// IsFullyBacked reports whether the asset's reserve ratio clears the
// minimum. Fails only with ErrInvalidAsset when the id is unknown.
func (e *Engine) IsFullyBacked(assetID uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[assetID]
	if !ok {
		return false, ErrInvalidAsset
	}
	return Ratio(asset.ReserveAmount, asset.TotalSupply) >= MinReserveRatioBps, nil
}

// GetDeposit returns a copy of the caller's current deposit record for an
// asset, or false if none exists.
func (e *Engine) GetDeposit(assetID uint64, depositor uuid.UUID) (Deposit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dep, ok := e.deposits[depositKey{assetID, depositor}]
	if !ok {
		return Deposit{}, false
	}
	return *dep, true
}

// GetAuditor returns a copy of an auditor record, or false if the identity
// has never been touched by the registry.
func (e *Engine) GetAuditor(id uuid.UUID) (Auditor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	auditor, ok := e.auditors[id]
	if !ok {
		return Auditor{}, false
	}
	return *auditor, true
}

// ListAudits returns copies of the asset's audit trail in append order.
// An unknown asset id yields an empty slice.
func (e *Engine) ListAudits(assetID uint64) []AuditRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := e.auditsByAsset[assetID]
	out := make([]AuditRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}

// Paused reports whether the emergency pause gate is set.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Snapshot returns a read-only projection of engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Assets:     len(e.assets),
		Audits:     len(e.audits),
		Paused:     e.paused,
		LastHeight: e.lastHeight,
	}
}
