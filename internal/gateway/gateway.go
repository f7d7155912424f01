// Package gateway is the HTTP host around the reserve engine. It resolves
// caller identity from JWTs, advances the height counter one tick per
// applied mutating call, serializes mutations, and fans effects out to the
// event bus, the audit archive, the metrics recorder and WebSocket
// subscribers.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openreserve/reserved/internal/auth"
	"github.com/openreserve/reserved/internal/engine"
	"github.com/openreserve/reserved/pkg/bps"
	"github.com/openreserve/reserved/pkg/circuit"
	"github.com/openreserve/reserved/shared/events"
)

// Publisher fans events out to the message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Archiver persists audit records.
type Archiver interface {
	ArchiveAudit(ctx context.Context, rec engine.AuditRecord) error
}

// MetricsRecorder writes backing telemetry.
type MetricsRecorder interface {
	RecordBacking(ctx context.Context, operation string, assetID, reserves, supply, ratioBps, height uint64) error
	RecordAudit(ctx context.Context, assetID, auditID, ratioBps uint64, verified bool) error
}

// AssetCache caches read-only asset projections.
type AssetCache interface {
	GetAsset(ctx context.Context, assetID uint64) (engine.Asset, bool)
	PutAsset(ctx context.Context, asset engine.Asset)
	InvalidateAsset(ctx context.Context, assetID uint64)
}

// Config holds gateway configuration.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration

	// IsLeader gates mutating calls in multi-instance deployments.
	// Nil means this instance always accepts writes.
	IsLeader func() bool
}

// Gateway hosts the engine over HTTP.
type Gateway struct {
	router *gin.Engine
	eng    *engine.Engine
	auth   *auth.Service

	publisher Publisher
	archive   Archiver
	metrics   MetricsRecorder
	cache     AssetCache
	breakers  *circuit.Group

	isLeader func() bool

	// applyMu serializes mutating calls so heights are assigned in the
	// order calls are applied. The engine has its own mutex; this one
	// exists only for the height sequence.
	applyMu sync.Mutex
	height  uint64

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	rateLimiter *rateLimiter
}

// New creates a gateway. publisher, archive, metrics and cache may each be
// nil; the corresponding fan-out is skipped.
func New(cfg Config, eng *engine.Engine, authSvc *auth.Service, publisher Publisher, archive Archiver, metrics MetricsRecorder, cache AssetCache) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		eng:       eng,
		auth:      authSvc,
		publisher: publisher,
		archive:   archive,
		metrics:   metrics,
		cache:     cache,
		breakers: circuit.NewGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		isLeader:  cfg.IsLeader,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/login", g.login)

		// Mutations: authenticated, leader-only, one height tick each.
		v1.POST("/assets", g.authMiddleware(), g.leaderMiddleware(), g.registerAsset)
		v1.POST("/assets/:id/deposits", g.authMiddleware(), g.leaderMiddleware(), g.depositReserves)
		v1.POST("/assets/:id/mint", g.authMiddleware(), g.leaderMiddleware(), g.mintTokens)
		v1.POST("/assets/:id/deactivate", g.authMiddleware(), g.leaderMiddleware(), g.deactivateAsset)
		v1.POST("/assets/:id/audits", g.authMiddleware(), g.leaderMiddleware(), g.performAudit)
		v1.POST("/auditors", g.authMiddleware(), g.leaderMiddleware(), g.authorizeAuditor)
		v1.PUT("/auditors/:id/status", g.authMiddleware(), g.leaderMiddleware(), g.setAuditorStatus)
		v1.PUT("/system/pause", g.authMiddleware(), g.leaderMiddleware(), g.setPaused)

		// Read-only queries.
		v1.GET("/assets/:id", g.getAsset)
		v1.GET("/assets/:id/ratio", g.getReserveRatio)
		v1.GET("/assets/:id/backed", g.isFullyBacked)
		v1.GET("/assets/:id/audits", g.listAudits)
		v1.GET("/auditors/:id", g.getAuditor)
		v1.GET("/system/status", g.systemStatus)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Handler exposes the router for serving and for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		callerID, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller_id", callerID)
		c.Next()
	}
}

func (g *Gateway) leaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.isLeader != nil && !g.isLeader() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "not the leader"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// nextHeight must be called with applyMu held.
func (g *Gateway) nextHeight() uint64 {
	g.height++
	return g.height
}

func caller(c *gin.Context) uuid.UUID {
	return c.MustGet("caller_id").(uuid.UUID)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrOwnerOnly), errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidAsset):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidAmount), errors.Is(err, engine.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientReserves):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrPaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.auth.Login(c.Request.Context(), req.Name, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) registerAsset(c *gin.Context) {
	var req registerAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	assetID, err := g.eng.RegisterAsset(caller(c), height, req.Symbol, req.BackingLabel, req.InitialSupply)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.fanOut(c.Request.Context(), events.AssetRegistered, height, events.AssetData{
		AssetID:      assetID,
		Symbol:       req.Symbol,
		BackingLabel: req.BackingLabel,
		TotalSupply:  req.InitialSupply,
	})
	g.recordBacking(c.Request.Context(), "register", assetID, height)

	c.JSON(http.StatusCreated, gin.H{"asset_id": assetID})
}

func (g *Gateway) depositReserves(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	total, err := g.eng.DepositReserves(caller(c), height, assetID, req.Amount)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.invalidate(c.Request.Context(), assetID)
	g.fanOut(c.Request.Context(), events.DepositRecorded, height, events.DepositData{
		AssetID:      assetID,
		Depositor:    caller(c),
		Amount:       req.Amount,
		ReserveTotal: total,
	})
	g.recordBacking(c.Request.Context(), "deposit", assetID, height)

	c.JSON(http.StatusOK, gin.H{"reserve_total": total})
}

func (g *Gateway) mintTokens(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	newSupply, err := g.eng.MintTokens(caller(c), height, assetID, req.Amount)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	ratio, _ := g.eng.GetReserveRatio(assetID)
	g.invalidate(c.Request.Context(), assetID)
	g.fanOut(c.Request.Context(), events.SupplyMinted, height, events.MintData{
		AssetID:   assetID,
		Amount:    req.Amount,
		NewSupply: newSupply,
		RatioBps:  ratio,
	})
	g.recordBacking(c.Request.Context(), "mint", assetID, height)

	c.JSON(http.StatusOK, gin.H{"new_supply": newSupply})
}

func (g *Gateway) deactivateAsset(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	err := g.eng.DeactivateAsset(caller(c), height, assetID)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.invalidate(c.Request.Context(), assetID)
	g.fanOut(c.Request.Context(), events.AssetDeactivated, height, events.AssetData{AssetID: assetID})

	c.JSON(http.StatusOK, gin.H{"asset_id": assetID, "active": false})
}

func (g *Gateway) authorizeAuditor(c *gin.Context) {
	var req auditorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	auditorID, err := uuid.Parse(req.AuditorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auditor id"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	err = g.eng.AuthorizeAuditor(caller(c), height, auditorID)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.fanOut(c.Request.Context(), events.AuditorAuthorized, height, events.AuditorData{
		Auditor:    auditorID,
		Authorized: true,
	})

	c.JSON(http.StatusOK, gin.H{"auditor": auditorID, "authorized": true})
}

func (g *Gateway) setAuditorStatus(c *gin.Context) {
	auditorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auditor id"})
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	err = g.eng.SetAuditorStatus(caller(c), height, auditorID, *req.Authorized)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.fanOut(c.Request.Context(), events.AuditorStatusChanged, height, events.AuditorData{
		Auditor:    auditorID,
		Authorized: *req.Authorized,
	})

	c.JSON(http.StatusOK, gin.H{"auditor": auditorID, "authorized": *req.Authorized})
}

func (g *Gateway) performAudit(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	var req auditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	merkleRoot, err := hex.DecodeString(req.MerkleRoot)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merkle_root is not valid hex"})
		return
	}
	proofHashes := make([][]byte, len(req.ProofHashes))
	for i, h := range req.ProofHashes {
		proofHashes[i], err = hex.DecodeString(h)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "proof hash is not valid hex"})
			return
		}
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	rec, err := g.eng.PerformAudit(caller(c), height, assetID, req.ReportedReserves, merkleRoot, proofHashes)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	g.invalidate(c.Request.Context(), assetID)
	g.fanOut(c.Request.Context(), events.AuditRecorded, height, events.AuditData{
		AuditID:  rec.ID,
		AssetID:  rec.AssetID,
		Auditor:  rec.Auditor,
		Reserves: rec.Reserves,
		Supply:   rec.Supply,
		RatioBps: rec.RatioBps,
		Verified: rec.Verified,
	})
	g.archiveAudit(c.Request.Context(), *rec)
	g.recordAudit(c.Request.Context(), *rec)

	c.JSON(http.StatusCreated, auditResponse{
		AuditID:      rec.ID,
		AssetID:      rec.AssetID,
		Auditor:      rec.Auditor,
		Reserves:     rec.Reserves,
		Supply:       rec.Supply,
		RatioBps:     rec.RatioBps,
		RatioPercent: bps.PercentString(rec.RatioBps),
		Height:       rec.Height,
		Verified:     rec.Verified,
	})
}

func (g *Gateway) setPaused(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.applyMu.Lock()
	height := g.nextHeight()
	err := g.eng.SetPaused(caller(c), height, *req.Paused)
	g.applyMu.Unlock()

	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	eventType := events.SystemResumed
	if *req.Paused {
		eventType = events.SystemPaused
	}
	g.fanOut(c.Request.Context(), eventType, height, gin.H{"paused": *req.Paused})

	c.JSON(http.StatusOK, gin.H{"paused": *req.Paused})
}

func (g *Gateway) getAsset(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	if g.cache != nil {
		if asset, hit := g.cache.GetAsset(c.Request.Context(), assetID); hit {
			c.JSON(http.StatusOK, asset)
			return
		}
	}

	asset, found := g.eng.GetAssetInfo(assetID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}

	if g.cache != nil {
		g.cache.PutAsset(c.Request.Context(), asset)
	}
	c.JSON(http.StatusOK, asset)
}

func (g *Gateway) getReserveRatio(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	ratio, err := g.eng.GetReserveRatio(assetID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset_id":      assetID,
		"ratio_bps":     ratio,
		"ratio_percent": bps.PercentString(ratio),
	})
}

func (g *Gateway) isFullyBacked(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	backed, err := g.eng.IsFullyBacked(assetID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset_id": assetID, "fully_backed": backed})
}

func (g *Gateway) listAudits(c *gin.Context) {
	assetID, ok := parseAssetID(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"audits": g.eng.ListAudits(assetID)})
}

func (g *Gateway) getAuditor(c *gin.Context) {
	auditorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auditor id"})
		return
	}

	rec, found := g.eng.GetAuditor(auditorID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "auditor not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) systemStatus(c *gin.Context) {
	snap := g.eng.Snapshot()
	leader := g.isLeader == nil || g.isLeader()
	c.JSON(http.StatusOK, gin.H{
		"assets":      snap.Assets,
		"audits":      snap.Audits,
		"paused":      snap.Paused,
		"last_height": snap.LastHeight,
		"leader":      leader,
		"sinks":       g.breakers.States(),
	})
}

// Fan-out

// fanOut publishes to the bus and broadcasts to WebSocket subscribers.
// Sinks are best-effort: a failed publish never fails the applied call.
func (g *Gateway) fanOut(ctx context.Context, eventType string, height uint64, data interface{}) {
	event, err := events.NewEvent(eventType, height, data)
	if err != nil {
		log.Printf("failed to build %s event: %v", eventType, err)
		return
	}

	if g.publisher != nil {
		err := g.breakers.Execute(ctx, "bus", func() error {
			return g.publisher.Publish(ctx, eventType, event)
		})
		if err != nil {
			log.Printf("failed to publish %s: %v", eventType, err)
		}
	}

	g.broadcast(event)
}

func (g *Gateway) archiveAudit(ctx context.Context, rec engine.AuditRecord) {
	if g.archive == nil {
		return
	}
	err := g.breakers.Execute(ctx, "archive", func() error {
		return g.archive.ArchiveAudit(ctx, rec)
	})
	if err != nil {
		log.Printf("failed to archive audit %d: %v", rec.ID, err)
	}
}

func (g *Gateway) recordBacking(ctx context.Context, operation string, assetID, height uint64) {
	if g.metrics == nil {
		return
	}
	asset, found := g.eng.GetAssetInfo(assetID)
	if !found {
		return
	}
	ratio := engine.Ratio(asset.ReserveAmount, asset.TotalSupply)
	err := g.breakers.Execute(ctx, "metrics", func() error {
		return g.metrics.RecordBacking(ctx, operation, assetID, asset.ReserveAmount, asset.TotalSupply, ratio, height)
	})
	if err != nil {
		log.Printf("failed to record %s metrics: %v", operation, err)
	}
}

func (g *Gateway) recordAudit(ctx context.Context, rec engine.AuditRecord) {
	if g.metrics == nil {
		return
	}
	err := g.breakers.Execute(ctx, "metrics", func() error {
		return g.metrics.RecordAudit(ctx, rec.AssetID, rec.ID, rec.RatioBps, rec.Verified)
	})
	if err != nil {
		log.Printf("failed to record audit metrics: %v", err)
	}
}

func (g *Gateway) invalidate(ctx context.Context, assetID uint64) {
	if g.cache != nil {
		g.cache.InvalidateAsset(ctx, assetID)
	}
}

// WebSocket handling

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	// The stream is broadcast-only; reads exist to detect disconnects.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcast(event *events.BaseEvent) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	if len(g.wsClients) == 0 {
		return
	}

	payload, err := marshalEvent(event)
	if err != nil {
		return
	}

	for _, client := range g.wsClients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop the frame rather than block the call.
		}
	}
}

// Rate limiting (sliding window per client IP)

type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
