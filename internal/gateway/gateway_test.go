package gateway_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreserve/reserved/internal/auth"
	"github.com/openreserve/reserved/internal/engine"
	"github.com/openreserve/reserved/internal/gateway"
)

var (
	ownerID   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	auditorID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	userID    = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

type testEnv struct {
	gw      *gateway.Gateway
	eng     *engine.Engine
	tokens  map[uuid.UUID]string
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := engine.New(ownerID)
	authSvc := auth.NewService(nil, "test-secret", time.Hour)

	gw := gateway.New(gateway.Config{}, eng, authSvc, nil, nil, nil, nil)

	tokens := make(map[uuid.UUID]string)
	for _, id := range []uuid.UUID{ownerID, auditorID, userID} {
		token, err := authSvc.IssueToken(id, "")
		require.NoError(t, err)
		tokens[id] = token
	}

	return &testEnv{gw: gw, eng: eng, tokens: tokens, handler: gw.Handler()}
}

func (env *testEnv) do(t *testing.T, method, path string, as uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+env.tokens[as])
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (env *testEnv) registerAsset(t *testing.T, supply uint64) uint64 {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/assets", ownerID, gin.H{
		"symbol":         "USDX",
		"backing_label":  "cash",
		"initial_supply": supply,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return uint64(decode(t, rec)["asset_id"].(float64))
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	t.Run("should reject requests without a token", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/assets", uuid.Nil, gin.H{
			"symbol": "USDX", "backing_label": "cash",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should reject a garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/assets", bytes.NewBufferString("{}"))
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should serve health without a token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/health", uuid.Nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAssetRoutes(t *testing.T) {
	t.Run("should register an asset and return its id", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000)
		assert.Equal(t, uint64(1), id)
	})

	t.Run("should reject a zero initial supply", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/assets", ownerID, gin.H{
			"symbol": "USDX", "backing_label": "cash", "initial_supply": 0,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should refuse registration from a non-owner", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/assets", userID, gin.H{
			"symbol": "USDX", "backing_label": "cash",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should serve asset info", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000_000)

		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d", id), uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "USDX", body["symbol"])
		assert.Equal(t, float64(1_000_000), body["total_supply"])
	})

	t.Run("should 404 an unknown asset", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/api/v1/assets/99", uuid.Nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should 400 a non-numeric asset id", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/api/v1/assets/abc", uuid.Nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should deactivate an asset", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deactivate", id), ownerID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 100})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDepositAndMint(t *testing.T) {
	t.Run("should record deposits and report the running total", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 500})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(500), decode(t, rec)["reserve_total"])

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 250})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(750), decode(t, rec)["reserve_total"])
	})

	t.Run("should reject a zero deposit", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should mint when reserves cover the minimum ratio", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000_000)
		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 3_000_000})

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/mint", id), ownerID, gin.H{"amount": 500_000})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, float64(1_500_000), decode(t, rec)["new_supply"])
	})

	t.Run("should refuse a mint that breaches the ratio with 422", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000_000)
		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 2_000_000})

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/mint", id), ownerID, gin.H{"amount": 500_000})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d", id), uuid.Nil, nil)
		assert.Equal(t, float64(1_000_000), decode(t, rec)["total_supply"])
	})

	t.Run("should refuse a mint from a non-owner", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/mint", id), userID, gin.H{"amount": 100})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRatioRoutes(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAsset(t, 1_500_000)
	env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 2_000_000})

	t.Run("should report the ratio in basis points and percent", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d/ratio", id), uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(13333), body["ratio_bps"])
		assert.Equal(t, "133.33%", body["ratio_percent"])
	})

	t.Run("should report backing below the minimum as not fully backed", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d/backed", id), uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["fully_backed"])
	})

	t.Run("should 404 ratio queries for unknown assets", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/assets/99/ratio", uuid.Nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAuditorRoutes(t *testing.T) {
	env := newTestEnv(t)

	t.Run("should authorize an auditor", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/auditors", ownerID, gin.H{"auditor_id": auditorID.String()})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/v1/auditors/"+auditorID.String(), uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["authorized"])
	})

	t.Run("should revoke via the status route", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/auditors/"+auditorID.String()+"/status", ownerID, gin.H{"authorized": false})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/v1/auditors/"+auditorID.String(), uuid.Nil, nil)
		assert.Equal(t, false, decode(t, rec)["authorized"])
	})

	t.Run("should refuse registry changes from non-owners", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/auditors", userID, gin.H{"auditor_id": auditorID.String()})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should 400 a malformed auditor id", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/auditors", ownerID, gin.H{"auditor_id": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuditRoutes(t *testing.T) {
	fragment := func(b byte) string {
		frag := make([]byte, 32)
		for i := range frag {
			frag[i] = b
		}
		return hex.EncodeToString(frag)
	}
	validRoot := func(t *testing.T, reported uint64, frags ...string) string {
		t.Helper()
		raw := make([][]byte, len(frags))
		for i, f := range frags {
			b, err := hex.DecodeString(f)
			require.NoError(t, err)
			raw[i] = b
		}
		root, err := engine.ChainedRoot(reported, raw)
		require.NoError(t, err)
		return hex.EncodeToString(root)
	}

	setup := func(t *testing.T) (*testEnv, uint64) {
		env := newTestEnv(t)
		id := env.registerAsset(t, 1_000_000)
		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 2_000_000})
		rec := env.do(t, http.MethodPost, "/api/v1/auditors", ownerID, gin.H{"auditor_id": auditorID.String()})
		require.Equal(t, http.StatusOK, rec.Code)
		return env, id
	}

	t.Run("should record a verified audit", func(t *testing.T) {
		env, id := setup(t)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), auditorID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       validRoot(t, 2_000_000, fragment(0xAA)),
			"proof_hashes":      []string{fragment(0xAA)},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, float64(1), body["audit_id"])
		assert.Equal(t, true, body["verified"])
		assert.Equal(t, "200%", body["ratio_percent"])
	})

	t.Run("should record a root mismatch as unverified", func(t *testing.T) {
		env, id := setup(t)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), auditorID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       fragment(0x01),
			"proof_hashes":      []string{fragment(0xAA)},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, false, decode(t, rec)["verified"])
	})

	t.Run("should refuse audits from unauthorized callers", func(t *testing.T) {
		env, id := setup(t)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), userID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       validRoot(t, 2_000_000),
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should 400 a non-hex merkle root", func(t *testing.T) {
		env, id := setup(t)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), auditorID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       "zzzz",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should 400 a structurally invalid proof", func(t *testing.T) {
		env, id := setup(t)

		frags := make([]string, 11)
		for i := range frags {
			frags[i] = fragment(byte(i))
		}
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), auditorID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       validRoot(t, 2_000_000),
			"proof_hashes":      frags,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should list recorded audits", func(t *testing.T) {
		env, id := setup(t)

		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/audits", id), auditorID, gin.H{
			"reported_reserves": 2_000_000,
			"merkle_root":       validRoot(t, 2_000_000),
		})

		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d/audits", id), uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		audits := decode(t, rec)["audits"].([]interface{})
		assert.Len(t, audits, 1)
	})
}

func TestPauseRoutes(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAsset(t, 1_000)

	t.Run("should gate mutations with 503 while paused", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/system/pause", ownerID, gin.H{"paused": true})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 100})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("should still serve reads while paused", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%d", id), uuid.Nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should resume", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/system/pause", ownerID, gin.H{"paused": false})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/assets/%d/deposits", id), userID, gin.H{"amount": 100})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should refuse pause changes from non-owners", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/system/pause", userID, gin.H{"paused": true})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)
	env.registerAsset(t, 1_000)

	rec := env.do(t, http.MethodGet, "/api/v1/system/status", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["assets"])
	assert.Equal(t, false, body["paused"])
	assert.Equal(t, true, body["leader"])
}

func TestLeaderGating(t *testing.T) {
	gin.SetMode(gin.TestMode)

	eng := engine.New(ownerID)
	authSvc := auth.NewService(nil, "test-secret", time.Hour)
	gw := gateway.New(gateway.Config{IsLeader: func() bool { return false }}, eng, authSvc, nil, nil, nil, nil)

	token, err := authSvc.IssueToken(ownerID, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets",
		bytes.NewBufferString(`{"symbol":"USDX","backing_label":"cash"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	t.Run("should still serve reads on followers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/system/status", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimiting(t *testing.T) {
	gin.SetMode(gin.TestMode)

	eng := engine.New(ownerID)
	authSvc := auth.NewService(nil, "test-secret", time.Hour)
	gw := gateway.New(gateway.Config{RateLimitMax: 3, RateLimitWindow: time.Minute}, eng, authSvc, nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
