package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"agentmesh/audit"
	"agentmesh/crypto"
	"agentmesh/directory"
	"agentmesh/identity"
	"agentmesh/interaction"
	"agentmesh/ledger"
	"agentmesh/storage"
	"agentmesh/trust"
)

const testSecret = "test-secret"

type serverFixture struct {
	handler http.Handler
	node    *ledger.Node
	dir     *directory.Store
	token   string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := Config{
		JWTSecret:      testSecret,
		JWTIssuer:      "agent-gateway",
		JWTAudience:    "agent-mesh",
		TrustThreshold: 40,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}

	auditStore, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	dir, err := directory.NewStore(filepath.Join(t.TempDir(), "directory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	interactions, err := interaction.NewStore(filepath.Join(t.TempDir(), "interactions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = interactions.Close() })

	node := ledger.NewNode(ledger.NewState(storage.NewMemDB()))
	node.SetEmitter(audit.NewEmitter(auditStore, nil))

	resolver := identity.NewReconciler(dir, node)
	scores := trust.NewAggregator(node, dir, interactions)
	gate := interaction.NewGate(interactions, resolver, scores)
	gate.SetThreshold(cfg.TrustThreshold)

	auth := NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, slog.Default())
	server := NewServer(node, dir, resolver, scores, gate, auditStore, auth, cfg, slog.Default())

	claims := jwt.RegisteredClaims{
		Subject:   "test-client",
		Issuer:    cfg.JWTIssuer,
		Audience:  jwt.ClaimStrings{cfg.JWTAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	return &serverFixture{handler: server.Handler(), node: node, dir: dir, token: token}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func newFundedAddress(t *testing.T, node *ledger.Node, fill byte, amount int64) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	addr := crypto.MustAddress(raw)
	if amount > 0 {
		require.NoError(t, node.State().Mint(addr.Raw(), big.NewInt(amount)))
	}
	return addr
}

func TestRequestsRequireBearerToken(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/agents/ghost", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	payer := newFundedAddress(t, f.node, 0x01, 1_000)
	payee := newFundedAddress(t, f.node, 0x02, 0)

	rec := f.do(t, http.MethodPost, "/v1/escrows", map[string]interface{}{
		"payer":       payer.String(),
		"payee":       payee.String(),
		"amount":      "400",
		"description": "render job",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created escrowDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "active", created.Status)

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+created.ID+"/release", map[string]string{
		"caller": payer.String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Settled escrows reject further transitions.
	rec = f.do(t, http.MethodPost, "/v1/escrows/"+created.ID+"/refund", map[string]string{
		"caller": payee.String(),
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestReleaseNudgesLocalScores(t *testing.T) {
	f := newServerFixture(t)
	payer := newFundedAddress(t, f.node, 0x01, 1_000)
	payee := newFundedAddress(t, f.node, 0x02, 0)

	for id, addr := range map[string]string{"payer-bot": payer.String(), "payee-bot": payee.String()} {
		rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
			"agentId":      id,
			"displayName":  id,
			"capabilities": []string{"render"},
			"address":      addr,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/escrows", map[string]interface{}{
		"payer":       payer.String(),
		"payee":       payee.String(),
		"amount":      "400",
		"description": "render job",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created escrowDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+created.ID+"/release", map[string]string{
		"caller": payer.String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, id := range []string{"payer-bot", "payee-bot"} {
		profile, found, err := f.dir.GetProfile(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, directory.DefaultLocalScore+trust.SuccessNudge, profile.LocalScore)
	}
}

func TestFaultMapping(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/escrows/"+string(bytes.Repeat([]byte("0"), 64)), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/escrows/zzz", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payer := newFundedAddress(t, f.node, 0x01, 10)
	payee := newFundedAddress(t, f.node, 0x02, 0)
	rec = f.do(t, http.MethodPost, "/v1/escrows", map[string]interface{}{
		"payer":       payer.String(),
		"payee":       payee.String(),
		"amount":      "-5",
		"description": "render job",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotencyReplay(t *testing.T) {
	f := newServerFixture(t)
	payer := newFundedAddress(t, f.node, 0x01, 1_000)
	payee := newFundedAddress(t, f.node, 0x02, 0)

	body := map[string]interface{}{
		"payer":       payer.String(),
		"payee":       payee.String(),
		"amount":      "100",
		"description": "render job",
	}
	headers := map[string]string{"Idempotency-Key": "op-1"}

	first := f.do(t, http.MethodPost, "/v1/escrows", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := f.do(t, http.MethodPost, "/v1/escrows", body, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, first.Body.String(), replay.Body.String())

	// Same key with a different payload is rejected.
	body["amount"] = "200"
	mismatch := f.do(t, http.MethodPost, "/v1/escrows", body, headers)
	require.Equal(t, http.StatusConflict, mismatch.Code)
}

func TestAgentRegistrationAndTrust(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"agentId":         "agent-1",
		"displayName":     "Render Bot",
		"capabilities":    []string{"render"},
		"custodial":       true,
		"registerOnChain": true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var agent identity.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	require.Equal(t, identity.SourceReconciled, agent.Source)
	require.Equal(t, directory.PaymentModeCustodial, agent.PaymentMode)
	require.NotEmpty(t, agent.RegistryID)

	rec = f.do(t, http.MethodGet, "/v1/agents/agent-1/trust", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var score trust.Score
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &score))
	require.InDelta(t, 50.0, score.Overall, 0.001)
}

func TestCustodialReRegistrationKeepsAddress(t *testing.T) {
	f := newServerFixture(t)

	register := func(displayName string) identity.Agent {
		rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
			"agentId":      "agent-1",
			"displayName":  displayName,
			"capabilities": []string{"render"},
			"custodial":    true,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		var agent identity.Agent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
		return agent
	}

	first := register("Render Bot")
	require.NotEmpty(t, first.Address)

	second := register("Render Bot v2")
	require.Equal(t, first.Address, second.Address)
	require.Equal(t, "Render Bot v2", second.DisplayName)
}

func TestInteractionGateOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	for i, id := range []string{"agent-1", "agent-2"} {
		rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
			"agentId":      id,
			"displayName":  id,
			"capabilities": []string{"render"},
			"address":      newFundedAddress(t, f.node, byte(0x10+i), 0).String(),
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/interactions", map[string]string{
		"initiator":   "agent-1",
		"counterpart": "agent-2",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created interaction.Interaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/v1/interactions/"+created.ID.String()+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Denial path: a counterpart with no history and a cratered local
	// standing scores well below the threshold.
	rec = f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"agentId":      "agent-3",
		"displayName":  "agent-3",
		"capabilities": []string{"render"},
		"address":      newFundedAddress(t, f.node, 0x30, 0).String(),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	_, err := f.dir.AdjustScore("agent-3", -100)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/v1/interactions", map[string]string{
		"initiator":   "agent-1",
		"counterpart": "agent-3",
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var denial map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denial))
	require.Equal(t, "TRUST_TOO_LOW", denial["code"])
}
