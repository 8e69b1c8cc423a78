package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/acknowledgment"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/escalationqueue"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/orphan"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/submission"
	"github.com/Moirai-Labs/fates/core/pkg/threshold"
)

type apiFixture struct {
	store  petition.Store
	ledger *eventledger.MemoryLedger
	gate   *haltgate.Gate
	auth   *Authenticator
	server *Server
	http   http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := petition.NewMemoryStore()
	ledger := eventledger.NewMemoryLedger()
	gate := haltgate.New()

	coordinator, err := fate.NewCoordinator(store, ledger, gate)
	require.NoError(t, err)

	realms := submission.NewRealmRegistry("governance",
		submission.Realm{Name: "crown", KingID: "king-1"})
	svc := submission.NewService(store, ledger, coordinator, gate, realms).
		WithThreshold(threshold.NewExecutor(store, coordinator, gate))
	ackExec := acknowledgment.NewExecutor(acknowledgment.NewMemoryStore(), store, coordinator, gate)
	queue := escalationqueue.New(store, gate).
		WithRealmAuthority(realms).
		WithEvents(ledger).
		WithAcknowledgments(ackExec)

	auth := NewAuthenticator("test-secret")
	server := NewServer(svc, queue, ackExec, gate).WithAuth(auth)
	return &apiFixture{
		store:  store,
		ledger: ledger,
		gate:   gate,
		auth:   auth,
		server: server,
		http:   server.Handler(),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) token(t *testing.T, subject, realm string, roles ...string) string {
	t.Helper()
	tok, err := f.auth.Sign(&Claims{
		RegisteredClaims: jwtRegistered(subject),
		Roles:            roles,
		Realm:            realm,
	})
	require.NoError(t, err)
	return tok
}

func jwtRegistered(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GENERAL", "text": "repair the harbor wall", "submitter_id": "citizen-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "RECEIVED", body["state"])
	assert.Equal(t, "governance", body["realm"])
	assert.NotEmpty(t, body["petition_id"])
	assert.True(t, strings.HasPrefix(body["content_hash"].(string), "blake2b:"))
	assert.NotEmpty(t, body["status_token"])
}

func TestSubmitRejectsInvalid(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "DECREE", "text": "x",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	body := decodeBody(t, rec)
	assert.Equal(t, "Bad Request", body["title"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])

	rec = f.do(t, http.MethodGet, "/v1/petitions", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusTokenLongPoll(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GENERAL", "text": "repave the east road", "submitter_id": "citizen-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["petition_id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/petitions/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/v1/petitions/"+id, nil)
	req.RemoteAddr = "192.0.2.1:50000"
	req.Header.Set("If-None-Match", etag)
	unchanged := httptest.NewRecorder()
	f.http.ServeHTTP(unchanged, req)
	assert.Equal(t, http.StatusNotModified, unchanged.Code)

	// A fate changes the token, so the same If-None-Match now misses.
	rec = f.do(t, http.MethodPost, "/v1/petitions/"+id+"/withdraw", "", map[string]any{
		"requester_id": "citizen-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/petitions/"+id, nil)
	req.RemoteAddr = "192.0.2.1:50000"
	req.Header.Set("If-None-Match", etag)
	changed := httptest.NewRecorder()
	f.http.ServeHTTP(changed, req)
	assert.Equal(t, http.StatusOK, changed.Code)
	assert.NotEqual(t, etag, changed.Header().Get("ETag"))
}

func TestStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/petitions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoSignEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GRIEVANCE", "text": "the mill levy is unjust", "submitter_id": "citizen-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["petition_id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/petitions/"+id+"/cosign", "", map[string]any{
		"signer_id": "citizen-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["co_signer_count"])

	rec = f.do(t, http.MethodPost, "/v1/petitions/"+id+"/cosign", "", map[string]any{
		"signer_id": "citizen-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWithdrawAuthorizationMapsTo401(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GENERAL", "text": "lower the ferry toll", "submitter_id": "citizen-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["petition_id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/petitions/"+id+"/withdraw", "", map[string]any{
		"requester_id": "citizen-9",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHaltAdminSurface(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/halt", "", map[string]any{"reason": "incident"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	kingToken := f.token(t, "king-1", "crown", RoleKing)
	rec = f.do(t, http.MethodPost, "/v1/admin/halt", kingToken, map[string]any{"reason": "incident"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := f.token(t, "operator-1", "", RoleAdmin)
	rec = f.do(t, http.MethodPost, "/v1/admin/halt", adminToken, map[string]any{"reason": "incident"})
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decodeBody(t, rec)
	assert.Equal(t, "ACTIVE→HALTED", receipt["transition"])
	assert.Equal(t, "operator-1", receipt["initiated_by"])

	// Writes refuse with 503 while halted.
	rec = f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GENERAL", "text": "anything",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodDelete, "/v1/admin/halt", adminToken, map[string]any{"reason": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HALTED→ACTIVE", decodeBody(t, rec)["transition"])

	rec = f.do(t, http.MethodPost, "/v1/petitions", "", map[string]any{
		"type": "GENERAL", "text": "works again", "submitter_id": "citizen-1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestOrphanReprocessAdminSurface(t *testing.T) {
	f := newAPIFixture(t)
	coordinator, err := fate.NewCoordinator(f.store, f.ledger, f.gate)
	require.NoError(t, err)
	monitor := orphan.NewMonitor(f.store, f.ledger).
		WithOrchestrator(orphan.NewFateOrchestrator(coordinator))
	f.http = f.server.WithOrphans(monitor).Handler()

	ctx := context.Background()
	now := time.Now().UTC()
	p := &contracts.Petition{
		ID:        contracts.NewID(),
		Type:      contracts.PetitionTypeGeneral,
		Text:      "stalled since the last harvest",
		State:     contracts.StateReceived,
		Realm:     "governance",
		CreatedAt: now.Add(-48 * time.Hour),
		UpdatedAt: now.Add(-48 * time.Hour),
	}
	require.NoError(t, f.store.Save(ctx, p))
	body := map[string]any{"petition_ids": []string{p.ID}, "reason": "stuck beyond threshold"}

	rec := f.do(t, http.MethodPost, "/v1/admin/orphans/reprocess", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	kingToken := f.token(t, "king-1", "crown", RoleKing)
	rec = f.do(t, http.MethodPost, "/v1/admin/orphans/reprocess", kingToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := f.token(t, "operator-1", "", RoleAdmin)
	rec = f.do(t, http.MethodGet, "/v1/admin/orphans/reprocess", adminToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/orphans/reprocess", adminToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)
	success := result["success"].([]any)
	require.Len(t, success, 1)
	assert.Equal(t, p.ID, success[0])

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateDeliberating, got.State)

	// Empty id lists are rejected.
	rec = f.do(t, http.MethodPost, "/v1/admin/orphans/reprocess", adminToken, map[string]any{
		"petition_ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrphanReprocessUnwired(t *testing.T) {
	f := newAPIFixture(t)
	adminToken := f.token(t, "operator-1", "", RoleAdmin)
	rec := f.do(t, http.MethodPost, "/v1/admin/orphans/reprocess", adminToken, map[string]any{
		"petition_ids": []string{"p-1"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func escalateDirect(t *testing.T, store petition.Store, realm string) *contracts.Petition {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	p := &contracts.Petition{
		ID:        contracts.NewID(),
		Type:      contracts.PetitionTypeGrievance,
		Text:      "the border toll doubles every season",
		State:     contracts.StateReceived,
		Realm:     realm,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Save(ctx, p))
	_, err := store.AssignFateCAS(ctx, p.ID, contracts.StateReceived, contracts.StateEscalated,
		"system:threshold", &petition.EscalationMark{
			Source:  contracts.EscalationSourceCoSignerThreshold,
			ToRealm: realm,
		})
	require.NoError(t, err)
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	return got
}

func TestKingEscalationRoutes(t *testing.T) {
	f := newAPIFixture(t)
	p := escalateDirect(t, f.store, "crown")
	kingToken := f.token(t, "king-1", "crown", RoleKing)

	rec := f.do(t, http.MethodGet, "/v1/kings/king-1/escalations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/kings/king-2/escalations", kingToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/kings/king-1/escalations?limit=10", kingToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody(t, rec)
	items := page["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, p.ID, items[0].(map[string]any)["petition_id"])

	rec = f.do(t, http.MethodGet, "/v1/kings/king-1/escalations?limit=bogus", kingToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/kings/escalations/"+p.ID, kingToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pkg := decodeBody(t, rec)
	require.NotNil(t, pkg["petition"])
	assert.Equal(t, p.ID, pkg["petition"].(map[string]any)["id"])

	rationale := strings.Repeat("the crown has weighed this grievance carefully; ", 3)
	rec = f.do(t, http.MethodPost, "/v1/kings/escalations/"+p.ID+"/acknowledge", kingToken, map[string]any{
		"reason_code": "ADDRESSED",
		"rationale":   rationale,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ack := decodeBody(t, rec)
	assert.Equal(t, "king-1", ack["acknowledged_by_king_id"])

	// The petition remains ESCALATED; the acknowledgment is record-only.
	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, got.State)

	rec = f.do(t, http.MethodPost, "/v1/kings/escalations/"+p.ID+"/acknowledge", kingToken, map[string]any{
		"reason_code": "ADDRESSED",
		"rationale":   rationale,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestKingAcknowledgeShortRationale(t *testing.T) {
	f := newAPIFixture(t)
	p := escalateDirect(t, f.store, "crown")
	kingToken := f.token(t, "king-1", "crown", RoleKing)

	rec := f.do(t, http.MethodPost, "/v1/kings/escalations/"+p.ID+"/acknowledge", kingToken, map[string]any{
		"reason_code": "ADDRESSED",
		"rationale":   "too short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	f := newAPIFixture(t)
	f.http = f.server.WithRateLimiter(NewRateLimiter(1, 1)).Handler()

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["halted"])
}
