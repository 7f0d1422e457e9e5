package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/ratelimit"
	"fleetwatch/internal/realtime"
	"fleetwatch/internal/rulesync"
	"fleetwatch/internal/store"
)

const (
	testEnrollmentKey = "enroll-secret"
	testSecret        = "signing-secret"
	testOperatorToken = "operator-token"
)

type recordedCommand struct {
	machineID string
	command   any
}

type fakeCommandSender struct {
	sent []recordedCommand
}

func (f *fakeCommandSender) SendCommand(machineID string, command any) error {
	f.sent = append(f.sent, recordedCommand{machineID: machineID, command: command})
	return nil
}

type fakeRuleBroadcaster struct {
	changes []*model.RuleChange
}

func (f *fakeRuleBroadcaster) BroadcastRuleChange(change *model.RuleChange) error {
	f.changes = append(f.changes, change)
	return nil
}

type testEnv struct {
	server   *Server
	store    *store.MemoryStore
	verifier *auth.Verifier
	commands *fakeCommandSender
	rulePush *fakeRuleBroadcaster
	sink     *notify.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	verifier := auth.NewVerifier(testSecret, true)
	rulePush := &fakeRuleBroadcaster{}
	commands := &fakeCommandSender{}

	validator, err := ingest.NewSchemaValidator()
	require.NoError(t, err)

	dispatcher := notify.NewDispatcher(st, []notify.Channel{notify.NewDatabaseChannel(st)}, m, logger)

	server := NewServer(Deps{
		Store:         st,
		Authenticator: auth.NewAuthenticator(st, 64, logger),
		Enroller:      auth.NewEnroller(testEnrollmentKey),
		Verifier:      verifier,
		Limiter:       ratelimit.NewLimiter(ratelimit.NewMemoryCounter()),
		SyncEngine:    rulesync.NewEngine(st, rulePush, logger),
		Pipeline:      ingest.NewPipeline(st, validator, dispatcher, m, logger),
		Authorizer:    realtime.NewAuthorizer(),
		Commands:      commands,
		OperatorToken: testOperatorToken,
		Metrics:       m,
		Logger:        logger,
	})

	return &testEnv{server: server, store: st, verifier: verifier, commands: commands, rulePush: rulePush, sink: dispatcher}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// register enrolls a machine through the API and returns its ID and key.
func (e *testEnv) register(t *testing.T, hostname string) (string, string) {
	t.Helper()
	body := fmt.Sprintf(`{"hostname":%q}`, hostname)
	req := httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewBufferString(body))
	req.Header.Set(HeaderEnrollmentKey, testEnrollmentKey)
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		MachineID string `json:"machine_id"`
		APIKey    string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.APIKey)
	return resp.MachineID, resp.APIKey
}

// signedRequest builds an authenticated, signed agent request.
func (e *testEnv) signedRequest(method, path, apiKey string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderSignature, e.verifier.Sign(body))
	return req
}

func TestRegister_RequiresEnrollmentKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewBufferString(`{"hostname":"web-01"}`))
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewBufferString(`{"hostname":"web-01"}`))
	req.Header.Set(HeaderEnrollmentKey, "wrong")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeat_SignedRequestUpdatesLastSeen(t *testing.T) {
	env := newTestEnv(t)
	machineID, apiKey := env.register(t, "web-01")

	// Age the machine so the touch is observable.
	stale := time.Now().Add(-time.Hour).UTC()
	m, err := env.store.GetMachine(context.Background(), machineID)
	require.NoError(t, err)
	m.LastSeen = stale
	require.NoError(t, env.store.CreateMachine(context.Background(), m))

	rec := env.do(env.signedRequest(http.MethodPost, "/agents/heartbeat", apiKey, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	touched, err := env.store.GetMachine(context.Background(), machineID)
	require.NoError(t, err)
	assert.True(t, touched.LastSeen.After(stale))
}

func TestHeartbeat_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/agents/heartbeat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_credential")
}

func TestHeartbeat_MissingSignature(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	req := httptest.NewRequest(http.MethodPost, "/agents/heartbeat", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_signature")
}

func TestEvents_TamperedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	body := []byte(`{"events":[{"type":"cpu","timestamp":"2026-08-31T10:00:00Z"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, apiKey)
	// Signature computed over a different body.
	req.Header.Set(HeaderSignature, env.verifier.Sign([]byte(`{"events":[]}`)))
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature")
}

func TestEvents_PartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	body := []byte(`{"events":[
		{"type":"cpu","timestamp":"2026-08-31T10:00:00Z","value":12},
		{"timestamp":"2026-08-31T10:00:00Z"}
	]}`)
	rec := env.do(env.signedRequest(http.MethodPost, "/events", apiKey, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ingest.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}

func TestRulesSync_ReadOnlyNoSignature(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	req := httptest.NewRequest(http.MethodGet, "/rules/sync", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result rulesync.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Changes)
	assert.Zero(t, result.Watermark)
}

func TestRuleCRUDFeedsSync(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	ruleBody := `{"name":"high cpu","event_type":"cpu","threshold":90,"severity":"critical"}`
	req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBufferString(ruleBody))
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Mutation was pushed at mutation time.
	require.Len(t, env.rulePush.changes, 1)
	assert.Equal(t, model.ChangeCreated, env.rulePush.changes[0].Kind)

	// And shows up in pull sync.
	syncReq := httptest.NewRequest(http.MethodGet, "/rules/sync?since=0", nil)
	syncReq.Header.Set(HeaderAPIKey, apiKey)
	syncRec := env.do(syncReq)
	require.Equal(t, http.StatusOK, syncRec.Code)

	var result rulesync.Result
	require.NoError(t, json.Unmarshal(syncRec.Body.Bytes(), &result))
	require.Len(t, result.Changes, 1)
	assert.Equal(t, int64(1), result.Watermark)
}

func TestRuleCRUD_RequiresOperatorToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewBufferString(`{}`))
	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAgentUpdate_NoContent(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	req := httptest.NewRequest(http.MethodGet, "/agents/update", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWatchdogAlert_RateLimit(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	body := []byte(`{"severity":"warning","title":"watchdog tripped","description":"agent saw trouble"}`)

	// Request #10 within the window is accepted, request #11 is rejected.
	for i := int64(1); i <= ratelimit.ClassWatchdog.Limit; i++ {
		rec := env.do(env.signedRequest(http.MethodPost, "/agents/watchdog-alert", apiKey, body))
		require.Equal(t, http.StatusCreated, rec.Code, "request %d: %s", i, rec.Body.String())
	}
	rec := env.do(env.signedRequest(http.MethodPost, "/agents/watchdog-alert", apiKey, body))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestWatchdogAlert_InvalidSeverity(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.register(t, "web-01")

	body := []byte(`{"severity":"catastrophic","title":"t"}`)
	rec := env.do(env.signedRequest(http.MethodPost, "/agents/watchdog-alert", apiKey, body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_failed")
}

func TestDisableMidSession(t *testing.T) {
	env := newTestEnv(t)
	machineID, apiKey := env.register(t, "web-01")

	// Valid heartbeat first, so the credential is cached.
	rec := env.do(env.signedRequest(http.MethodPost, "/agents/heartbeat", apiKey, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	disable := httptest.NewRequest(http.MethodPost, "/machines/"+machineID+"/disable", nil)
	disable.Header.Set("Authorization", "Bearer "+testOperatorToken)
	rec = env.do(disable)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The very next request with the previously valid key fails.
	rec = env.do(env.signedRequest(http.MethodPost, "/agents/heartbeat", apiKey, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_credential")
}

func TestAlertTransitions(t *testing.T) {
	env := newTestEnv(t)
	machineID, apiKey := env.register(t, "web-01")

	body := []byte(`{"severity":"critical","title":"disk failure","description":"imminent"}`)
	rec := env.do(env.signedRequest(http.MethodPost, "/agents/watchdog-alert", apiKey, body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, machineID, alert.MachineID)

	ack := httptest.NewRequest(http.MethodPost, "/alerts/"+alert.ID+"/acknowledge", nil)
	ack.Header.Set("Authorization", "Bearer "+testOperatorToken)
	require.Equal(t, http.StatusNoContent, env.do(ack).Code)

	stored, err := env.store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)
	assert.False(t, stored.Resolved)
}

func TestRealtimeAuth(t *testing.T) {
	env := newTestEnv(t)
	machineID, apiKey := env.register(t, "web-01")

	authReq := func(channel, key, token string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"channel":%q}`, channel)
		req := httptest.NewRequest(http.MethodPost, "/realtime/auth", bytes.NewBufferString(body))
		if key != "" {
			req.Header.Set(HeaderAPIKey, key)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return env.do(req)
	}

	// Rules channel is public.
	assert.Equal(t, http.StatusOK, authReq("rules", "", "").Code)
	// Dashboard needs the operator session.
	assert.Equal(t, http.StatusForbidden, authReq("dashboard", apiKey, "").Code)
	assert.Equal(t, http.StatusForbidden, authReq("dashboard", "", "not-the-token").Code)
	assert.Equal(t, http.StatusOK, authReq("dashboard", "", testOperatorToken).Code)
	// A machine may join its own command channel, nobody else's.
	assert.Equal(t, http.StatusOK, authReq(realtime.MachineChannel(machineID), apiKey, "").Code)
	assert.Equal(t, http.StatusForbidden, authReq(realtime.MachineChannel("other"), apiKey, "").Code)
}

func TestRemoteIdentity(t *testing.T) {
	assert.Equal(t, "10.0.0.1", remoteIdentity("10.0.0.1:52844"))
	assert.Equal(t, "2001:db8::1", remoteIdentity("[2001:db8::1]:443"))
	// RealIP leaves a bare address with no port.
	assert.Equal(t, "10.0.0.1", remoteIdentity("10.0.0.1"))
	assert.Equal(t, "2001:db8::1", remoteIdentity("2001:db8::1"))
}

func TestSendCommand(t *testing.T) {
	env := newTestEnv(t)
	machineID, _ := env.register(t, "web-01")

	req := httptest.NewRequest(http.MethodPost, "/machines/"+machineID+"/command",
		bytes.NewBufferString(`{"action":"restart-agent"}`))
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	rec := env.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.commands.sent, 1)
	assert.Equal(t, machineID, env.commands.sent[0].machineID)
}
