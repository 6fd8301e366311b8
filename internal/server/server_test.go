package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sessionwire/sessionwire/internal/auth"
	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/envelope"
	"github.com/sessionwire/sessionwire/internal/registry"
	"github.com/sessionwire/sessionwire/internal/server"
	"github.com/sessionwire/sessionwire/internal/syncworker"
)

type testAPI struct {
	t      *testing.T
	ts     *httptest.Server
	client *http.Client
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := registry.NewInMemory()
	tokens, err := auth.NewTokenService([]byte("test-key"), time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	srv := server.New(zaptest.NewLogger(t), store, tokens, "127.0.0.1:0", server.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{t: t, ts: ts, client: ts.Client()}
}

func (a *testAPI) do(method, path, token string, body any) (*http.Response, []byte) {
	a.t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, buf)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		a.t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

// register creates a device with a fresh X25519 identity and returns its
// bearer token.
func (a *testAPI) register(userID, deviceID string) string {
	a.t.Helper()
	identity, err := grant.GenerateIdentity(nil)
	if err != nil {
		a.t.Fatalf("generate identity: %v", err)
	}
	resp, raw := a.do(http.MethodPost, "/v1/devices", "", map[string]any{
		"deviceId":  deviceID,
		"userId":    userID,
		"role":      "executor",
		"publicKey": identity.Public,
	})
	if resp.StatusCode != http.StatusCreated {
		a.t.Fatalf("register %s: status %d: %s", deviceID, resp.StatusCode, raw)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		a.t.Fatalf("decode register response: %v", err)
	}
	if out.Token == "" {
		a.t.Fatal("register returned empty token")
	}
	return out.Token
}

func testEnvelope(sessionID, eventID, sender string, seq uint64) envelope.Envelope {
	return envelope.Envelope{
		SessionID:      sessionID,
		Channel:        envelope.ChannelConversation,
		EventID:        eventID,
		Seq:            seq,
		SenderDeviceID: sender,
		CreatedAt:      time.Now().UTC(),
		Payload: envelope.SealedPayload{
			Alg:        envelope.AlgXChaCha20Poly1305,
			Nonce:      []byte("nonce-nonce-nonce-nonce!"),
			Ciphertext: []byte("ciphertext"),
		},
		Meta: envelope.Meta{ClientTS: time.Now().UTC(), SchemaVersion: envelope.SchemaVersion},
	}
}

func TestRegisterDevice(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "dev-a")

	// Same device id again is a conflict.
	identity, err := grant.GenerateIdentity(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	resp, _ := api.do(http.MethodPost, "/v1/devices", "", map[string]any{
		"deviceId":  "dev-a",
		"userId":    "alice",
		"publicKey": identity.Public,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = api.do(http.MethodPost, "/v1/devices", "", map[string]any{
		"deviceId":  "dev-b",
		"userId":    "alice",
		"publicKey": []byte("short"),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad public key: expected 400, got %d", resp.StatusCode)
	}
}

func TestListDevicesRequiresOwnUser(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")
	api.register("alice", "dev-b")

	resp, raw := api.do(http.MethodGet, "/v1/users/alice/devices", tokenA, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list devices: status %d", resp.StatusCode)
	}
	var out struct {
		Devices []registry.Device `json:"devices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(out.Devices))
	}

	resp, _ = api.do(http.MethodGet, "/v1/users/bob/devices", tokenA, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign user listing: expected 403, got %d", resp.StatusCode)
	}

	resp, _ = api.do(http.MethodGet, "/v1/users/alice/devices", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")
	tokenB := api.register("bob", "dev-b")

	resp, raw := api.do(http.MethodPost, "/v1/sessions", tokenA, map[string]any{
		"sessionId":        "sess-1",
		"allowViewerInput": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d: %s", resp.StatusCode, raw)
	}
	var created registry.Session
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.OwnerUserID != "alice" || !created.AllowViewerInput {
		t.Fatalf("unexpected session: %+v", created)
	}

	resp, _ = api.do(http.MethodDelete, "/v1/sessions/sess-1", tokenB, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("close by non-owner: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = api.do(http.MethodDelete, "/v1/sessions/missing", tokenA, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("close missing: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = api.do(http.MethodDelete, "/v1/sessions/sess-1", tokenA, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close by owner: expected 204, got %d", resp.StatusCode)
	}
}

func TestGrantDistributionFlow(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")
	tokenB := api.register("alice", "dev-b")

	resp, _ := api.do(http.MethodPost, "/v1/sessions", tokenA, map[string]any{"sessionId": "sess-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}

	recipient, err := grant.GenerateIdentity(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	sessionKey, err := seal.NewSessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	grants, err := grant.Distribute("sess-1", sessionKey, []grant.Recipient{
		{DeviceID: "dev-b", PublicKey: recipient.Public},
	}, time.Now())
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	resp, raw := api.do(http.MethodPost, "/v1/sessions/sess-1/grants", tokenA, map[string]any{"grants": grants})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put grants: status %d: %s", resp.StatusCode, raw)
	}

	// Only the recipient device may fetch its grant.
	resp, _ = api.do(http.MethodGet, "/v1/sessions/sess-1/grants/dev-b", tokenA, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign grant fetch: expected 403, got %d", resp.StatusCode)
	}

	resp, raw = api.do(http.MethodGet, "/v1/sessions/sess-1/grants/dev-b", tokenB, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get grant: status %d", resp.StatusCode)
	}
	var fetched grant.Grant
	if err := json.Unmarshal(raw, &fetched); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	opened, err := grant.Open(recipient.Private, fetched)
	if err != nil {
		t.Fatalf("open grant: %v", err)
	}
	if !bytes.Equal(opened, sessionKey) {
		t.Fatal("unwrapped key does not match the distributed session key")
	}

	// Consume removes the wrapped key from the wire store.
	resp, _ = api.do(http.MethodDelete, "/v1/sessions/sess-1/grants/dev-b", tokenB, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("consume grant: status %d", resp.StatusCode)
	}
	resp, _ = api.do(http.MethodGet, "/v1/sessions/sess-1/grants/dev-b", tokenB, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("consumed grant fetch: expected 404, got %d", resp.StatusCode)
	}
}

func TestPutGrantsRejectsMismatch(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")

	resp, _ := api.do(http.MethodPost, "/v1/sessions", tokenA, map[string]any{"sessionId": "sess-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}

	mismatched := grant.Grant{SessionID: "sess-other", RecipientDeviceID: "dev-b"}
	resp, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/grants", tokenA, map[string]any{
		"grants": []grant.Grant{mismatched},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("session mismatch: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = api.do(http.MethodPost, "/v1/sessions/missing/grants", tokenA, map[string]any{
		"grants": []grant.Grant{{SessionID: "missing", RecipientDeviceID: "dev-b"}},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", resp.StatusCode)
	}
}

func TestSyncBatchIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")

	resp, _ := api.do(http.MethodPost, "/v1/sessions", tokenA, map[string]any{"sessionId": "sess-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}

	batch := syncworker.BatchRequest{
		DeviceID: "dev-a",
		Envelopes: []envelope.Envelope{
			testEnvelope("sess-1", "evt-1", "dev-a", 1),
			testEnvelope("sess-1", "evt-2", "dev-a", 2),
		},
	}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, raw := api.do(http.MethodPost, "/v1/sync/batch", tokenA, batch)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: status %d: %s", attempt, resp.StatusCode, raw)
		}
		var out syncworker.BatchResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Results) != 2 {
			t.Fatalf("attempt %d: expected 2 results, got %d", attempt, len(out.Results))
		}
		for _, res := range out.Results {
			if !res.OK {
				t.Fatalf("attempt %d: %s rejected: %s", attempt, res.EventID, res.Error)
			}
		}
	}

	resp, raw := api.do(http.MethodGet, "/v1/sessions/sess-1/envelopes", tokenA, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list envelopes: status %d", resp.StatusCode)
	}
	var listed struct {
		Envelopes []envelope.Envelope `json:"envelopes"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Envelopes) != 2 {
		t.Fatalf("expected 2 stored envelopes after duplicate upload, got %d", len(listed.Envelopes))
	}
	for i, env := range listed.Envelopes {
		if want := fmt.Sprintf("evt-%d", i+1); env.EventID != want {
			t.Fatalf("envelope %d out of order: got %s, want %s", i, env.EventID, want)
		}
	}
}

func TestSyncBatchRejectsForgedSender(t *testing.T) {
	api := newTestAPI(t)
	tokenA := api.register("alice", "dev-a")

	resp, _ := api.do(http.MethodPost, "/v1/sessions", tokenA, map[string]any{"sessionId": "sess-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}

	batch := syncworker.BatchRequest{
		DeviceID:  "dev-a",
		Envelopes: []envelope.Envelope{testEnvelope("sess-1", "evt-1", "dev-other", 1)},
	}
	resp, raw := api.do(http.MethodPost, "/v1/sync/batch", tokenA, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync batch: status %d", resp.StatusCode)
	}
	var out syncworker.BatchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].OK {
		t.Fatalf("forged sender accepted: %+v", out.Results)
	}
}
