package command

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/sched"
	"bumpd/internal/session"
	"bumpd/internal/store"
	"bumpd/internal/telemetry"
	logx "bumpd/pkg/logx"
)

// emptyStore has no accounts; unimplemented methods panic via the nil
// embedded interface.
type emptyStore struct{ store.Store }

func (emptyStore) FindAccount(context.Context, int64) (*account.Account, error) {
	return nil, store.ErrNotFound
}

type nullSink struct{}

func (nullSink) Emit(notify.Event) {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := sched.New(sched.Config{}, sched.Deps{
		Store:    emptyStore{},
		Driver:   session.NewSimDriver(),
		Sink:     nullSink{},
		Metrics:  telemetry.New(nil),
		Retry:    policy.NewRetryPolicy(policy.RetryConfig{}),
		Cooldown: policy.NewCooldownPolicy(policy.CooldownConfig{}),
	})
	srv := New(Config{AuthToken: "hunter2"}, s, nil, logx.Nop())
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if resp := do(t, ts, http.MethodGet, "/v1/status", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}
	if resp := do(t, ts, http.MethodGet, "/v1/status", "wrong", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}
	if resp := do(t, ts, http.MethodGet, "/v1/status", "hunter2", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d, want 200", resp.StatusCode)
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if resp := do(t, ts, http.MethodGet, "/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d, want 200", resp.StatusCode)
	}
}

func TestStatusShape(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodGet, "/v1/status", "hunter2", "")
	var snap sched.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.MaxConcurrency != 8 {
		t.Fatalf("max_concurrency = %d, want default 8", snap.MaxConcurrency)
	}
	if len(snap.Workers) != 0 || len(snap.Queue) != 0 {
		t.Fatalf("fresh scheduler reports work: %+v", snap)
	}
}

func TestRequestStartValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if resp := do(t, ts, http.MethodPost, "/v1/request-start", "hunter2", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing account_id: status %d, want 400", resp.StatusCode)
	}
	if resp := do(t, ts, http.MethodPost, "/v1/request-start", "hunter2", `{"account_id": 1, "bogus": true}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", resp.StatusCode)
	}
	if resp := do(t, ts, http.MethodPost, "/v1/request-start", "hunter2", `{"account_id": 42}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account: status %d, want 404", resp.StatusCode)
	}
}

func TestSubmitVerificationNeedsCode(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if resp := do(t, ts, http.MethodPost, "/v1/submit-verification", "hunter2", `{"account_id": 1}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing code: status %d, want 400", resp.StatusCode)
	}
}
