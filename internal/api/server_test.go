package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/exchange"
	"github.com/kirillm/trigger-bot/internal/execution"
	"github.com/kirillm/trigger-bot/internal/manager"
	"github.com/kirillm/trigger-bot/internal/notify"
	"github.com/kirillm/trigger-bot/internal/scheduler"
	"github.com/kirillm/trigger-bot/internal/storage"
)

type staticProvider struct {
	gw domain.BrokerGateway
}

func (p staticProvider) Get(context.Context, string) (domain.BrokerGateway, error) {
	return p.gw, nil
}

const (
	testAdminKey = "admin-key"
	testUserKey  = "u1-key"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, *exchange.PaperBroker) {
	t.Helper()
	backend, err := storage.NewPebbleStorageFS("state", vfs.NewMem())
	if err != nil {
		t.Fatalf("NewPebbleStorageFS() error = %v", err)
	}
	store := storage.NewStore(backend)
	broker := exchange.NewPaperBroker(1e6)
	broker.SetPrice("2330", 555)

	dispatcher := notify.NewDispatcher(nil)
	ks := execution.NewKillSwitch(nil)
	exec := execution.NewExecutor(store, nil, ks, dispatcher, nil)
	cache := execution.NewPriceCache()
	sched := scheduler.New(time.Second, cache, nil)
	m := manager.New(store, staticProvider{gw: broker}, cache, exec, sched, dispatcher, nil, manager.DefaultOptions())

	srv := NewServer(nil, Deps{
		Manager:    m,
		Scheduler:  sched,
		Cache:      cache,
		KillSwitch: ks,
		Dispatcher: dispatcher,
	}, Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		AdminKey:       testAdminKey,
		UserKeys:       map[string]string{"u1": testUserKey, "u2": "u2-key"},
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		m.Shutdown()
		ks.Deactivate()
		if err := store.Close(); err != nil {
			t.Errorf("store Close() error = %v", err)
		}
	})
	return ts, broker
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}) (int, testResponse) {
	t.Helper()
	return doJSONKey(t, ts, testAdminKey, method, path, body)
}

func doJSONKey(t *testing.T, ts *httptest.Server, key, method, path string, body interface{}) (int, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out testResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	code, resp := doJSON(t, ts, http.MethodGet, "/health", nil)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("health = %d %+v", code, resp)
	}
}

func TestServer_Metrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestServer_LadderLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	base := "/api/users/u1/ladders"

	code, resp := doJSON(t, ts, http.MethodPost, base, map[string]interface{}{
		"symbol": "2330", "lower_price": 500, "upper_price": 600, "level_count": 10,
		"quantity_per_level": 1, "order_type": "market",
	})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, resp.Error)
	}
	var l domain.GridLadder
	if err := json.Unmarshal(resp.Data, &l); err != nil {
		t.Fatalf("decode ladder: %v", err)
	}
	if l.UserID != "u1" || l.Status != domain.LadderStopped || l.ReferencePrice != 555 {
		t.Errorf("created ladder = %+v", l)
	}
	item := base + "/" + l.ID

	steps := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"list", http.MethodGet, base, nil, http.StatusOK},
		{"status", http.MethodGet, item, nil, http.StatusOK},
		{"start", http.MethodPost, item + "/start", nil, http.StatusOK},
		{"edit running", http.MethodPatch, item, map[string]interface{}{"quantity_per_level": 2}, http.StatusConflict},
		{"stop", http.MethodPost, item + "/stop", nil, http.StatusOK},
		{"edit stopped", http.MethodPatch, item, map[string]interface{}{"quantity_per_level": 2}, http.StatusOK},
		{"unknown field", http.MethodPatch, item, map[string]interface{}{"bogus": 1}, http.StatusBadRequest},
		{"delete", http.MethodDelete, item, nil, http.StatusOK},
		{"gone", http.MethodGet, item, nil, http.StatusNotFound},
	}
	for _, st := range steps {
		code, resp := doJSON(t, ts, st.method, st.path, st.body)
		if code != st.want {
			t.Fatalf("%s: status = %d, want %d (%s)", st.name, code, st.want, resp.Error)
		}
		if resp.Success != (st.want < 300) {
			t.Errorf("%s: success = %v", st.name, resp.Success)
		}
	}
}

func TestServer_CreateLadderValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	code, resp := doJSON(t, ts, http.MethodPost, "/api/users/u1/ladders", map[string]interface{}{
		"symbol": "2330", "lower_price": 600, "upper_price": 500, "level_count": 10, "quantity_per_level": 1,
	})
	if code != http.StatusBadRequest || resp.Success {
		t.Errorf("inverted range = %d %+v", code, resp)
	}
}

func TestServer_Triggers(t *testing.T) {
	ts, _ := newTestServer(t)
	base := "/api/users/u1/triggers"

	code, resp := doJSON(t, ts, http.MethodPost, base, map[string]interface{}{
		"symbol": "2330", "condition_operator": ">=", "threshold_price": 1000,
		"order_action": "BUY", "quantity": 1,
	})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, resp.Error)
	}
	var o domain.TriggerOrder
	if err := json.Unmarshal(resp.Data, &o); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if o.Status != domain.TriggerPending || o.OrderType != domain.OrderTypeMarket {
		t.Errorf("created trigger = %+v", o)
	}

	code, resp = doJSON(t, ts, http.MethodDelete, base+"/"+o.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("cancel = %d %s", code, resp.Error)
	}
	code, resp = doJSON(t, ts, http.MethodDelete, base+"/"+o.ID, nil)
	if code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", code)
	}

	_, resp = doJSON(t, ts, http.MethodGet, base+"?status=cancelled", nil)
	var list []domain.TriggerOrder
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != o.ID {
		t.Errorf("cancelled triggers = %+v", list)
	}

	_, resp = doJSON(t, ts, http.MethodGet, base+"/stats", nil)
	var stats domain.TriggerStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[domain.TriggerCancelled] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	_, resp = doJSON(t, ts, http.MethodGet, "/api/users/u1/logs?limit=10", nil)
	var logs []domain.OrderLog
	if err := json.Unmarshal(resp.Data, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("order logs = %d, want 2", len(logs))
	}
}

func TestServer_KillSwitch(t *testing.T) {
	ts, _ := newTestServer(t)

	code, resp := doJSON(t, ts, http.MethodPost, "/api/killswitch", KillSwitchRequest{Active: true})
	if code != http.StatusOK {
		t.Fatalf("activate = %d %s", code, resp.Error)
	}
	var st execution.KillSwitchStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Active || st.Reason != "manual" {
		t.Errorf("kill switch = %+v", st)
	}

	_, resp = doJSON(t, ts, http.MethodGet, "/api/status", nil)
	var status map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	for _, key := range []string{"watchers", "price_cache", "kill_switch", "notifications"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}

	code, _ = doJSON(t, ts, http.MethodPost, "/api/killswitch", KillSwitchRequest{Active: false})
	if code != http.StatusOK {
		t.Errorf("deactivate = %d", code)
	}
}

func TestServer_Auth(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"no key", "", http.MethodGet, "/api/users/u1/triggers", nil, http.StatusUnauthorized},
		{"unknown key", "nope", http.MethodGet, "/api/users/u1/triggers", nil, http.StatusUnauthorized},
		{"own user", testUserKey, http.MethodGet, "/api/users/u1/triggers", nil, http.StatusOK},
		{"other user", testUserKey, http.MethodGet, "/api/users/u2/triggers", nil, http.StatusForbidden},
		{"other user write", testUserKey, http.MethodPost, "/api/users/u2/triggers", map[string]interface{}{
			"symbol": "2330", "condition_operator": ">=", "threshold_price": 1000, "order_action": "BUY", "quantity": 1,
		}, http.StatusForbidden},
		{"user reads status", testUserKey, http.MethodGet, "/api/status", nil, http.StatusOK},
		{"user flips kill switch", testUserKey, http.MethodPost, "/api/killswitch", KillSwitchRequest{Active: true}, http.StatusForbidden},
		{"admin any user", testAdminKey, http.MethodGet, "/api/users/u2/triggers", nil, http.StatusOK},
		{"health is open", "", http.MethodGet, "/health", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := doJSONKey(t, ts, tt.key, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, resp.Error)
			}
		})
	}

	_, resp := doJSON(t, ts, http.MethodGet, "/api/killswitch", nil)
	var st execution.KillSwitchStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Active {
		t.Error("kill switch activated with a user key")
	}
}

func TestServer_NoKeysConfigured(t *testing.T) {
	srv := NewServer(nil, Deps{}, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, _ := doJSONKey(t, ts, "", http.MethodGet, "/api/status", nil)
	if code != http.StatusUnauthorized {
		t.Errorf("status without keys = %d, want 401", code)
	}
	code, _ = doJSONKey(t, ts, "", http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Errorf("health = %d, want 200", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", domain.ErrConfiguration), http.StatusBadRequest},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrRiskLimitExceeded, http.StatusUnprocessableEntity},
		{domain.ErrEmergencyStop, http.StatusLocked},
		{domain.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
