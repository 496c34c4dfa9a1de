package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/rconbridge/internal/config"
	"github.com/energizer-project/rconbridge/internal/db"
	"github.com/energizer-project/rconbridge/internal/engine"
	"github.com/energizer-project/rconbridge/internal/game"
	"github.com/energizer-project/rconbridge/internal/protocol"
	"github.com/energizer-project/rconbridge/internal/rcon"
)

type fakeBridge struct {
	sent    []string
	replies map[string]string
	online  map[string]bool
	sendErr error
}

func (f *fakeBridge) Status() engine.Status {
	return engine.Status{Session: "s1", Game: game.Descriptor{Tag: "rust"}, Connection: rcon.Status{State: rcon.StateReady}}
}

func (f *fakeBridge) Send(command string) (protocol.Packet, error) {
	if f.sendErr != nil {
		return protocol.Packet{}, f.sendErr
	}
	f.sent = append(f.sent, command)
	return protocol.Packet{ID: int32(len(f.sent)), Kind: protocol.KindCommandRequest, Message: command}, nil
}

func (f *fakeBridge) ReceiveNext(timeout time.Duration) (protocol.Packet, error) {
	return protocol.Packet{ID: 0, Message: "chat line"}, nil
}

func (f *fakeBridge) ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error) {
	if id == 99 {
		return protocol.Packet{}, rcon.ErrNotReceived
	}
	return protocol.Packet{ID: id, Message: "done"}, nil
}

func (f *fakeBridge) Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error) {
	p, err := f.Send(command)
	if err != nil {
		return p, err
	}
	return protocol.Packet{ID: p.ID, Message: f.replies[command]}, nil
}

func (f *fakeBridge) IsPlayerOnline(ctx context.Context, p game.Player) bool {
	return f.online[p.ID]
}

func (f *fakeBridge) GetPlayerRef(ctx context.Context, idOrName string) (game.PlayerRef, error) {
	if !f.online[idOrName] {
		return game.PlayerRef{}, game.ErrPlayerNotFound
	}
	return game.PlayerRef{ID: idOrName, Slot: 3, Positional: true}, nil
}

func (f *fakeBridge) ExecuteOnline(ctx context.Context, cmd string, p game.Player) (protocol.Packet, error) {
	if !f.online[p.ID] {
		return protocol.Packet{}, engine.ErrPlayerOffline
	}
	return f.Send(cmd)
}

func (f *fakeBridge) ExecuteOffline(cmd string, p game.Player) (protocol.Packet, error) {
	return f.Send(strings.ReplaceAll(cmd, "{id}", p.ID))
}

type fakeHistory struct {
	kind string
}

func (f *fakeHistory) Recent(ctx context.Context, limit int, kind string) ([]db.Entry, error) {
	f.kind = kind
	return []db.Entry{{ID: 1, Kind: db.KindCommand, Message: "status"}}, nil
}

func newTestServer(cfg config.APIConfig, bridge Bridge, history History) http.Handler {
	gin.SetMode(gin.TestMode)
	return NewServer(cfg, "info", bridge, history).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func TestTokenRequired(t *testing.T) {
	h := newTestServer(config.APIConfig{Token: "t0ken"}, &fakeBridge{}, nil)

	if w := do(t, h, http.MethodGet, "/api/public/ping", "", ""); w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/status", "", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", w.Code)
	}

	w := do(t, h, http.MethodGet, "/api/status", "", "t0ken")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	conn := body["connection"].(map[string]interface{})
	if body["session"] != "s1" || conn["state"] != "ready" {
		t.Fatalf("body = %v", body)
	}
}

func TestCommandSendAndWait(t *testing.T) {
	bridge := &fakeBridge{replies: map[string]string{"status": "players: 2"}}
	h := newTestServer(config.APIConfig{}, bridge, nil)

	w := do(t, h, http.MethodPost, "/api/command", `{"command":"save"}`, "")
	if w.Code != http.StatusAccepted || decode(t, w)["id"] != float64(1) {
		t.Fatalf("send = %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/api/command", `{"command":"status","wait":true}`, "")
	if w.Code != http.StatusOK || decode(t, w)["response"] != "players: 2" {
		t.Fatalf("wait = %d %s", w.Code, w.Body)
	}

	if w := do(t, h, http.MethodPost, "/api/command", `{}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing command = %d", w.Code)
	}
}

func TestCommandNotReady(t *testing.T) {
	h := newTestServer(config.APIConfig{}, &fakeBridge{sendErr: rcon.ErrNotReady}, nil)
	if w := do(t, h, http.MethodPost, "/api/command", `{"command":"save"}`, ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestResponseEndpoint(t *testing.T) {
	h := newTestServer(config.APIConfig{}, &fakeBridge{}, nil)

	if w := do(t, h, http.MethodGet, "/api/response/7", "", ""); w.Code != http.StatusOK || decode(t, w)["response"] != "done" {
		t.Fatalf("response = %d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodGet, "/api/response/99?retries=2", "", ""); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("not received = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/response/abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", w.Code)
	}
}

func TestPlayerEndpoints(t *testing.T) {
	bridge := &fakeBridge{online: map[string]bool{"steam1": true}}
	h := newTestServer(config.APIConfig{}, bridge, nil)

	if w := do(t, h, http.MethodGet, "/api/players/steam1/online", "", ""); decode(t, w)["online"] != true {
		t.Fatalf("online = %s", w.Body)
	}
	w := do(t, h, http.MethodGet, "/api/players/steam1/ref", "", "")
	if w.Code != http.StatusOK || decode(t, w)["value"] != "3" {
		t.Fatalf("ref = %d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodGet, "/api/players/ghost/ref", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing ref = %d", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/api/execute", `{"command":"kick {id}","player":{"id":"ghost"},"online":true}`, ""); w.Code != http.StatusConflict {
		t.Fatalf("offline execute = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/execute", `{"command":"ban {id}","player":{"id":"ghost"}}`, ""); w.Code != http.StatusAccepted {
		t.Fatalf("offline command = %d %s", w.Code, w.Body)
	}
	if got := bridge.sent[len(bridge.sent)-1]; got != "ban ghost" {
		t.Fatalf("sent %q", got)
	}
}

func TestHistory(t *testing.T) {
	if w := do(t, newTestServer(config.APIConfig{}, &fakeBridge{}, nil), http.MethodGet, "/api/history", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled journal = %d", w.Code)
	}

	hist := &fakeHistory{}
	w := do(t, newTestServer(config.APIConfig{}, &fakeBridge{}, hist), http.MethodGet, "/api/history?kind=Command&limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	if hist.kind != "command" {
		t.Fatalf("kind = %q", hist.kind)
	}
	if entries := decode(t, w)["entries"].([]interface{}); len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}
}

func TestIPWhitelist(t *testing.T) {
	h := newTestServer(config.APIConfig{IPWhitelist: []string{"10.0.0.0/8"}}, &fakeBridge{}, nil)
	// httptest requests come from 192.0.2.1
	if w := do(t, h, http.MethodGet, "/api/status", "", ""); w.Code != http.StatusForbidden {
		t.Fatalf("code = %d", w.Code)
	}

	h = newTestServer(config.APIConfig{IPWhitelist: []string{"192.0.2.0/24"}}, &fakeBridge{}, nil)
	if w := do(t, h, http.MethodGet, "/api/status", "", ""); w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	if !rl.allow("a", now) || !rl.allow("a", now) {
		t.Fatal("burst should allow two requests")
	}
	if rl.allow("a", now) {
		t.Fatal("third request should be limited")
	}
	if !rl.allow("b", now) {
		t.Fatal("other clients have their own bucket")
	}
	if !rl.allow("a", now.Add(time.Second)) {
		t.Fatal("bucket should refill")
	}
}
