package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/identity"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media/mediatest"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/mesh"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc/rtctest"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/session"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
)

type staticICE struct{}

func (staticICE) ICEServers(context.Context) []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.test:3478"}}}
}

type pushRecorder struct {
	mu    sync.Mutex
	notes []push.Notification
}

func (p *pushRecorder) Notify(_ context.Context, n push.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

type apiRig struct {
	store   *callstore.MemoryStore
	handler http.Handler
}

func newAPIRig(t *testing.T, rate int) *apiRig {
	t.Helper()
	store := callstore.NewMemoryStore()
	feed := signal.NewMemoryFeed(16)
	t.Cleanup(func() { feed.Close() })

	engine := mediatest.NewEngine()
	factory := rtctest.NewFactory()
	dir := directory.NewStaticDirectory(
		directory.Profile{UserID: "alice", DisplayName: "Alice"},
		directory.Profile{UserID: "bob", DisplayName: "Bob"},
		directory.Profile{UserID: "dave", DisplayName: "Dave"},
	)
	self := identity.Identity{UserID: "alice", DisplayName: "alice"}
	audio := media.AudioProcessing{EchoCancellation: true}

	mgr := session.NewManager(session.Deps{
		Store:     store,
		Feed:      feed,
		Media:     engine,
		Peers:     factory,
		ICE:       staticICE{},
		Push:      &pushRecorder{},
		Directory: dir,
		Self:      self,
		Audio:     audio,
		Quality:   config.QualityConfig{InitialTier: "auto"},
	})
	t.Cleanup(func() { mgr.Close() })

	srv := NewServer(config.APIConfig{
		ListenAddr:      "localhost:0",
		CallStartRate:   rate,
		CallStartWindow: time.Minute,
		AllowedOrigins:  []string{"http://localhost:3000"},
	}, mgr, mesh.Deps{
		Store:     store,
		Feed:      feed,
		Media:     engine,
		Peers:     factory,
		ICE:       staticICE{},
		Push:      &pushRecorder{},
		Directory: dir,
		Self:      self,
		Audio:     audio,
		Quality:   config.QualityConfig{InitialTier: "high"},
		Calls:     config.CallsConfig{MaxGroupParticipants: 8},
	})

	return &apiRig{store: store, handler: srv.Handler()}
}

func (rig *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	rig := newAPIRig(t, 10)
	rec := rig.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStartCallValidation(t *testing.T) {
	rig := newAPIRig(t, 10)

	tests := []struct {
		name string
		body any
	}{
		{"missing fields", map[string]string{}},
		{"missing chat", map[string]string{"callee_id": "bob"}},
		{"bad call type", map[string]string{"callee_id": "bob", "chat_id": "c1", "call_type": "hologram"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodPost, "/api/calls", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/calls", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestStartCallCreatesSession(t *testing.T) {
	rig := newAPIRig(t, 10)

	rec := rig.do(t, http.MethodPost, "/api/calls", map[string]string{
		"callee_id": "bob", "chat_id": "chat-1", "call_type": "video",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	state := decodeBody[callState](t, rec)
	if state.CallID == "" {
		t.Fatal("response carries no call id")
	}
	if state.Role != session.RoleCaller || state.State != session.StateCalling {
		t.Errorf("state = %s/%s, want caller/calling", state.Role, state.State)
	}
	if state.Remote.UserID != "bob" {
		t.Errorf("remote = %q, want bob", state.Remote.UserID)
	}

	call, err := rig.store.GetCall(t.Context(), state.CallID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if call.Status != callstore.CallRinging {
		t.Errorf("row status = %s, want ringing", call.Status)
	}

	// Only one 1:1 call at a time.
	rec = rig.do(t, http.MethodPost, "/api/calls", map[string]string{
		"callee_id": "dave", "chat_id": "chat-2",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}
}

func TestStartCallRateLimited(t *testing.T) {
	rig := newAPIRig(t, 2)

	for i := 0; i < 2; i++ {
		rig.do(t, http.MethodPost, "/api/calls", map[string]string{
			"callee_id": "bob", "chat_id": "chat-1",
		})
	}
	rec := rig.do(t, http.MethodPost, "/api/calls", map[string]string{
		"callee_id": "bob", "chat_id": "chat-1",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestCallControlEndpoints(t *testing.T) {
	rig := newAPIRig(t, 10)

	rec := rig.do(t, http.MethodPost, "/api/calls", map[string]string{
		"callee_id": "bob", "chat_id": "chat-1", "call_type": "video",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	callID := decodeBody[callState](t, rec).CallID
	base := "/api/calls/" + callID

	rec = rig.do(t, http.MethodPost, base+"/mute", map[string]bool{"muted": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("mute status = %d", rec.Code)
	}
	if state := decodeBody[callState](t, rec); !state.Muted {
		t.Error("mute not reflected in snapshot")
	}

	rec = rig.do(t, http.MethodPost, base+"/video", map[string]bool{"off": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("video status = %d", rec.Code)
	}
	if state := decodeBody[callState](t, rec); !state.VideoOff {
		t.Error("video off not reflected in snapshot")
	}

	rec = rig.do(t, http.MethodPost, base+"/tier", map[string]string{"tier": "low"})
	if rec.Code != http.StatusOK {
		t.Fatalf("tier status = %d: %s", rec.Code, rec.Body)
	}
	if state := decodeBody[callState](t, rec); state.Tier != media.TierLow {
		t.Errorf("tier = %s, want low", state.Tier)
	}

	rec = rig.do(t, http.MethodPost, base+"/tier", map[string]string{"tier": "ultra"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad tier status = %d, want 400", rec.Code)
	}

	rec = rig.do(t, http.MethodGet, base+"/quality", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quality status = %d", rec.Code)
	}
	quality := decodeBody[struct {
		Current *qualitySample  `json:"current"`
		History []qualitySample `json:"history"`
	}](t, rec)
	if quality.Current != nil || len(quality.History) != 0 {
		t.Errorf("expected empty quality report, got %+v", quality)
	}

	rec = rig.do(t, http.MethodGet, "/api/calls/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}

	rec = rig.do(t, http.MethodPost, base+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d", rec.Code)
	}
	rec = rig.do(t, http.MethodGet, "/api/calls/active", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("active after end status = %d, want 404", rec.Code)
	}
}

func TestAcceptUnknownCall(t *testing.T) {
	rig := newAPIRig(t, 10)
	rec := rig.do(t, http.MethodPost, "/api/calls/no-such-call/accept", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGroupEndpoints(t *testing.T) {
	rig := newAPIRig(t, 10)

	rec := rig.do(t, http.MethodPost, "/api/groups", map[string]any{
		"chat_id": "chat-g", "call_type": "video", "invitees": []string{"bob"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	group := decodeBody[groupState](t, rec)
	if group.CallID == "" {
		t.Fatal("response carries no call id")
	}
	if len(group.Members) != 1 || group.Members[0].UserID != "bob" {
		t.Fatalf("members = %+v, want ringing bob", group.Members)
	}
	if group.Members[0].Status != callstore.ParticipantRinging {
		t.Errorf("bob status = %s, want ringing", group.Members[0].Status)
	}
	base := "/api/groups/" + group.CallID

	rec = rig.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = rig.do(t, http.MethodPost, base+"/invite", map[string]any{"user_ids": []string{"dave"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("invite status = %d: %s", rec.Code, rec.Body)
	}
	if group = decodeBody[groupState](t, rec); len(group.Members) != 2 {
		t.Errorf("members after invite = %d, want 2", len(group.Members))
	}

	rec = rig.do(t, http.MethodPost, base+"/mute", map[string]bool{"muted": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("mute status = %d", rec.Code)
	}
	if group = decodeBody[groupState](t, rec); !group.Muted {
		t.Error("mute not reflected in snapshot")
	}

	rec = rig.do(t, http.MethodPost, base+"/screenshare", map[string]bool{"sharing": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("screenshare status = %d: %s", rec.Code, rec.Body)
	}
	if group = decodeBody[groupState](t, rec); !group.Sharing {
		t.Error("share not reflected in snapshot")
	}

	rec = rig.do(t, http.MethodPost, base+"/leave", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d", rec.Code)
	}
	rec = rig.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after leave status = %d, want 404", rec.Code)
	}
}

func TestGroupJoinUnknownCall(t *testing.T) {
	rig := newAPIRig(t, 10)
	rec := rig.do(t, http.MethodPost, "/api/groups/no-such-call/join", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	rig := newAPIRig(t, 10)

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got allow-origin %q", got)
	}
}
