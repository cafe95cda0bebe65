package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceCall/internal/app/events"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	mu       sync.Mutex
	calls    []string
	peer     domain.User
	opts     orch.CallOptions
	snap     *domain.SyncSnapshot
	external bool
	speaker  bool
	err      error
}

func (f *fakeCall) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.err
}

func (f *fakeCall) Self() domain.User { return domain.User{ID: "self", Username: "me"} }

func (f *fakeCall) Session() domain.CallSession {
	return domain.CallSession{Status: domain.StatusConnected, RemoteUserID: "peer"}
}

func (f *fakeCall) StartCall(_ context.Context, peer domain.User, opts orch.CallOptions) error {
	f.peer, f.opts = peer, opts
	return f.record("start")
}

func (f *fakeCall) PreAccept(peer domain.User, opts orch.CallOptions) error {
	f.peer, f.opts = peer, opts
	return f.record("preaccept")
}

func (f *fakeCall) AcceptCall(_ context.Context, opts orch.CallOptions) error {
	f.opts = opts
	return f.record("accept")
}

func (f *fakeCall) RejectCall(context.Context) error { return f.record("reject") }
func (f *fakeCall) EndCall(context.Context) error    { return f.record("end") }

func (f *fakeCall) SetAudioEnabled(on bool) error { return f.record(fmt.Sprintf("audio=%v", on)) }
func (f *fakeCall) SetVideoEnabled(on bool) error { return f.record(fmt.Sprintf("video=%v", on)) }

func (f *fakeCall) SetSpeaker(on bool) error {
	f.speaker = on
	return f.record(fmt.Sprintf("speaker=%v", on))
}

func (f *fakeCall) Speaker() bool { return f.speaker }

func (f *fakeCall) RequestUpgrade(context.Context) error { return f.record("upgrade") }
func (f *fakeCall) AcceptUpgrade(context.Context) error  { return f.record("upgrade accept") }
func (f *fakeCall) RejectUpgrade(context.Context) error  { return f.record("upgrade reject") }

func (f *fakeCall) SyncFromExternal(snap domain.SyncSnapshot) error {
	f.snap = &snap
	return f.record("external sync")
}

func (f *fakeCall) SetExternalActive(active bool) {
	f.external = active
	_ = f.record(fmt.Sprintf("external=%v", active))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestControlDrivesCall(t *testing.T) {
	call := &fakeCall{}
	r := SetupControlRouter(context.Background(), "test", call, events.NewBus(0))

	w := do(t, r, http.MethodPost, "/api/call/invite", `{"peerId":"bob","peerName":"Bob","video":true}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.User{ID: "bob", Username: "Bob"}, call.peer)
	assert.True(t, call.opts.Video)

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/accept", "").Code)
	assert.False(t, call.opts.Video)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/audio", `{"enabled":false}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/speaker", `{"enabled":true}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/upgrade", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/upgrade/reject", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/call/end", "").Code)

	assert.Equal(t, []string{"start", "accept", "audio=false", "speaker=true", "upgrade", "upgrade reject", "end"}, call.calls)

	w = do(t, r, http.MethodGet, "/api/call", "")
	require.Equal(t, http.StatusOK, w.Code)
	var state struct {
		Self    domain.User        `json:"self"`
		Session domain.CallSession `json:"session"`
		Speaker bool               `json:"speaker"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, domain.UserID("self"), state.Self.ID)
	assert.Equal(t, domain.StatusConnected, state.Session.Status)
	assert.True(t, state.Speaker)
}

func TestControlRejectsBadRequests(t *testing.T) {
	call := &fakeCall{}
	r := SetupControlRouter(context.Background(), "test", call, events.NewBus(0))

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/call/invite", `{"peerName":"Bob"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/call/video", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/external", `not json`).Code)
	assert.Empty(t, call.calls)
}

func TestControlErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrSelfCall, http.StatusBadRequest},
		{domain.ErrBusy, http.StatusConflict},
		{fmt.Errorf("end: %w", domain.ErrNoActiveCall), http.StatusConflict},
		{domain.ErrUpgradePending, http.StatusConflict},
		{domain.ErrNotConnected, http.StatusServiceUnavailable},
		{&domain.TransportError{Op: "acquire audio", Err: domain.ErrDeviceUnavailable}, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			call := &fakeCall{err: tc.err}
			r := SetupControlRouter(context.Background(), "test", call, events.NewBus(0))
			w := do(t, r, http.MethodPost, "/api/call/end", "")
			assert.Equal(t, tc.want, w.Code)
			assert.Contains(t, w.Body.String(), tc.err.Error())
		})
	}
}

func TestExternalAuthority(t *testing.T) {
	call := &fakeCall{}
	r := SetupControlRouter(context.Background(), "test", call, events.NewBus(0))

	w := do(t, r, http.MethodPut, "/api/external", `{"active":true,"snapshot":{"status":"connected","callStartTime":1700000000000,"seq":3}}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, call.external)
	require.NotNil(t, call.snap)
	assert.Equal(t, domain.StatusConnected, call.snap.Status)
	assert.Equal(t, int64(1700000000000), call.snap.CallStartTime)
	assert.Equal(t, uint64(3), call.snap.Seq)

	w = do(t, r, http.MethodPut, "/api/external", `{"active":false}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, call.external)
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(SetupControlRouter(ctx, "test", &fakeCall{}, bus))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// the subscription is registered after the upgrade completes
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	received := make(chan map[string]any, 1)
	go func() {
		var ev map[string]any
		if err := ws.ReadJSON(&ev); err == nil {
			received <- ev
		}
	}()

	require.Eventually(t, func() bool {
		events.Publish(bus, events.DurationUpdated, events.DurationEvent{Secs: 7})
		select {
		case ev := <-received:
			assert.Equal(t, "duration-updated", ev["topic"])
			payload, _ := ev["payload"].(map[string]any)
			assert.Equal(t, float64(7), payload["secs"])
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
