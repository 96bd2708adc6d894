/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Seednode/quizboard/quizboard"
	"github.com/Seednode/quizboard/storage"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBank = `{
	"players": ["Ann", "Ben", "Cat"],
	"settings": {"max_attempts": 3, "allow_steal": true},
	"categories": [
		{"title": "Science", "questions": [
			{"points": 100, "text": "H2O?", "answer": "Water"},
			{"points": 200, "text": "Fe?", "answer": "Iron"}
		]}
	]
}`

type testServer struct {
	*httptest.Server
	cfg *Config
	gm  *GameManager
	kv  storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithStore(t, storage.NewMemory())
}

func newTestServerWithStore(t *testing.T, kv storage.Store) *testServer {
	t.Helper()

	logger, _ := test.NewNullLogger()
	cfg := &Config{
		metrics:      true,
		storeTimeout: time.Second,
		logger:       logger,
	}

	bank, err := quizboard.ParseBank([]byte(testBank))
	require.NoError(t, err)

	m := newMetrics()
	gm := newGameManager(cfg, kv, bank, m)

	mux, err := newMux(cfg, gm, m, make(chan error, 64))
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		gm.Close()
		srv.Close()
	})

	return &testServer{Server: srv, cfg: cfg, gm: gm, kv: kv}
}

func (s *testServer) dial(t *testing.T, gameID string, r role, cookie string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/quiz/" + gameID + "/ws?role=" + string(r)

	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", hostCookieName+"="+cookie)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	return conn
}

func (s *testServer) request(t *testing.T, method, path, cookie, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: hostCookieName, Value: cookie})
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ quizboard.MessageType) quizboard.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg quizboard.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, typ quizboard.MessageType, cmd *quizboard.Command) {
	t.Helper()

	var payload any
	if cmd != nil {
		payload = cmd
	}
	msg, err := quizboard.NewMessage(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func hostView(t *testing.T, conn *websocket.Conn) quizboard.HostViewPayload {
	t.Helper()

	var view quizboard.HostViewPayload
	require.NoError(t, readUntil(t, conn, quizboard.HostView).Decode(&view))
	return view
}

func errorText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	var p quizboard.ErrorPayload
	require.NoError(t, readUntil(t, conn, quizboard.ErrorMessage).Decode(&p))
	return p.Message
}

func TestScreenGetsSnapshotOnConnect(t *testing.T) {
	s := newTestServer(t)

	screen := s.dial(t, "board1", roleScreen, "")
	msg := readUntil(t, screen, quizboard.SyncState)
	assert.NotContains(t, string(msg.Payload), "Water")

	var m quizboard.Mirror
	require.NoError(t, m.Apply(msg))
	assert.Equal(t, map[string]int{"p1": 0, "p2": 0, "p3": 0}, m.State.Scores)
	assert.Equal(t, 1, m.Bank.Columns())
}

func TestFirstHostClaimsBoard(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	view := hostView(t, host)
	assert.Nil(t, view.Current)
	assert.Len(t, view.State.Players, 3)

	other := s.dial(t, "board1", roleHost, "mallory")
	assert.Contains(t, errorText(t, other), "already has a host")
	readUntil(t, other, quizboard.SyncState)

	sendCommand(t, other, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-0"})
	assert.Equal(t, errNotHost.Error(), errorText(t, other))

	// The same cookie reconnecting is still the host.
	again := s.dial(t, "board1", roleHost, "alice")
	hostView(t, again)
}

func TestHostDrivesScreens(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	screen := s.dial(t, "board1", roleScreen, "")
	readUntil(t, screen, quizboard.SyncState)

	var m quizboard.Mirror

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-0"})
	view := hostView(t, host)
	require.NotNil(t, view.Current)
	assert.Equal(t, "Water", view.Current.Answer)
	assert.False(t, view.Current.Revealed)

	show := readUntil(t, screen, quizboard.ShowQuestion)
	require.NoError(t, m.Apply(show))
	require.NotNil(t, m.Shown)
	assert.Equal(t, "0-0", m.Shown.ID)

	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{PlayerID: "p1", Result: quizboard.Wrong})
	view = hostView(t, host)
	assert.Equal(t, []string{"Ann"}, view.Current.Info.Tried)

	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{QuestionID: "0-0", PlayerID: "p2", Result: quizboard.Wrong})
	view = hostView(t, host)
	assert.Equal(t, []quizboard.Player{{ID: "p3", Name: "Cat"}}, view.Current.Candidates)

	sendCommand(t, host, quizboard.CmdReveal, nil)
	hostView(t, host)
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.RevealAnswer)))
	assert.Equal(t, "Water", m.Revealed)

	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{PlayerID: "p3", Result: quizboard.Correct})
	view = hostView(t, host)
	assert.Nil(t, view.Current)
	assert.Equal(t, 100, view.State.Scores["p3"])

	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.ResolveQ)))
	assert.Nil(t, m.Shown)
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.SyncState)))
	assert.True(t, m.State.Used.Has("0-0"))
	assert.Equal(t, 100, m.State.Scores["p3"])
	assert.Equal(t, "p3", m.State.Questions["0-0"].Winner)
	assert.Len(t, m.State.Questions["0-0"].Attempts, 3)

	key := quizboard.StateKey + ":board1"
	raw, ok, err := s.kv.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)

	var stored quizboard.State
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, 100, stored.Scores["p3"])
	assert.True(t, stored.Used.Has("0-0"))

	resp := s.request(t, http.MethodGet, "/metrics", "", "")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `quizboard_attempts_total{result="wrong"} 2`)
	assert.Contains(t, string(body), `quizboard_resolutions_total{outcome="won"} 1`)
}

func TestReopeningResolvedQuestionIsIgnored(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdSkip, &quizboard.Command{QuestionID: "0-1"})
	view := hostView(t, host)
	assert.True(t, view.State.Used.Has("0-1"))
	assert.Empty(t, view.State.Questions["0-1"].Attempts)

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-1"})
	view = hostView(t, host)
	assert.Nil(t, view.Current)
}

func TestRejectedCommandsReportErrors(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{QuestionID: "0-0", PlayerID: "p1", Result: quizboard.Correct})
	assert.Equal(t, quizboard.ErrQuestionNotOpen.Error(), errorText(t, host))

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "9-9"})
	assert.Equal(t, quizboard.ErrUnknownQuestion.Error(), errorText(t, host))

	sendCommand(t, host, quizboard.CmdRename, &quizboard.Command{PlayerID: "p1", Name: "  "})
	assert.Equal(t, errEmptyName.Error(), errorText(t, host))

	sendCommand(t, host, quizboard.MessageType("bogus"), nil)
	assert.Equal(t, errUnknownCommand.Error(), errorText(t, host))
}

func TestLateScreenCatchesUp(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-1"})
	hostView(t, host)
	sendCommand(t, host, quizboard.CmdReveal, &quizboard.Command{QuestionID: "0-1"})
	hostView(t, host)

	var m quizboard.Mirror
	screen := s.dial(t, "board1", roleScreen, "")
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.SyncState)))
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.ShowQuestion)))
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.RevealAnswer)))
	assert.Equal(t, "Iron", m.Revealed)

	sendCommand(t, screen, quizboard.ScreenReady, nil)
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.SyncState)))

	sendCommand(t, host, quizboard.CmdClose, nil)
	hostView(t, host)
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.CloseQuestion)))
	assert.Nil(t, m.Shown)
}

func TestRenameAndReset(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdRename, &quizboard.Command{PlayerID: "p2", Name: "Benedict"})
	view := hostView(t, host)
	assert.Equal(t, "Benedict", view.State.Players[1].Name)

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-0"})
	hostView(t, host)
	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{PlayerID: "p2", Result: quizboard.Correct})
	view = hostView(t, host)
	assert.Equal(t, 100, view.State.Scores["p2"])

	sendCommand(t, host, quizboard.CmdReset, nil)
	view = hostView(t, host)
	assert.Equal(t, 0, view.State.Scores["p2"])
	assert.Empty(t, view.State.Used)
	assert.Equal(t, "Benedict", view.State.Players[1].Name)
}

func TestBoardSurvivesUnload(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)
	sendCommand(t, host, quizboard.CmdSkip, &quizboard.Command{QuestionID: "0-0"})
	hostView(t, host)
	require.NoError(t, host.Close())

	s.unloadAll(t)

	var m quizboard.Mirror
	screen := s.dial(t, "board1", roleScreen, "")
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.SyncState)))
	assert.True(t, m.State.Used.Has("0-0"))
}

func TestUploadedBankSurvivesUnload(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	bank := `{"players": ["X", "Y"], "categories": [{"title": "Art", "questions": [{"id": "art1", "points": 50, "answer": "Monet"}]}]}`
	resp := s.request(t, http.MethodPost, "/quiz/board1/bank", "alice", bank)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdRename, &quizboard.Command{PlayerID: "p2", Name: "Yves"})
	hostView(t, host)
	sendCommand(t, host, quizboard.CmdSkip, &quizboard.Command{QuestionID: "art1"})
	hostView(t, host)
	require.NoError(t, host.Close())

	s.unloadAll(t)

	var m quizboard.Mirror
	screen := s.dial(t, "board1", roleScreen, "")
	require.NoError(t, m.Apply(readUntil(t, screen, quizboard.SyncState)))
	assert.Equal(t, "Art", m.Bank.Categories[0].Title)
	assert.Equal(t, []quizboard.Player{{ID: "p1", Name: "X"}, {ID: "p2", Name: "Yves"}}, m.State.Players)
	assert.True(t, m.State.Used.Has("art1"))

	other := s.dial(t, "board2", roleScreen, "")
	m = quizboard.Mirror{}
	require.NoError(t, m.Apply(readUntil(t, other, quizboard.SyncState)))
	assert.Equal(t, "Science", m.Bank.Categories[0].Title)
}

// unloadAll waits for every client to go and reaps all boards.
func (s *testServer) unloadAll(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		s.gm.reap(time.Now().Add(time.Hour))

		s.gm.mu.Lock()
		defer s.gm.mu.Unlock()
		return len(s.gm.hubs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExportImportRequireHost(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/quiz/board1/export", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	resp = s.request(t, http.MethodGet, "/quiz/board1/export", "mallory", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/quiz/board1/export", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `attachment; filename="quiz_state_\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}\.json"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	resp = s.request(t, http.MethodPost, "/quiz/board1/import", "alice", `{"q": [}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	snapshot := `{"players":[{"id":"p1","name":"A"},{"id":"p2","name":"B"},{"id":"p3","name":"C"}],` +
		`"scores":{"p1":300},"q":{"0-0":{"status":"resolved","attempts":[]}},"used":["0-0"]}`
	resp = s.request(t, http.MethodPost, "/quiz/board1/import", "alice", snapshot)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	view := hostView(t, host)
	assert.Equal(t, 300, view.State.Scores["p1"])
	assert.Equal(t, "A", view.State.Players[0].Name)
	assert.True(t, view.State.Used.Has("0-0"))

	resp = s.request(t, http.MethodGet, "/quiz/board1/export", "alice", "")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, snapshot, string(body))
}

func TestBankUpload(t *testing.T) {
	s := newTestServer(t)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	resp := s.request(t, http.MethodPost, "/quiz/board1/bank", "alice", `{"categories": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bank := `{"players": ["X", "Y"], "categories": [{"title": "Art", "questions": [{"points": 50, "answer": "Monet"}]}]}`
	resp = s.request(t, http.MethodPost, "/quiz/board1/bank", "alice", bank)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	view := hostView(t, host)
	assert.Equal(t, []quizboard.Player{{ID: "p1", Name: "X"}, {ID: "p2", Name: "Y"}}, view.State.Players)
	assert.Equal(t, map[string]int{"p1": 0, "p2": 0}, view.State.Scores)
	assert.Equal(t, "Art", view.Bank.Categories[0].Title)
}

var errStateWrites = errors.New("state writes disabled")

// stateFailingStore refuses to write game state while failing is set.
// Banks and deletes still go through.
type stateFailingStore struct {
	*storage.Memory
	failing atomic.Bool
}

func (s *stateFailingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failing.Load() && strings.HasPrefix(key, quizboard.StateKey) {
		return errStateWrites
	}
	return s.Memory.Set(ctx, key, value)
}

func TestFailedSavesLeaveBoardUnchanged(t *testing.T) {
	kv := &stateFailingStore{Memory: storage.NewMemory()}
	s := newTestServerWithStore(t, kv)

	host := s.dial(t, "board1", roleHost, "alice")
	hostView(t, host)

	sendCommand(t, host, quizboard.CmdOpen, &quizboard.Command{QuestionID: "0-0"})
	hostView(t, host)
	sendCommand(t, host, quizboard.CmdAttempt, &quizboard.Command{PlayerID: "p1", Result: quizboard.Correct})
	hostView(t, host)

	kv.failing.Store(true)

	sendCommand(t, host, quizboard.CmdReset, nil)
	assert.Contains(t, errorText(t, host), errStateWrites.Error())

	bank := `{"players": ["X", "Y"], "categories": [{"title": "Art", "questions": [{"points": 50}]}]}`
	resp := s.request(t, http.MethodPost, "/quiz/board1/bank", "alice", bank)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	bankKey := quizboard.BankKey + ":board1"
	_, ok, err := kv.Get(context.Background(), bankKey)
	require.NoError(t, err)
	assert.False(t, ok)

	kv.failing.Store(false)

	sendCommand(t, host, quizboard.CmdClose, nil)
	view := hostView(t, host)
	assert.Equal(t, 100, view.State.Scores["p1"])
	assert.True(t, view.State.Used.Has("0-0"))
	assert.Equal(t, "Ann", view.State.Players[0].Name)
	assert.Equal(t, "Science", view.Bank.Categories[0].Title)
}

func TestNewBoardRedirect(t *testing.T) {
	s := newTestServer(t)

	client := s.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(s.URL + "/quiz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Regexp(t, `^/quiz/[A-Za-z0-9]{8}$`, resp.Header.Get("Location"))
}

func TestBoardPages(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/quiz/board1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `data-game="board1"`)
	assert.Contains(t, string(body), "host.js")

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == hostCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Len(t, cookie.Value, 36)

	resp = s.request(t, http.MethodGet, "/quiz/board1/screen", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "screen.js")

	resp = s.request(t, http.MethodGet, "/quiz/board1/qr", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp = s.request(t, http.MethodGet, "/quiz/not_valid/screen", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
