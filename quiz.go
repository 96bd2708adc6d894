// Quizboard
//
// A Jeopardy-style board with one host and any number of audience screens.
// The host page drives the game; screens mirror it.
//
// Features:
// - One board per game ID: /quiz/:gameid (host), /quiz/:gameid/screen, /quiz/:gameid/ws
// - First cookie to connect with role=host becomes the host; later claimants join as screens
// - Attempts, steals and scoring run server-side; screens never see an answer before reveal
// - Board state is persisted to the configured store and survives restarts and idle unloads
// - Snapshot export/import and question bank upload for the host
// - Boards unloaded after a configurable idle timeout
// - Random 8-char board IDs via crypto/rand, with server-side collision check
// - QR code pointing at the screen view, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/quizboard/quizboard"
	"github.com/Seednode/quizboard/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	hostCookieName = "quizboard_id"
	maxUploadSize  = 8 << 20
)

var gameIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(hostCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     hostCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func playerID(r *http.Request) string {
	if c, err := r.Cookie(hostCookieName); err == nil {
		return c.Value
	}
	return ""
}

// GameManager holds a set of hubs keyed by game ID, so each /quiz/$gameid
// is its own board. Boards share the state store and the default bank.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration

	cfg     *Config
	kv      storage.Store
	bank    *quizboard.Bank
	metrics *Metrics

	done chan struct{}
	once sync.Once
}

func newGameManager(cfg *Config, kv storage.Store, bank *quizboard.Bank, m *Metrics) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
		cfg:         cfg,
		kv:          kv,
		bank:        bank,
		metrics:     m,
		done:        make(chan struct{}),
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// getHub returns the running hub for gameID, loading the board and any bank
// uploaded to it from the store if it is not in memory.
func (gm *GameManager) getHub(ctx context.Context, gameID string) (*Hub, error) {
	gm.mu.Lock()
	hub, ok := gm.hubs[gameID]
	gm.mu.Unlock()
	if ok {
		return hub, nil
	}

	log := gm.cfg.log().WithField("board", gameID)
	store := quizboard.NewStore(gm.kv, gameID, gm.bank, log)

	loadCtx, cancel := context.WithTimeout(ctx, gm.cfg.storeTimeout)
	defer cancel()

	start := time.Now()
	err := store.Load(loadCtx)
	gm.metrics.StoreDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub, nil
	}

	hub = newHub(gm.cfg, gm.metrics, gameID, store)
	gm.hubs[gameID] = hub
	gm.metrics.Boards.Inc()
	go hub.run()

	logf(gm.cfg, "GAMES: Loaded board %s", gameID)

	return hub, nil
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with a loaded board.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically unloads boards that have had no clients for
// longer than idleTimeout. Their state stays in the store.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-gm.done:
			return
		case <-ticker.C:
			gm.reap(time.Now().Add(-gm.idleTimeout))
		}
	}
}

func (gm *GameManager) reap(cutoff time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, hub := range gm.hubs {
		if !hub.idleSince(cutoff) {
			continue
		}

		delete(gm.hubs, id)
		gm.metrics.Boards.Dec()
		hub.close()

		logf(gm.cfg, "GAMES: Unloaded idle board %s", id)
	}
}

// Close stops the reaper and unloads every board.
func (gm *GameManager) Close() {
	gm.once.Do(func() {
		close(gm.done)

		gm.mu.Lock()
		defer gm.mu.Unlock()

		for id, hub := range gm.hubs {
			delete(gm.hubs, id)
			gm.metrics.Boards.Dec()
			hub.close()
		}
	})
}

func boardHub(gm *GameManager, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*Hub, bool) {
	gameID := ps.ByName("gameid")
	if !gameIDPattern.MatchString(gameID) {
		http.Error(w, "invalid game id", http.StatusBadRequest)
		return nil, false
	}

	hub, err := gm.getHub(r.Context(), gameID)
	if err != nil {
		errorf(gm.cfg, "GAMES: Loading board %s: %v", gameID, err)
		http.Error(w, "board unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return hub, true
}

// hostHub is boardHub for routes only the board's host may use.
func hostHub(gm *GameManager, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*Hub, bool) {
	hub, ok := boardHub(gm, w, r, ps)
	if !ok {
		return nil, false
	}
	if !hub.isHost(playerID(r)) {
		http.Error(w, "only the host can do that", http.StatusForbidden)
		return nil, false
	}
	return hub, true
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := boardHub(gm, w, r, ps)
		if !ok {
			return
		}

		clientRole := roleScreen
		if r.URL.Query().Get("role") == string(roleHost) {
			clientRole = roleHost
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errorf(gm.cfg, "GAMES: Upgrade error: %v", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan quizboard.Message, sendQueueSize),
			playerID: playerID(r),
			role:     clientRole,
		}

		select {
		case hub.register <- client:
		case <-hub.quit:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

// QR handler: generates a PNG QR code for the board's screen URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !gameIDPattern.MatchString(ps.ByName("gameid")) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:gameid/qr; swap the trailing "/qr" for "/screen".
		path := strings.TrimSuffix(r.URL.Path, "/qr") + "/screen"

		url := scheme + "://" + r.Host + path

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func serveExport(gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := hostHub(gm, w, r, ps)
		if !ok {
			return
		}

		data, name, err := hub.exportState(r.Context())
		if err != nil {
			errorf(gm.cfg, "GAMES: Exporting board %s: %v", hub.id, err)
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(gm.cfg, w)

		written, err := w.Write(data)
		if err != nil {
			return
		}

		logf(gm.cfg, "SERVE: Exported board %s (%s) to %s", hub.id, humanReadableSize(int64(written)), realIP(r))
	}
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		http.Error(w, "upload too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return data, true
}

func serveImport(gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := hostHub(gm, w, r, ps)
		if !ok {
			return
		}

		data, ok := readUpload(w, r)
		if !ok {
			return
		}

		err := hub.importState(r.Context(), data)
		switch {
		case errors.Is(err, quizboard.ErrMalformedSnapshot):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			errorf(gm.cfg, "GAMES: Importing board %s: %v", hub.id, err)
			http.Error(w, "import failed", http.StatusInternalServerError)
			return
		}

		logf(gm.cfg, "GAMES: Imported %s snapshot into board %s", humanReadableSize(int64(len(data))), hub.id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func serveBankUpload(gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := hostHub(gm, w, r, ps)
		if !ok {
			return
		}

		data, ok := readUpload(w, r)
		if !ok {
			return
		}

		bank, err := quizboard.ParseBank(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := hub.loadBank(r.Context(), bank); err != nil {
			errorf(gm.cfg, "GAMES: Loading bank into board %s: %v", hub.id, err)
			http.Error(w, "bank load failed", http.StatusInternalServerError)
			return
		}

		logf(gm.cfg, "GAMES: Loaded new bank (%d categories) into board %s", len(bank.Categories), hub.id)
		w.WriteHeader(http.StatusNoContent)
	}
}

type pageData struct {
	Prefix string
	GameID string
}

func getPageHandler(cfg *Config, page *template.Template, setCookie bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if !gameIDPattern.MatchString(gameID) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		if setCookie {
			_ = getOrSetPlayerID(w, r)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := page.Execute(w, pageData{Prefix: cfg.prefix, GameID: gameID}); err != nil {
			errorf(cfg, "SERVE: Rendering %s: %v", page.Name(), err)
		}
	}
}

// redirectNewGame handles GET /quiz by generating a new random game ID
// (with server-side collision detection) and redirecting to /quiz/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created board %s%s/%s", cfg.prefix, path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// loadBank returns the bank named by --bank, or the embedded one.
func loadBank(ctx context.Context, cfg *Config) (*quizboard.Bank, error) {
	if cfg.bank != "" {
		return quizboard.LoadBank(ctx, cfg.bank)
	}

	data, err := assets.ReadFile("assets/questions.json")
	if err != nil {
		return nil, err
	}
	return quizboard.ParseBank(data)
}

// registerQuiz sets up routes so that:
//   - $path                  → redirects to a new board (8-char ID)
//   - $path/:gameid          → host page
//   - $path/:gameid/screen   → screen page
//   - $path/:gameid/ws       → WebSocket for that board
//   - $path/:gameid/qr       → PNG QR code for the screen page
//   - $path/:gameid/export   → snapshot download (host)
//   - $path/:gameid/import   → snapshot upload (host)
//   - $path/:gameid/bank     → question bank upload (host)
func registerQuiz(cfg *Config, path string, mux *httprouter.Router, gm *GameManager, pages *template.Template) {
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", getPageHandler(cfg, pages.Lookup("host.html"), true))
	mux.GET(cfg.prefix+path+"/:gameid/screen", getPageHandler(cfg, pages.Lookup("screen.html"), false))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/export", serveExport(gm))
	mux.POST(cfg.prefix+path+"/:gameid/import", serveImport(gm))
	mux.POST(cfg.prefix+path+"/:gameid/bank", serveBankUpload(gm))
}
