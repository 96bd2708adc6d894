/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/quizboard/quizboard"
	"github.com/gorilla/websocket"
)

type role string

const (
	roleHost   role = "host"
	roleScreen role = "screen"
)

const sendQueueSize = 32

var (
	errHostTaken      = errors.New("this board already has a host, joined as a screen")
	errNotHost        = errors.New("only the host can send commands")
	errUnknownCommand = errors.New("unknown command")
	errEmptyName      = errors.New("player name must not be empty")
	errHubClosed      = errors.New("board was unloaded")
)

type Client struct {
	conn     *websocket.Conn
	send     chan quizboard.Message
	playerID string
	role     role
}

type inbound struct {
	client *Client
	msg    quizboard.Message
}

// hubCall runs fn on the hub goroutine, for HTTP handlers that need the
// board's state.
type hubCall struct {
	fn   func() error
	done chan error
}

// Hub owns one board. Every change to the game goes through run, which is
// the only sender on any client's queue, so each client sees messages in
// the order they were produced.
type Hub struct {
	id      string
	cfg     *Config
	metrics *Metrics

	clients map[*Client]bool
	store   *quizboard.Store

	current  string
	revealed bool

	register chan *Client
	unreg    chan *Client
	inbox    chan inbound
	calls    chan hubCall
	quit     chan struct{}
	once     sync.Once

	mu         sync.RWMutex
	lastActive time.Time
	hostID     string
	connected  int
}

func newHub(cfg *Config, m *Metrics, gameID string, store *quizboard.Store) *Hub {
	return &Hub{
		id:         gameID,
		cfg:        cfg,
		metrics:    m,
		clients:    make(map[*Client]bool),
		store:      store,
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		inbox:      make(chan inbound),
		calls:      make(chan hubCall),
		quit:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.touch()

			h.clients[c] = true

			if c.role == roleHost && !h.claimHost(c.playerID) {
				c.role = roleScreen
				h.sendError(c, errHostTaken)
			}

			h.setConnected(len(h.clients))
			h.metrics.Clients.WithLabelValues(string(c.role)).Inc()

			h.syncClient(c)

		case c := <-h.unreg:
			h.touch()
			h.drop(c)

		case in := <-h.inbox:
			h.touch()
			h.handle(in.client, in.msg)

		case call := <-h.calls:
			h.touch()
			call.done <- call.fn()

		case <-h.quit:
			for c := range h.clients {
				h.drop(c)
				_ = c.conn.Close()
			}
			return
		}
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *Hub) setConnected(n int) {
	h.mu.Lock()
	h.connected = n
	h.mu.Unlock()
}

// idleSince reports whether no client is connected and nothing happened
// since cutoff.
func (h *Hub) idleSince(cutoff time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.connected == 0 && h.lastActive.Before(cutoff)
}

// claimHost makes playerID the host if the board has none yet.
func (h *Hub) claimHost(playerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hostID == "" && playerID != "" {
		h.hostID = playerID
	}
	return h.hostID == playerID
}

func (h *Hub) isHost(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return playerID != "" && h.hostID == playerID
}

// close stops the run loop and disconnects every client.
func (h *Hub) close() {
	h.once.Do(func() {
		close(h.quit)
	})
}

// do runs fn on the hub goroutine and waits for its result.
func (h *Hub) do(ctx context.Context, fn func() error) error {
	call := hubCall{fn: fn, done: make(chan error, 1)}

	select {
	case h.calls <- call:
	case <-h.quit:
		return errHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) deliver(c *Client, msg quizboard.Message) {
	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
		h.metrics.Messages.WithLabelValues(string(msg.Type)).Inc()
	default:
		logf(h.cfg, "GAMES: Dropping slow %s client from board %s", c.role, h.id)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	close(c.send)
	h.setConnected(len(h.clients))
	h.metrics.Clients.WithLabelValues(string(c.role)).Dec()
}

func (h *Hub) broadcast(r role, msg quizboard.Message) {
	for c := range h.clients {
		if c.role == r {
			h.deliver(c, msg)
		}
	}
}

// send builds a message and delivers it to every client with role r.
func (h *Hub) send(r role, build func() (quizboard.Message, error)) {
	msg, err := build()
	if err != nil {
		errorf(h.cfg, "GAMES: Building message for board %s: %v", h.id, err)
		return
	}
	h.broadcast(r, msg)
}

func (h *Hub) sendError(c *Client, err error) {
	msg, buildErr := quizboard.NewErrorMessage(err)
	if buildErr != nil {
		return
	}

	h.deliver(c, msg)
}

func (h *Hub) hostView() (quizboard.Message, error) {
	return h.store.Game.HostViewMessage(h.current, h.revealed)
}

func (h *Hub) refreshHosts() {
	h.send(roleHost, h.hostView)
}

// syncClient brings a single client up to date: the full host view for the
// host, and for a screen the snapshot followed by whatever is on screen.
func (h *Hub) syncClient(c *Client) {
	g := h.store.Game

	var msgs []func() (quizboard.Message, error)
	if c.role == roleHost {
		msgs = append(msgs, h.hostView)
	} else {
		msgs = append(msgs, g.SyncMessage)
		if h.current != "" {
			current := h.current
			msgs = append(msgs, func() (quizboard.Message, error) { return g.ShowMessage(current) })
			if h.revealed {
				msgs = append(msgs, func() (quizboard.Message, error) { return g.RevealMessage(current) })
			}
		}
	}

	for _, build := range msgs {
		msg, err := build()
		if err != nil {
			errorf(h.cfg, "GAMES: Building message for board %s: %v", h.id, err)
			return
		}
		h.deliver(c, msg)
	}
}

func (h *Hub) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.storeTimeout)
}

// persist saves the board. The in-memory game stays authoritative when the
// store fails; the host is told and the next change retries.
func (h *Hub) persist() {
	ctx, cancel := h.storeContext()
	defer cancel()

	start := time.Now()
	err := h.store.Save(ctx)
	h.metrics.StoreDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())

	if err != nil {
		errorf(h.cfg, "GAMES: Saving board %s: %v", h.id, err)
		for c := range h.clients {
			if c.role == roleHost {
				h.sendError(c, err)
			}
		}
	}
}

func (h *Hub) handle(c *Client, msg quizboard.Message) {
	if msg.Type == quizboard.ScreenReady {
		h.syncClient(c)
		return
	}

	if c.role != roleHost {
		h.sendError(c, errNotHost)
		return
	}

	if err := h.command(msg); err != nil {
		h.sendError(c, err)
		return
	}

	h.refreshHosts()
}

func (h *Hub) command(msg quizboard.Message) error {
	var cmd quizboard.Command
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&cmd); err != nil {
			return err
		}
	}

	qid := cmd.QuestionID
	if qid == "" {
		qid = h.current
	}

	g := h.store.Game

	switch msg.Type {
	case quizboard.CmdOpen:
		if _, err := g.Open(qid); err != nil {
			if errors.Is(err, quizboard.ErrQuestionResolved) {
				return nil
			}
			return err
		}
		h.current, h.revealed = qid, false
		h.persist()
		h.send(roleScreen, func() (quizboard.Message, error) { return g.ShowMessage(qid) })

	case quizboard.CmdAttempt:
		out, err := g.RecordAttempt(qid, cmd.PlayerID, cmd.Result)
		if err != nil {
			return err
		}
		h.metrics.Attempts.WithLabelValues(string(cmd.Result)).Inc()
		h.persist()

		if !out.Resolved {
			h.send(roleScreen, g.SyncMessage)
			return nil
		}

		outcome := "exhausted"
		if out.Winner != "" {
			outcome = "won"
		}
		h.resolved(qid, outcome)

	case quizboard.CmdSkip:
		if err := g.Skip(qid); err != nil {
			return err
		}
		h.persist()
		h.resolved(qid, "skipped")

	case quizboard.CmdReveal:
		if qid == "" || qid != h.current {
			return quizboard.ErrQuestionNotOpen
		}
		h.revealed = true
		h.send(roleScreen, func() (quizboard.Message, error) { return g.RevealMessage(qid) })

	case quizboard.CmdClose:
		h.closeQuestion()

	case quizboard.CmdRename:
		name := strings.TrimSpace(cmd.Name)
		if name == "" {
			return errEmptyName
		}

		ctx, cancel := h.storeContext()
		defer cancel()

		if err := h.store.RenamePlayer(ctx, cmd.PlayerID, name); err != nil {
			return err
		}
		h.send(roleScreen, g.SyncMessage)

	case quizboard.CmdReset:
		ctx, cancel := h.storeContext()
		defer cancel()

		if err := h.store.Reset(ctx); err != nil {
			return err
		}
		logf(h.cfg, "GAMES: Reset board %s", h.id)
		h.restart()

	default:
		return errUnknownCommand
	}

	return nil
}

func (h *Hub) resolved(id, outcome string) {
	h.metrics.Resolutions.WithLabelValues(outcome).Inc()

	if h.current == id {
		h.current, h.revealed = "", false
	}

	h.send(roleScreen, func() (quizboard.Message, error) { return quizboard.ResolveMessage(id) })
	h.send(roleScreen, h.store.Game.SyncMessage)
}

func (h *Hub) closeQuestion() {
	h.current, h.revealed = "", false
	h.send(roleScreen, quizboard.CloseMessage)
}

// restart clears the screens and sends them the fresh board.
func (h *Hub) restart() {
	h.closeQuestion()
	h.send(roleScreen, h.store.Game.SyncMessage)
}

type export struct {
	data []byte
	name string
}

func (h *Hub) exportState(ctx context.Context) ([]byte, string, error) {
	result := make(chan export, 1)

	err := h.do(ctx, func() error {
		storeCtx, cancel := h.storeContext()
		defer cancel()

		data, name, err := h.store.Export(storeCtx, time.Now())
		if err != nil {
			return err
		}
		result <- export{data: data, name: name}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	out := <-result
	return out.data, out.name, nil
}

func (h *Hub) importState(ctx context.Context, raw []byte) error {
	return h.do(ctx, func() error {
		storeCtx, cancel := h.storeContext()
		defer cancel()

		if err := h.store.Import(storeCtx, raw); err != nil {
			return err
		}
		h.restart()
		h.refreshHosts()
		return nil
	})
}

func (h *Hub) loadBank(ctx context.Context, bank *quizboard.Bank) error {
	return h.do(ctx, func() error {
		storeCtx, cancel := h.storeContext()
		defer cancel()

		if err := h.store.Reload(storeCtx, bank); err != nil {
			return err
		}
		h.restart()
		h.refreshHosts()
		return nil
	})
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.quit:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)

	for {
		var msg quizboard.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case h.inbox <- inbound{client: c, msg: msg}:
		case <-h.quit:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
