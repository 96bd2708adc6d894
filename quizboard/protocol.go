/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package quizboard

import (
	"encoding/json"
	"fmt"
)

type MessageType string

// Host to screen, plus the screen's sync request.
const (
	ScreenReady   MessageType = "SCREEN_READY"
	SyncState     MessageType = "SYNC_STATE"
	ShowQuestion  MessageType = "SHOW_Q"
	RevealAnswer  MessageType = "REVEAL_ANSWER"
	ResolveQ      MessageType = "RESOLVE_Q"
	CloseQuestion MessageType = "CLOSE_Q"
)

// Server to host page.
const (
	HostView     MessageType = "HOST_VIEW"
	ErrorMessage MessageType = "ERROR"
)

// Host page to server.
const (
	CmdOpen    MessageType = "open_question"
	CmdAttempt MessageType = "attempt"
	CmdSkip    MessageType = "skip"
	CmdReveal  MessageType = "reveal"
	CmdClose   MessageType = "close_question"
	CmdRename  MessageType = "rename_player"
	CmdReset   MessageType = "reset"
)

// Message is the envelope for everything sent over a board's websockets.
// Payloads are encoded when the message is built, so a message never
// aliases live state.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

type SyncPayload struct {
	Bank  *Bank `json:"bank"`
	State State `json:"state"`
}

// ShowPayload is the public face of a question. It never carries the
// answer, the attempts or the winner.
type ShowPayload struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Points   int     `json:"points"`
	Text     string  `json:"text,omitempty"`
	Media    []Media `json:"media,omitempty"`
}

type RevealPayload struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

type QuestionIDPayload struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// HostQuestion is the host's view of the open question.
type HostQuestion struct {
	ShowPayload
	Answer     string      `json:"answer,omitempty"`
	Revealed   bool        `json:"revealed"`
	Status     Status      `json:"status"`
	Attempts   []Attempt   `json:"attempts"`
	Winner     string      `json:"winner,omitempty"`
	Candidates []Player    `json:"candidates"`
	Info       AttemptInfo `json:"info"`
}

type HostViewPayload struct {
	SyncPayload
	Current *HostQuestion `json:"current,omitempty"`
}

// Command is the payload of every host command; each command reads the
// fields it needs.
type Command struct {
	QuestionID string `json:"questionId,omitempty"`
	PlayerID   string `json:"playerId,omitempty"`
	Result     Result `json:"result,omitempty"`
	Name       string `json:"name,omitempty"`
}

// SyncMessage is the screen's full snapshot. The bank it carries has no
// answers; those only travel in REVEAL_ANSWER.
func (g *Game) SyncMessage() (Message, error) {
	return NewMessage(SyncState, SyncPayload{Bank: g.Bank.Public(), State: g.State})
}

func (g *Game) showPayload(id string) (ShowPayload, bool) {
	ref, ok := g.Bank.Lookup(id)
	if !ok {
		return ShowPayload{}, false
	}

	return ShowPayload{
		ID:       id,
		Category: ref.Category,
		Points:   ref.Question.Points,
		Text:     ref.Question.Text,
		Media:    ref.Question.Media(g.State.Settings.MediaBase),
	}, true
}

func (g *Game) ShowMessage(id string) (Message, error) {
	p, ok := g.showPayload(id)
	if !ok {
		return Message{}, ErrUnknownQuestion
	}
	return NewMessage(ShowQuestion, p)
}

func (g *Game) RevealMessage(id string) (Message, error) {
	ref, ok := g.Bank.Lookup(id)
	if !ok {
		return Message{}, ErrUnknownQuestion
	}
	return NewMessage(RevealAnswer, RevealPayload{ID: id, Answer: ref.Question.Answer})
}

func ResolveMessage(id string) (Message, error) {
	return NewMessage(ResolveQ, QuestionIDPayload{ID: id})
}

func CloseMessage() (Message, error) {
	return NewMessage(CloseQuestion, nil)
}

func NewErrorMessage(err error) (Message, error) {
	return NewMessage(ErrorMessage, ErrorPayload{Message: err.Error()})
}

// HostViewMessage builds the host's full view. current may be empty when
// no question is on screen.
func (g *Game) HostViewMessage(current string, revealed bool) (Message, error) {
	view := HostViewPayload{
		SyncPayload: SyncPayload{Bank: g.Bank, State: g.State},
	}

	if show, ok := g.showPayload(current); ok {
		ref, _ := g.Bank.Lookup(current)
		hq := &HostQuestion{
			ShowPayload: show,
			Answer:      ref.Question.Answer,
			Revealed:    revealed,
			Attempts:    []Attempt{},
			Candidates:  g.Candidates(current),
			Info:        g.AttemptInfo(current),
		}
		if qs := g.State.Questions[current]; qs != nil {
			hq.Status = qs.Status
			hq.Attempts = append(hq.Attempts, qs.Attempts...)
			hq.Winner = qs.Winner
		}
		view.Current = hq
	}

	return NewMessage(HostView, view)
}
