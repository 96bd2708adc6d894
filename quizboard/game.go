/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package quizboard holds the state of a quiz board: the question bank,
// players and scores, per-question attempt history, the resolution rules
// for attempts and steals, persistence of that state, and the messages
// that keep audience screens in step with the host.
package quizboard

import (
	"encoding/json"
	"slices"
)

type Status string

const (
	StatusUnset    Status = ""
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

type Result string

const (
	Correct Result = "correct"
	Wrong   Result = "wrong"
)

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Attempt struct {
	PlayerID string `json:"playerId" validate:"required"`
	Result   Result `json:"result" validate:"oneof=correct wrong"`
}

type QuestionState struct {
	Status   Status    `json:"status" validate:"omitempty,oneof=open resolved"`
	Attempts []Attempt `json:"attempts" validate:"dive"`
	Winner   string    `json:"winner,omitempty"`
}

// newQuestionState returns an unplayed question whose attempts encode as
// an empty array.
func newQuestionState() *QuestionState {
	return &QuestionState{Attempts: []Attempt{}}
}

func (qs *QuestionState) attempted(playerID string) bool {
	for _, a := range qs.Attempts {
		if a.PlayerID == playerID {
			return true
		}
	}
	return false
}

// IDSet is a set of question ids, encoded as a sorted JSON array.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}

	*s = make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return nil
}

// State is everything that changes during play. Its JSON form is the
// persisted and exported record.
type State struct {
	Players   []Player                  `json:"players"`
	Scores    map[string]int            `json:"scores"`
	Questions map[string]*QuestionState `json:"q"`
	Used      IDSet                     `json:"used"`
	Settings  Settings                  `json:"settings"`
}

// Game pairs a bank with the state played against it. The hub owns one
// Game per board and hands it to the store and the resolution rules.
type Game struct {
	Bank  *Bank
	State State
}

func NewGame(bank *Bank) *Game {
	g := &Game{}
	g.load(bank)
	return g
}

// load installs bank and derives players, settings and a clean board from it.
func (g *Game) load(bank *Bank) {
	g.Bank = bank
	g.State.Players = bank.DefaultPlayers()
	g.State.Settings = bank.Settings
	g.clear()
}

// clear zeroes all scores and forgets every question's history.
func (g *Game) clear() {
	g.State.Scores = make(map[string]int, len(g.State.Players))
	for _, p := range g.State.Players {
		g.State.Scores[p.ID] = 0
	}
	g.State.Questions = make(map[string]*QuestionState)
	g.State.Used = make(IDSet)
}

func (g *Game) Player(id string) (Player, bool) {
	for _, p := range g.State.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// Name returns the player's name, falling back to the id.
func (g *Game) Name(id string) string {
	if p, ok := g.Player(id); ok {
		return p.Name
	}
	return id
}

// Resolved reports whether id can no longer be played.
func (g *Game) Resolved(id string) bool {
	if g.State.Used.Has(id) {
		return true
	}
	qs := g.State.Questions[id]
	return qs != nil && qs.Status == StatusResolved
}

// Clone returns a deep copy of the state, safe to hand to another goroutine.
func (s State) Clone() State {
	out := State{
		Players:   slices.Clone(s.Players),
		Scores:    make(map[string]int, len(s.Scores)),
		Questions: make(map[string]*QuestionState, len(s.Questions)),
		Used:      make(IDSet, len(s.Used)),
		Settings:  s.Settings,
	}
	for k, v := range s.Scores {
		out.Scores[k] = v
	}
	for k, v := range s.Questions {
		qs := *v
		qs.Attempts = slices.Clone(v.Attempts)
		out.Questions[k] = &qs
	}
	for k := range s.Used {
		out.Used.Add(k)
	}
	if s.Settings.MaxAttempts != nil {
		n := *s.Settings.MaxAttempts
		out.Settings.MaxAttempts = &n
	}
	return out
}
