/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package quizboard

import (
	"errors"
)

var (
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrUnknownPlayer    = errors.New("unknown player")
	ErrInvalidResult    = errors.New("result must be correct or wrong")
	ErrQuestionNotOpen  = errors.New("question is not open")
	ErrQuestionResolved = errors.New("question already resolved")
	ErrAlreadyAttempted = errors.New("player already attempted this question")
)

// Outcome describes the effect of a single recorded attempt.
type Outcome struct {
	QuestionID string
	Resolved   bool
	Winner     string
	ScoreDelta int
	Candidates []Player
}

// AttemptInfo summarises progress on a question for the host.
type AttemptInfo struct {
	Attempt int      `json:"attempt"`
	Max     int      `json:"max"`
	Tried   []string `json:"tried,omitempty"`
}

// Open marks a question open, creating its state on first use. Opening a
// resolved question changes nothing and returns ErrQuestionResolved.
func (g *Game) Open(id string) (*QuestionState, error) {
	if _, ok := g.Bank.Lookup(id); !ok {
		return nil, ErrUnknownQuestion
	}
	if g.Resolved(id) {
		return nil, ErrQuestionResolved
	}

	qs := g.State.Questions[id]
	if qs == nil {
		qs = newQuestionState()
		g.State.Questions[id] = qs
	}
	qs.Status = StatusOpen

	return qs, nil
}

// RecordAttempt appends playerID's attempt on an open question and applies
// scoring. A correct answer wins the question. A wrong answer costs the
// configured penalty when negative scoring is on, and the question stays
// open only while a steal is still possible. Rejected attempts leave the
// state untouched.
func (g *Game) RecordAttempt(id, playerID string, result Result) (Outcome, error) {
	ref, ok := g.Bank.Lookup(id)
	if !ok {
		return Outcome{}, ErrUnknownQuestion
	}
	if _, ok := g.Player(playerID); !ok {
		return Outcome{}, ErrUnknownPlayer
	}
	if result != Correct && result != Wrong {
		return Outcome{}, ErrInvalidResult
	}
	if g.Resolved(id) {
		return Outcome{}, ErrQuestionResolved
	}

	qs := g.State.Questions[id]
	if qs == nil || qs.Status != StatusOpen {
		return Outcome{}, ErrQuestionNotOpen
	}
	if qs.attempted(playerID) {
		return Outcome{}, ErrAlreadyAttempted
	}

	qs.Attempts = append(qs.Attempts, Attempt{PlayerID: playerID, Result: result})

	var delta int
	switch result {
	case Correct:
		delta = ref.Question.Points
		qs.Winner = playerID
		g.resolve(id, qs)
	case Wrong:
		if g.State.Settings.NegativeScoring {
			delta = -g.State.Settings.WrongPenalty.For(ref.Question.Points)
		}
		if !g.canSteal(id, qs) {
			g.resolve(id, qs)
		}
	}
	g.State.Scores[playerID] += delta

	out := Outcome{
		QuestionID: id,
		Resolved:   qs.Status == StatusResolved,
		Winner:     qs.Winner,
		ScoreDelta: delta,
	}
	if !out.Resolved {
		out.Candidates = g.Candidates(id)
	}

	return out, nil
}

// Skip resolves a question with no winner and no score change.
func (g *Game) Skip(id string) error {
	if _, ok := g.Bank.Lookup(id); !ok {
		return ErrUnknownQuestion
	}
	if g.Resolved(id) {
		return ErrQuestionResolved
	}

	qs := g.State.Questions[id]
	if qs == nil {
		qs = newQuestionState()
		g.State.Questions[id] = qs
	}
	g.resolve(id, qs)

	return nil
}

// Candidates returns, in player order, every player who has not yet
// attempted id.
func (g *Game) Candidates(id string) []Player {
	qs := g.State.Questions[id]

	out := make([]Player, 0, len(g.State.Players))
	for _, p := range g.State.Players {
		if qs != nil && qs.attempted(p.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (g *Game) AttemptInfo(id string) AttemptInfo {
	info := AttemptInfo{Attempt: 1, Max: g.State.Settings.AttemptLimit()}

	if qs := g.State.Questions[id]; qs != nil {
		info.Attempt = len(qs.Attempts) + 1
		for _, a := range qs.Attempts {
			info.Tried = append(info.Tried, g.Name(a.PlayerID))
		}
	}
	return info
}

func (g *Game) canSteal(id string, qs *QuestionState) bool {
	return g.State.Settings.AllowSteal &&
		len(g.Candidates(id)) > 0 &&
		len(qs.Attempts) < g.State.Settings.AttemptLimit()
}

// resolve is the only place a question becomes resolved, so the used index
// always moves with the status.
func (g *Game) resolve(id string, qs *QuestionState) {
	qs.Status = StatusResolved
	g.State.Used.Add(id)
}
