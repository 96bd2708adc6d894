/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package quizboard

import (
	"fmt"
)

// Mirror is a screen's copy of the board. It changes only by applying
// messages from the host, and every message can be applied repeatedly
// with the same result.
type Mirror struct {
	Bank     *Bank
	State    State
	Shown    *ShowPayload
	Revealed string
}

func (m *Mirror) Apply(msg Message) error {
	switch msg.Type {
	case SyncState:
		var p SyncPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		m.Bank = p.Bank
		m.State = p.State

	case ShowQuestion:
		var p ShowPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if m.Shown == nil || m.Shown.ID != p.ID {
			m.Revealed = ""
		}
		m.Shown = &p

	case RevealAnswer:
		var p RevealPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if m.Shown != nil && m.Shown.ID == p.ID {
			m.Revealed = p.Answer
		}

	case ResolveQ:
		var p QuestionIDPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		m.markResolved(p.ID)
		if m.Shown != nil && m.Shown.ID == p.ID {
			m.Shown = nil
			m.Revealed = ""
		}

	case CloseQuestion:
		m.Shown = nil
		m.Revealed = ""

	default:
		return fmt.Errorf("screen cannot apply %s", msg.Type)
	}

	return nil
}

func (m *Mirror) markResolved(id string) {
	if m.State.Used == nil {
		m.State.Used = make(IDSet)
	}
	m.State.Used.Add(id)

	if m.State.Questions == nil {
		m.State.Questions = make(map[string]*QuestionState)
	}
	qs := m.State.Questions[id]
	if qs == nil {
		qs = newQuestionState()
		m.State.Questions[id] = qs
	}
	qs.Status = StatusResolved
}
