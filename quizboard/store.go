/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package quizboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// StateKey is the key the game state is stored under, and BankKey the key
// for a bank uploaded to the board. Boards hosted side by side append
// ":<board>" to both.
const (
	StateKey = "quiz_state"
	BankKey  = "quiz_bank"
)

var ErrMalformedSnapshot = errors.New("malformed state snapshot")

// KV is the persistence the store writes through. A missing key is
// reported with ok == false, not an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store holds the canonical Game for one board and keeps it in the KV.
type Store struct {
	Game *Game

	kv      KV
	key     string
	bankKey string
	log     logrus.FieldLogger
}

// NewStore returns a store for board, playing bank until Load finds an
// uploaded one. An empty board uses the bare keys.
func NewStore(kv KV, board string, bank *Bank, log logrus.FieldLogger) *Store {
	key, bankKey := StateKey, BankKey
	if board != "" {
		key += ":" + board
		bankKey += ":" + board
	}

	return &Store{
		Game:    NewGame(bank),
		kv:      kv,
		key:     key,
		bankKey: bankKey,
		log:     log,
	}
}

// persisted mirrors State for decoding, leaving absent fields nil so they
// can fall back to the current values.
type persisted struct {
	Players   []Player                  `json:"players"`
	Scores    map[string]int            `json:"scores"`
	Questions map[string]*QuestionState `json:"q"`
	Used      IDSet                     `json:"used"`
}

func decodeSnapshot(raw []byte) (*persisted, error) {
	var p *persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedSnapshot)
	}
	for id, qs := range p.Questions {
		if err := checkQuestion(qs); err != nil {
			return nil, fmt.Errorf("%w: question %q: %w", ErrMalformedSnapshot, id, err)
		}
	}
	return p, nil
}

var errRepeatedAttempt = errors.New("player attempted more than once")

func checkQuestion(qs *QuestionState) error {
	if qs == nil {
		return errors.New("no state")
	}
	if err := validate.Struct(qs); err != nil {
		return err
	}

	seen := make(map[string]bool, len(qs.Attempts))
	for _, a := range qs.Attempts {
		if seen[a.PlayerID] {
			return fmt.Errorf("%w: %s", errRepeatedAttempt, a.PlayerID)
		}
		seen[a.PlayerID] = true
	}

	if qs.Attempts == nil {
		qs.Attempts = []Attempt{}
	}
	return nil
}

// Save writes players, scores, question states, the used list and settings
// under the store's key, replacing whatever was there.
func (s *Store) Save(ctx context.Context) error {
	return s.write(ctx, s.Game.State)
}

func (s *Store) write(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("saving state %s: %w", s.key, err)
	}
	return nil
}

// Load restores the board's uploaded bank, if any, and then the state saved
// under the store's key. A missing key leaves the defaults alone, and so
// does a malformed record, which is only logged. Stored player names are
// used only when the stored player count matches the bank's.
func (s *Store) Load(ctx context.Context) error {
	if err := s.loadBank(ctx); err != nil {
		return err
	}

	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("loading state %s: %w", s.key, err)
	}
	if !ok {
		return nil
	}

	p, err := decodeSnapshot(raw)
	if err != nil {
		s.log.WithField("key", s.key).WithError(err).Warn("ignoring stored state")
		return nil
	}

	s.apply(p)
	return nil
}

func (s *Store) loadBank(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, s.bankKey)
	if err != nil {
		return fmt.Errorf("loading bank %s: %w", s.bankKey, err)
	}
	if !ok {
		return nil
	}

	bank, err := ParseBank(raw)
	if err != nil {
		s.log.WithField("key", s.bankKey).WithError(err).Warn("ignoring stored bank")
		return nil
	}

	s.Game.load(bank)
	return nil
}

func (s *Store) apply(p *persisted) {
	g := s.Game

	if len(p.Players) == len(g.Bank.DefaultPlayers()) {
		g.State.Players = p.Players
	}
	if p.Scores != nil {
		g.State.Scores = p.Scores
	}
	for _, pl := range g.State.Players {
		if _, ok := g.State.Scores[pl.ID]; !ok {
			g.State.Scores[pl.ID] = 0
		}
	}

	g.State.Questions = p.Questions
	if g.State.Questions == nil {
		g.State.Questions = make(map[string]*QuestionState)
	}
	g.State.Used = p.Used
	if g.State.Used == nil {
		g.State.Used = make(IDSet)
	}

	for id := range g.State.Used {
		qs := g.State.Questions[id]
		if qs == nil {
			qs = newQuestionState()
			g.State.Questions[id] = qs
		}
		qs.Status = StatusResolved
	}
	for id, qs := range g.State.Questions {
		if qs.Status == StatusResolved {
			g.State.Used.Add(id)
		}
	}
}

// Reset zeroes every score and clears all question history, keeping names
// and settings. Nothing changes unless the cleared state is saved.
func (s *Store) Reset(ctx context.Context) error {
	next := &Game{Bank: s.Game.Bank, State: s.Game.State.Clone()}
	next.clear()

	if err := s.write(ctx, next.State); err != nil {
		return err
	}

	*s.Game = *next
	return nil
}

// Reload swaps in a new bank, re-deriving players and settings from it,
// and starts the board over. The bank is stored alongside the state so the
// board comes back with it; if either write fails the stored bank is put
// back and the running game is left as it was.
func (s *Store) Reload(ctx context.Context, bank *Bank) error {
	data, err := json.Marshal(bank)
	if err != nil {
		return fmt.Errorf("encoding bank: %w", err)
	}

	prev, hadPrev, err := s.kv.Get(ctx, s.bankKey)
	if err != nil {
		return fmt.Errorf("loading bank %s: %w", s.bankKey, err)
	}

	if err := s.kv.Set(ctx, s.bankKey, data); err != nil {
		return fmt.Errorf("saving bank %s: %w", s.bankKey, err)
	}

	next := NewGame(bank)
	if err := s.write(ctx, next.State); err != nil {
		s.restoreBank(ctx, prev, hadPrev)
		return err
	}

	*s.Game = *next
	return nil
}

func (s *Store) restoreBank(ctx context.Context, prev []byte, hadPrev bool) {
	var err error
	if hadPrev {
		err = s.kv.Set(ctx, s.bankKey, prev)
	} else {
		err = s.kv.Delete(ctx, s.bankKey)
	}
	if err != nil {
		s.log.WithField("key", s.bankKey).WithError(err).Error("restoring stored bank")
	}
}

func (s *Store) RenamePlayer(ctx context.Context, id, name string) error {
	for i := range s.Game.State.Players {
		if s.Game.State.Players[i].ID == id {
			s.Game.State.Players[i].Name = name
			return s.Save(ctx)
		}
	}
	return ErrUnknownPlayer
}

// Export returns the stored record verbatim ("{}" when nothing was saved
// yet) and a timestamped download name.
func (s *Store) Export(ctx context.Context, now time.Time) ([]byte, string, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, "", fmt.Errorf("exporting state %s: %w", s.key, err)
	}
	if !ok {
		raw = []byte("{}")
	}

	return raw, "quiz_state_" + now.UTC().Format("2006-01-02-15-04-05") + ".json", nil
}

// Import replaces the stored record with raw and loads it. Malformed input
// is rejected with ErrMalformedSnapshot before anything is written.
func (s *Store) Import(ctx context.Context, raw []byte) error {
	p, err := decodeSnapshot(raw)
	if err != nil {
		return err
	}

	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("importing state %s: %w", s.key, err)
	}

	s.apply(p)
	return nil
}
