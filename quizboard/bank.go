/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package quizboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxAttempts applies when a bank does not set max_attempts.
const DefaultMaxAttempts = 99

const penaltyQuestionPoints = "question_points"

var ErrInvalidBank = errors.New("invalid question bank")

var validate = validator.New()

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Media is one resolved media reference attached to a question.
type Media struct {
	Kind MediaKind `json:"kind"`
	Src  string    `json:"src"`
}

type Question struct {
	ID     string `json:"id,omitempty"`
	Points int    `json:"points" validate:"gt=0"`
	Text   string `json:"text,omitempty"`
	Answer string `json:"answer,omitempty"`
	Image  string `json:"image,omitempty"`
	Audio  string `json:"audio,omitempty"`
	Video  string `json:"video,omitempty"`
}

// Media returns every media reference set on q, prefixed with base, in
// image, audio, video order. Several kinds may be present at once.
func (q Question) Media(base string) []Media {
	var out []Media
	if q.Image != "" {
		out = append(out, Media{Kind: MediaImage, Src: base + q.Image})
	}
	if q.Audio != "" {
		out = append(out, Media{Kind: MediaAudio, Src: base + q.Audio})
	}
	if q.Video != "" {
		out = append(out, Media{Kind: MediaVideo, Src: base + q.Video})
	}
	return out
}

type Category struct {
	Title     string     `json:"title" validate:"required"`
	Questions []Question `json:"questions" validate:"dive"`
}

// Penalty is the wrong_penalty setting: either a fixed number of points or
// the question's own point value.
type Penalty struct {
	QuestionPoints bool
	Value          int
}

func (p *Penalty) UnmarshalJSON(data []byte) error {
	*p = Penalty{}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
	case float64:
		p.Value = int(math.Round(v))
	case string:
		if v == penaltyQuestionPoints {
			p.QuestionPoints = true
			return nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("wrong_penalty: %q is neither a number nor %q", v, penaltyQuestionPoints)
		}
		p.Value = int(math.Round(n))
	default:
		return fmt.Errorf("wrong_penalty: unsupported value %v", raw)
	}

	return nil
}

func (p Penalty) MarshalJSON() ([]byte, error) {
	if p.QuestionPoints {
		return json.Marshal(penaltyQuestionPoints)
	}
	return json.Marshal(p.Value)
}

// For returns the points deducted for a wrong answer on a question worth points.
func (p Penalty) For(points int) int {
	if p.QuestionPoints {
		return points
	}
	return p.Value
}

type Settings struct {
	MaxAttempts     *int    `json:"max_attempts,omitempty" validate:"omitempty,gte=0"`
	AllowSteal      bool    `json:"allow_steal"`
	NegativeScoring bool    `json:"negative_scoring"`
	WrongPenalty    Penalty `json:"wrong_penalty"`
	MediaBase       string  `json:"media_base,omitempty"`
}

func (s Settings) AttemptLimit() int {
	if s.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *s.MaxAttempts
}

// Bank is the static dataset for one game: default player names, settings
// and the board's categories.
type Bank struct {
	Players    []string   `json:"players,omitempty" validate:"omitempty,dive,required"`
	Settings   Settings   `json:"settings"`
	Categories []Category `json:"categories" validate:"required,min=1,dive"`
}

// QuestionRef locates a question on the board.
type QuestionRef struct {
	ID       string
	Col      int
	Row      int
	Category string
	Question Question
}

// ParseBank decodes and validates a bank. Every failure wraps ErrInvalidBank.
func ParseBank(data []byte) (*Bank, error) {
	var b *Bank
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBank, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidBank)
	}
	if err := validate.Struct(b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBank, err)
	}

	seen := make(map[string]bool)
	for c, cat := range b.Categories {
		for r := range cat.Questions {
			id := b.QuestionID(c, r)
			if seen[id] {
				return nil, fmt.Errorf("%w: duplicate question id %q", ErrInvalidBank, id)
			}
			seen[id] = true
		}
	}

	return b, nil
}

// LoadBank reads a bank from a local path or an http(s) URL.
func LoadBank(ctx context.Context, src string) (*Bank, error) {
	var (
		data []byte
		err  error
	)

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		data, err = fetch(ctx, src)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("reading question bank %s: %w", src, err)
	}

	return ParseBank(data)
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// DefaultPlayers returns the bank's players with ids p1, p2, ... in bank order.
func (b *Bank) DefaultPlayers() []Player {
	names := b.Players
	if len(names) == 0 {
		names = []string{"Player 1", "Player 2"}
	}

	players := make([]Player, len(names))
	for i, name := range names {
		players[i] = Player{ID: "p" + strconv.Itoa(i+1), Name: name}
	}
	return players
}

// QuestionID returns the explicit id of the question at col/row, or the
// derived "col-row" form.
func (b *Bank) QuestionID(col, row int) string {
	if q := b.Categories[col].Questions[row]; q.ID != "" {
		return q.ID
	}
	return strconv.Itoa(col) + "-" + strconv.Itoa(row)
}

func (b *Bank) Columns() int {
	return len(b.Categories)
}

// Rows is the length of the longest category.
func (b *Bank) Rows() int {
	rows := 0
	for _, c := range b.Categories {
		rows = max(rows, len(c.Questions))
	}
	return rows
}

// Cell returns the question at col/row, or false for a gap.
func (b *Bank) Cell(col, row int) (QuestionRef, bool) {
	if col < 0 || col >= len(b.Categories) {
		return QuestionRef{}, false
	}
	cat := b.Categories[col]
	if row < 0 || row >= len(cat.Questions) {
		return QuestionRef{}, false
	}

	return QuestionRef{
		ID:       b.QuestionID(col, row),
		Col:      col,
		Row:      row,
		Category: cat.Title,
		Question: cat.Questions[row],
	}, true
}

func (b *Bank) Lookup(id string) (QuestionRef, bool) {
	for c, cat := range b.Categories {
		for r := range cat.Questions {
			if b.QuestionID(c, r) == id {
				return b.Cell(c, r)
			}
		}
	}
	return QuestionRef{}, false
}

// Public returns a copy of the bank with every answer removed, for clients
// that must not see answers before they are revealed.
func (b *Bank) Public() *Bank {
	pub := *b
	pub.Categories = make([]Category, len(b.Categories))
	for c, cat := range b.Categories {
		questions := make([]Question, len(cat.Questions))
		for r, q := range cat.Questions {
			q.Answer = ""
			questions[r] = q
		}
		pub.Categories[c] = Category{Title: cat.Title, Questions: questions}
	}
	return &pub
}
