package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// MaxPatchSize is the largest patch payload accepted from the wire (16 MiB).
const MaxPatchSize = 16 * 1024 * 1024

// MaxRefLength is the wire capacity of branch and commit names. Names must be
// strictly shorter.
const MaxRefLength = 128

// Type selects the decision engine mode of a test
type Type uint8

const (
	TypeSPRT Type = iota
	TypeFixedElo
)

func (t Type) String() string {
	switch t {
	case TypeSPRT:
		return "sprt"
	case TypeFixedElo:
		return "elo"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses the textual test type used on the command line.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "sprt":
		return TypeSPRT, nil
	case "elo", "fixedelo", "fixed-elo":
		return TypeFixedElo, nil
	default:
		return 0, fmt.Errorf("unknown test type %q (expected sprt or elo)", s)
	}
}

// Params are the request parameters of a test. They are immutable once the
// test is queued.
type Params struct {
	// Decision engine mode
	Type Type `json:"type"`
	// Base thinking time per game in seconds
	MainTime float64 `json:"maintime"`
	// Increment per move in seconds
	Increment float64 `json:"increment"`
	// SPRT type I error bound
	Alpha float64 `json:"alpha"`
	// SPRT type II error bound
	Beta float64 `json:"beta"`
	// Elo of the null hypothesis
	Elo0 float64 `json:"elo0"`
	// Elo of the alternative hypothesis
	Elo1 float64 `json:"elo1"`
	// Target confidence half-width for fixed Elo tests
	EloE float64 `json:"eloe"`
	// Maximum number of games
	Games uint64 `json:"games"`
	// Branch to clone
	Branch string `json:"branch"`
	// Commit to reset the branch to
	Commit string `json:"commit"`
}

// Stats are the mutable progress fields published by the running node.
type Stats struct {
	// Trinomial counts: loss, draw, win
	T [3]uint64 `json:"t"`
	// Pentanomial counts over game pairs
	P [5]uint64 `json:"p"`
	// Running log-likelihood ratio (SPRT)
	LLR float64 `json:"llr"`
	// Running Elo estimate
	Elo float64 `json:"elo"`
	// Confidence half-width of Elo
	PM float64 `json:"pm"`
}

// Played returns the number of finished single games.
func (s Stats) Played() uint64 {
	return s.T[0] + s.T[1] + s.T[2]
}

// Pairs returns the number of finished game pairs.
func (s Stats) Pairs() uint64 {
	var n uint64
	for _, c := range s.P {
		n += c
	}
	return n
}

// Test is a unit of work and its accumulated results
type Test struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
	Params
	Stats
	// Unix time the test was queued
	QTime int64 `json:"qtime"`
	// Unix time the first game started
	STime int64 `json:"stime"`
	// Unix time a terminal status was reached
	DTime int64 `json:"dtime"`
}

// MarshalJSON encodes an undefined half-width as null, JSON has no infinity.
func (t Test) MarshalJSON() ([]byte, error) {
	type plain Test
	var pm *float64
	if !math.IsInf(t.PM, 0) && !math.IsNaN(t.PM) {
		pm = &t.PM
	}
	return json.Marshal(struct {
		plain
		PM *float64 `json:"pm"`
	}{plain: plain(t), PM: pm})
}

func (t *Test) UnmarshalJSON(data []byte) error {
	type plain Test
	aux := struct {
		*plain
		PM *float64 `json:"pm"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.PM = math.Inf(1)
	if aux.PM != nil {
		t.PM = *aux.PM
	}
	return nil
}

// Started reports whether at least one game has been counted.
func (t *Test) Started() bool {
	return t.Played() > 0
}

// Validate checks the request parameters before a test is queued.
func (p Params) Validate() error {
	if err := validateRef("branch", p.Branch); err != nil {
		return err
	}
	if err := validateRef("commit", p.Commit); err != nil {
		return err
	}
	if !(p.MainTime > 0) {
		return fmt.Errorf("invalid maintime %v: must be positive", p.MainTime)
	}
	if !(p.Increment >= 0) {
		return fmt.Errorf("invalid increment %v: must not be negative", p.Increment)
	}
	if p.Games < 2 {
		return fmt.Errorf("invalid games %d: at least one game pair is required", p.Games)
	}
	if p.Games%2 != 0 {
		return fmt.Errorf("invalid games %d: games are played in pairs, the cap must be even", p.Games)
	}

	switch p.Type {
	case TypeSPRT:
		if !(p.Alpha > 0 && p.Alpha < 0.5) {
			return fmt.Errorf("invalid alpha %v: must be in (0, 0.5)", p.Alpha)
		}
		if !(p.Beta > 0 && p.Beta < 0.5) {
			return fmt.Errorf("invalid beta %v: must be in (0, 0.5)", p.Beta)
		}
		if !(p.Elo0 < p.Elo1) {
			return fmt.Errorf("invalid hypotheses: elo0 %v must be less than elo1 %v", p.Elo0, p.Elo1)
		}
	case TypeFixedElo:
		if !(p.EloE > 0) {
			return fmt.Errorf("invalid eloe %v: must be positive", p.EloE)
		}
	default:
		return fmt.Errorf("invalid test type %d", p.Type)
	}
	return nil
}

func validateRef(what, ref string) error {
	if ref == "" {
		return fmt.Errorf("invalid %s: must not be empty", what)
	}
	if len(ref) >= MaxRefLength {
		return fmt.Errorf("invalid %s: longer than %d bytes", what, MaxRefLength-1)
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("invalid %s %q: must not start with '-'", what, ref)
	}
	for _, r := range ref {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("invalid %s %q: contains whitespace or control characters", what, ref)
		}
	}
	return nil
}

// TimeControl renders the time control as maintime+increment.
func (p Params) TimeControl() string {
	return fmt.Sprintf("%s+%s", trimFloat(p.MainTime), trimFloat(p.Increment))
}

// trimFloat prints at most two decimals without trailing zeros.
func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
