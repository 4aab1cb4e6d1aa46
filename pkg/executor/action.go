package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"tradefleet/pkg/agent"
)

// MaxSummaryChars bounds the reasoning summary kept from a model response.
const MaxSummaryChars = 500

// ErrMalformedAction marks model output that could not be read as an action.
var ErrMalformedAction = errors.New("executor: malformed action")

// Action is a parsed model decision. Fields irrelevant to Kind are zero.
type Action struct {
	Kind         agent.ActionKind
	Symbol       string
	PositionSize decimal.Decimal
	StopLoss     decimal.NullDecimal
	TakeProfit   decimal.NullDecimal
	PositionID   int64
	Confidence   int
	Summary      string
	Reasoning    string
}

// Hold builds a hold action carrying reason in both summary and reasoning.
func Hold(reason string) Action {
	return Action{
		Kind:      agent.ActionHold,
		Summary:   truncate(reason, MaxSummaryChars),
		Reasoning: reason,
	}
}

// WithViolation turns a into a hold, keeping the original request text and
// appending the reason it was refused.
func (a Action) WithViolation(reason string) Action {
	requested := string(a.Kind)
	if a.Symbol != "" {
		requested += " " + a.Symbol
	}
	held := Hold(fmt.Sprintf("rejected %s: %s", requested, reason))
	held.Confidence = a.Confidence
	if a.Reasoning != "" {
		held.Reasoning = a.Reasoning + "\n\n[rejected] " + reason
	}
	return held
}

// contract is the JSON shape requested from the model. Every field is read
// leniently because nothing about the response is trusted.
type contract struct {
	Action           json.RawMessage `json:"action"`
	Symbol           json.RawMessage `json:"symbol"`
	PositionSize     json.RawMessage `json:"position_size"`
	StopLoss         json.RawMessage `json:"stop_loss"`
	TakeProfit       json.RawMessage `json:"take_profit"`
	PositionID       json.RawMessage `json:"position_id"`
	Confidence       json.RawMessage `json:"confidence"`
	ReasoningSummary json.RawMessage `json:"reasoning_summary"`
	Reasoning        json.RawMessage `json:"reasoning"`
}

// ParseAction reads a model response into an Action. Code fences, leading
// prose and a BOM are tolerated; anything outside the closed action set is
// rejected with ErrMalformedAction.
func ParseAction(raw string) (Action, error) {
	body, err := extractObject(raw)
	if err != nil {
		return Action{}, err
	}
	var c contract
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	kind := agent.ActionKind(strings.ToLower(strings.TrimSpace(text(c.Action))))
	if !kind.Valid() {
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrMalformedAction, text(c.Action))
	}
	a := Action{
		Kind:      kind,
		Symbol:    strings.ToUpper(strings.TrimSpace(text(c.Symbol))),
		Summary:   truncate(strings.TrimSpace(text(c.ReasoningSummary)), MaxSummaryChars),
		Reasoning: strings.TrimSpace(text(c.Reasoning)),
	}
	if a.Summary == "" {
		a.Summary = truncate(a.Reasoning, MaxSummaryChars)
	}

	if v, ok, err := number(c.PositionSize); err != nil {
		return Action{}, fmt.Errorf("%w: position_size: %v", ErrMalformedAction, err)
	} else if ok {
		a.PositionSize = v
	}
	if v, ok, err := number(c.StopLoss); err != nil {
		return Action{}, fmt.Errorf("%w: stop_loss: %v", ErrMalformedAction, err)
	} else if ok {
		a.StopLoss = decimal.NewNullDecimal(v)
	}
	if v, ok, err := number(c.TakeProfit); err != nil {
		return Action{}, fmt.Errorf("%w: take_profit: %v", ErrMalformedAction, err)
	} else if ok {
		a.TakeProfit = decimal.NewNullDecimal(v)
	}
	if v, ok, err := number(c.PositionID); err != nil {
		return Action{}, fmt.Errorf("%w: position_id: %v", ErrMalformedAction, err)
	} else if ok {
		if !v.Equal(v.Truncate(0)) || v.IsNegative() {
			return Action{}, fmt.Errorf("%w: position_id %s is not an id", ErrMalformedAction, v)
		}
		a.PositionID = v.IntPart()
	}
	if v, ok, err := number(c.Confidence); err != nil {
		return Action{}, fmt.Errorf("%w: confidence: %v", ErrMalformedAction, err)
	} else if ok {
		a.Confidence = clampConfidence(v.InexactFloat64())
	}
	return a, nil
}

func extractObject(raw string) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(raw, "\uFEFF"))
	if s == "" {
		return "", fmt.Errorf("%w: empty response", ErrMalformedAction)
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformedAction)
	}
	return s[start : end+1], nil
}

// text decodes a JSON string, passing through bare scalars as their literal.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// number accepts a JSON number or a numeric string. Null, missing and empty
// values report ok=false.
func number(raw json.RawMessage) (decimal.Decimal, bool, error) {
	s := strings.TrimSpace(text(raw))
	if s == "" {
		return decimal.Zero, false, nil
	}
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false, fmt.Errorf("not finite: %q", s)
	}
	return decimal.NewFromFloat(f), true, nil
}

func clampConfidence(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(math.Round(v))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
