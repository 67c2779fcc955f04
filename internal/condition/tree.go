// Package condition evaluates alert-rule condition trees against a device
// telemetry snapshot. Malformed configuration never errors at evaluation
// time; it simply makes the affected comparison false.
package condition

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Literal is the right-hand side of a comparison as stored. It keeps the
// original text so a tree round-trips unchanged; Float parses on demand.
type Literal struct {
	raw    string
	quoted bool
}

// Number returns a numeric literal.
func Number(v float64) Literal {
	return Literal{raw: strconv.FormatFloat(v, 'f', -1, 64)}
}

// Text returns a literal that was written as a JSON string.
func Text(s string) Literal {
	return Literal{raw: s, quoted: true}
}

// Float is the literal's numeric value, or NaN when it does not parse.
func (l Literal) Float() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(l.raw), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func (l Literal) String() string { return l.raw }

func (l Literal) MarshalJSON() ([]byte, error) {
	if l.quoted {
		return json.Marshal(l.raw)
	}
	if l.raw == "" {
		return []byte("null"), nil
	}
	return []byte(l.raw), nil
}

func (l *Literal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = Literal{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Text(s)
		return nil
	case bytes.Equal(data, []byte("true")):
		*l = Literal{raw: "1"}
		return nil
	case bytes.Equal(data, []byte("false")):
		*l = Literal{raw: "0"}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("condition value: %w", err)
	}
	*l = Literal{raw: n.String()}
	return nil
}

// Condition is one atomic comparison. Field and Operator stay as stored
// strings so unknown names survive a round trip and evaluate false.
type Condition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    Literal `json:"value"`
}

// Tree combines conditions with "and" or "or". An empty Operator means "and".
type Tree struct {
	Operator string      `json:"operator,omitempty"`
	Rules    []Condition `json:"rules"`
}

// ParseTree decodes a stored condition tree.
func ParseTree(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return Tree{}, fmt.Errorf("parse condition tree: %w", err)
	}
	return t, nil
}

// Encode serializes t in the stored form.
func (t Tree) Encode() ([]byte, error) {
	if t.Rules == nil {
		t.Rules = []Condition{}
	}
	return json.Marshal(t)
}

var ErrEmptyTree = errors.New("condition tree has no rules")

// Validate reports configuration errors for trees created through the admin
// API. Stored trees that fail validation still evaluate, to false.
func (t Tree) Validate() error {
	switch strings.ToLower(t.Operator) {
	case "", "and", "or":
	default:
		return fmt.Errorf("unknown tree operator %q", t.Operator)
	}
	if len(t.Rules) == 0 {
		return ErrEmptyTree
	}
	for i, c := range t.Rules {
		if _, ok := ParseField(c.Field); !ok {
			return fmt.Errorf("rule %d: unknown field %q", i, c.Field)
		}
		if _, ok := ParseOperator(c.Operator); !ok {
			return fmt.Errorf("rule %d: unknown operator %q", i, c.Operator)
		}
		if math.IsNaN(c.Value.Float()) {
			return fmt.Errorf("rule %d: value %q is not a number", i, c.Value.String())
		}
	}
	return nil
}
