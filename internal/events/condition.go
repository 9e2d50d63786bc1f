package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Condition evaluation errors. The router treats all of them as non-match.
var (
	ErrBadCondition  = errors.New("malformed condition")
	ErrMissingField  = errors.New("field not present in payload")
	ErrTypeMismatch  = errors.New("operand type mismatch")
	ErrUnsupportedOp = errors.New("unsupported operator")
)

// Condition is a small expression tree evaluated against event payloads.
// A node is either a leaf comparison (Field/Op/Value) or a combinator
// (All = conjunction, Any = disjunction). Field uses gjson path syntax, so
// nested payload fields are addressable as "person.name".
type Condition struct {
	Field string          `json:"field,omitempty"`
	Op    string          `json:"op,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

// Supported leaf operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpContains = "contains"
)

// ParseCondition decodes and validates a condition document. An empty
// document yields a nil condition, which matches everything.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCondition, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Condition) validate() error {
	combinators := 0
	if len(c.All) > 0 {
		combinators++
	}
	if len(c.Any) > 0 {
		combinators++
	}
	if combinators > 1 {
		return fmt.Errorf("%w: node mixes all and any", ErrBadCondition)
	}
	if combinators == 1 {
		if c.Field != "" || c.Op != "" {
			return fmt.Errorf("%w: combinator node carries a comparison", ErrBadCondition)
		}
		for i := range c.All {
			if err := c.All[i].validate(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Field == "" {
		return fmt.Errorf("%w: comparison node requires a field", ErrBadCondition)
	}
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOp, c.Op)
	}
}

// Evaluate applies the condition to an event payload. Any evaluation error
// (missing field, type mismatch) is returned to the caller, which treats it
// as a non-match. A nil condition matches everything.
func (c *Condition) Evaluate(payload json.RawMessage) (bool, error) {
	if c == nil {
		return true, nil
	}

	if len(c.All) > 0 {
		for i := range c.All {
			ok, err := c.All[i].Evaluate(payload)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(c.Any) > 0 {
		var firstErr error
		for i := range c.Any {
			ok, err := c.Any[i].Evaluate(payload)
			if ok {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return false, firstErr
	}

	return c.compare(payload)
}

// compare evaluates a leaf node against the payload.
func (c *Condition) compare(payload json.RawMessage) (bool, error) {
	field := gjson.GetBytes(payload, c.Field)
	if !field.Exists() {
		return false, fmt.Errorf("%w: %s", ErrMissingField, c.Field)
	}

	var literal any
	if err := json.Unmarshal(c.Value, &literal); err != nil {
		return false, fmt.Errorf("%w: bad literal: %v", ErrBadCondition, err)
	}

	switch c.Op {
	case OpEq:
		return equals(field, literal)
	case OpNe:
		eq, err := equals(field, literal)
		return !eq && err == nil, err
	case OpLt, OpLte, OpGt, OpGte:
		return order(c.Op, field, literal)
	case OpContains:
		return contains(field, literal)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOp, c.Op)
	}
}

// equals compares a payload field to a JSON literal of matching type.
func equals(field gjson.Result, literal any) (bool, error) {
	switch lit := literal.(type) {
	case string:
		if field.Type != gjson.String {
			return false, fmt.Errorf("%w: expected string field", ErrTypeMismatch)
		}
		return field.Str == lit, nil
	case float64:
		if field.Type != gjson.Number {
			return false, fmt.Errorf("%w: expected numeric field", ErrTypeMismatch)
		}
		return field.Num == lit, nil
	case bool:
		if field.Type != gjson.True && field.Type != gjson.False {
			return false, fmt.Errorf("%w: expected boolean field", ErrTypeMismatch)
		}
		return field.Bool() == lit, nil
	case nil:
		return field.Type == gjson.Null, nil
	default:
		return false, fmt.Errorf("%w: unsupported literal type %T", ErrTypeMismatch, literal)
	}
}

// order applies an ordering comparison over numbers or strings.
func order(op string, field gjson.Result, literal any) (bool, error) {
	var cmp int
	switch lit := literal.(type) {
	case float64:
		if field.Type != gjson.Number {
			return false, fmt.Errorf("%w: expected numeric field", ErrTypeMismatch)
		}
		switch {
		case field.Num < lit:
			cmp = -1
		case field.Num > lit:
			cmp = 1
		}
	case string:
		if field.Type != gjson.String {
			return false, fmt.Errorf("%w: expected string field", ErrTypeMismatch)
		}
		cmp = strings.Compare(field.Str, lit)
	default:
		return false, fmt.Errorf("%w: ordering requires number or string literal", ErrTypeMismatch)
	}

	switch op {
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	default:
		return cmp >= 0, nil
	}
}

// contains checks membership: substring for string fields, element equality
// for array fields.
func contains(field gjson.Result, literal any) (bool, error) {
	if field.Type == gjson.String {
		lit, ok := literal.(string)
		if !ok {
			return false, fmt.Errorf("%w: string containment requires string literal", ErrTypeMismatch)
		}
		return strings.Contains(field.Str, lit), nil
	}
	if field.IsArray() {
		for _, elem := range field.Array() {
			if eq, err := equals(elem, literal); err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: contains requires string or array field", ErrTypeMismatch)
}
