package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	t.Run("empty_is_nil", func(t *testing.T) {
		c, err := ParseCondition(nil)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("null_is_nil", func(t *testing.T) {
		c, err := ParseCondition(json.RawMessage(`null`))
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("valid_leaf", func(t *testing.T) {
		c, err := ParseCondition(json.RawMessage(`{"field":"who","op":"eq","value":"alice"}`))
		require.NoError(t, err)
		require.NotNil(t, c)
	})

	t.Run("malformed_json", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"field":`))
		assert.ErrorIs(t, err, ErrBadCondition)
	})

	t.Run("unknown_operator", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"field":"x","op":"regex","value":"a.*"}`))
		assert.ErrorIs(t, err, ErrUnsupportedOp)
	})

	t.Run("missing_field", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"op":"eq","value":1}`))
		assert.ErrorIs(t, err, ErrBadCondition)
	})

	t.Run("mixed_combinators", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(
			`{"all":[{"field":"a","op":"eq","value":1}],"any":[{"field":"b","op":"eq","value":2}]}`))
		assert.ErrorIs(t, err, ErrBadCondition)
	})

	t.Run("combinator_with_comparison", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(
			`{"field":"a","op":"eq","all":[{"field":"b","op":"eq","value":1}]}`))
		assert.ErrorIs(t, err, ErrBadCondition)
	})

	t.Run("invalid_nested_node", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(
			`{"all":[{"field":"a","op":"between","value":1}]}`))
		assert.ErrorIs(t, err, ErrUnsupportedOp)
	})
}

func TestConditionEvaluate(t *testing.T) {
	payload := json.RawMessage(`{
		"who": "alice",
		"temp": 21.5,
		"armed": true,
		"zones": ["kitchen", "hall"],
		"door": {"state": "open"}
	}`)

	eval := func(t *testing.T, raw string) (bool, error) {
		t.Helper()
		c, err := ParseCondition(json.RawMessage(raw))
		require.NoError(t, err)
		return c.Evaluate(payload)
	}

	t.Run("nil_condition_matches", func(t *testing.T) {
		var c *Condition
		ok, err := c.Evaluate(payload)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	tests := []struct {
		name    string
		cond    string
		matched bool
	}{
		{"eq_string_match", `{"field":"who","op":"eq","value":"alice"}`, true},
		{"eq_string_miss", `{"field":"who","op":"eq","value":"bob"}`, false},
		{"ne_string", `{"field":"who","op":"ne","value":"bob"}`, true},
		{"eq_number", `{"field":"temp","op":"eq","value":21.5}`, true},
		{"eq_bool", `{"field":"armed","op":"eq","value":true}`, true},
		{"lt_number", `{"field":"temp","op":"lt","value":25}`, true},
		{"lte_equal", `{"field":"temp","op":"lte","value":21.5}`, true},
		{"gt_number_miss", `{"field":"temp","op":"gt","value":25}`, false},
		{"gte_equal", `{"field":"temp","op":"gte","value":21.5}`, true},
		{"string_ordering", `{"field":"who","op":"lt","value":"bob"}`, true},
		{"contains_substring", `{"field":"who","op":"contains","value":"lic"}`, true},
		{"contains_array_member", `{"field":"zones","op":"contains","value":"hall"}`, true},
		{"contains_array_miss", `{"field":"zones","op":"contains","value":"garage"}`, false},
		{"nested_field", `{"field":"door.state","op":"eq","value":"open"}`, true},
		{"all_both_match", `{"all":[{"field":"who","op":"eq","value":"alice"},{"field":"armed","op":"eq","value":true}]}`, true},
		{"all_one_misses", `{"all":[{"field":"who","op":"eq","value":"alice"},{"field":"armed","op":"eq","value":false}]}`, false},
		{"any_one_matches", `{"any":[{"field":"who","op":"eq","value":"bob"},{"field":"temp","op":"gt","value":20}]}`, true},
		{"any_none_match", `{"any":[{"field":"who","op":"eq","value":"bob"},{"field":"temp","op":"gt","value":30}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := eval(t, tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.matched, ok)
		})
	}

	t.Run("missing_field_errors", func(t *testing.T) {
		ok, err := eval(t, `{"field":"absent","op":"eq","value":1}`)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("type_mismatch_errors", func(t *testing.T) {
		ok, err := eval(t, `{"field":"who","op":"eq","value":42}`)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("ordering_rejects_bool_literal", func(t *testing.T) {
		ok, err := eval(t, `{"field":"temp","op":"lt","value":true}`)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("all_propagates_error", func(t *testing.T) {
		ok, err := eval(t, `{"all":[{"field":"absent","op":"eq","value":1},{"field":"who","op":"eq","value":"alice"}]}`)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("any_match_wins_over_error", func(t *testing.T) {
		ok, err := eval(t, `{"any":[{"field":"absent","op":"eq","value":1},{"field":"who","op":"eq","value":"alice"}]}`)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
