package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	payload := map[string]any{
		"prompt": "summarize",
	}

	tsk := NewTask("generate", payload, HighPriority)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "generate", tsk.Type)
	assert.Equal(t, payload, tsk.Payload)
	assert.Equal(t, HighPriority, tsk.Priority)
	assert.Equal(t, DefaultMaxAttempts, tsk.MaxAttempts)
	assert.False(t, tsk.CreatedAt.IsZero())
	assert.Nil(t, tsk.ComplexityHint)
	assert.NoError(t, tsk.Validate())
}

func TestTaskValidate(t *testing.T) {
	negative := -1.0

	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{name: "missing id", mutate: func(t *Task) { t.ID = "" }, field: "id"},
		{name: "missing type", mutate: func(t *Task) { t.Type = "" }, field: "type"},
		{name: "zero attempts", mutate: func(t *Task) { t.MaxAttempts = 0 }, field: "maxattempts"},
		{name: "priority out of range", mutate: func(t *Task) { t.Priority = 7 }, field: "priority"},
		{name: "negative complexity", mutate: func(t *Task) { t.ComplexityHint = &negative }, field: "complexityhint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tsk := NewTask("generate", nil, NormalPriority)
			tt.mutate(tsk)

			err := tsk.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, LowPriority, NormalPriority)
	assert.Less(t, NormalPriority, HighPriority)
	assert.Less(t, HighPriority, CriticalPriority)
	assert.Equal(t, []TaskPriority{CriticalPriority, HighPriority, NormalPriority, LowPriority}, Priorities)
}

func TestParsePriority(t *testing.T) {
	for _, p := range Priorities {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	parsed, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, NormalPriority, parsed)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(map[string]TaskPriority{"p": CriticalPriority})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"critical"}`, string(data))

	var decoded struct {
		P TaskPriority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"low"}`), &decoded))
	assert.Equal(t, LowPriority, decoded.P)

	assert.Error(t, json.Unmarshal([]byte(`{"p":"bogus"}`), &decoded))
}

func TestTaskFromJSON(t *testing.T) {
	hint := 2.5
	original := NewTask("generate", map[string]any{"key": "value"}, CriticalPriority)
	original.ComplexityHint = &hint

	jsonStr, err := original.ToJSON()
	require.NoError(t, err)

	restored, err := TaskFromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Priority, restored.Priority)
	require.NotNil(t, restored.ComplexityHint)
	assert.InDelta(t, hint, *restored.ComplexityHint, 0.0001)

	_, err = TaskFromJSON("invalid json")
	assert.Error(t, err)
}

func TestMessageAttempts(t *testing.T) {
	tsk := NewTask("generate", nil, NormalPriority)
	tsk.MaxAttempts = 3
	msg := NewMessage(tsk)

	assert.Equal(t, 1, msg.Attempt())
	assert.False(t, msg.Exhausted())

	second := msg.NextAttempt()
	assert.Equal(t, 2, second.Attempt())
	assert.Equal(t, 0, msg.AttemptCount, "original message is not mutated")
	assert.False(t, second.Exhausted())

	third := second.NextAttempt()
	assert.True(t, third.Exhausted())
}

func TestMessageEncodeDecode(t *testing.T) {
	msg := NewMessage(NewTask("generate", map[string]any{"prompt": "x"}, HighPriority))

	raw, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, raw, `"attempt_count":0`)
	assert.Contains(t, raw, `"priority":"high"`)

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.TaskID, decoded.TaskID)
	assert.Equal(t, HighPriority, decoded.Priority)
	assert.Positive(t, decoded.PayloadSize())

	_, err = DecodeMessage("{")
	assert.Error(t, err)
}
