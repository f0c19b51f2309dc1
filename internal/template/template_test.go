package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/goworker/internal/models"
)

func TestSubstitute_Strings(t *testing.T) {
	out, err := Substitute(`{"text": "{{PROMPT}}"}`, map[string]interface{}{"PROMPT": "a red fox"})
	require.NoError(t, err)
	assert.Equal(t, `{"text": "a red fox"}`, out)
}

func TestSubstitute_QuotedNumbersStayJSON(t *testing.T) {
	doc := `{"width": "{{WIDTH}}", "steps": "{{STEPS}}", "seed": "{{SEED}}"}`
	out, err := Substitute(doc, map[string]interface{}{
		"WIDTH": 1024,
		"STEPS": 28,
		"SEED":  int64(123456789),
	})
	require.NoError(t, err)

	var parsed struct {
		Width int   `json:"width"`
		Steps int   `json:"steps"`
		Seed  int64 `json:"seed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, 1024, parsed.Width)
	assert.Equal(t, 28, parsed.Steps)
	assert.Equal(t, int64(123456789), parsed.Seed)
}

func TestSubstitute_RepeatedPlaceholder(t *testing.T) {
	out, err := Substitute(`{{REQID}}-{{REQID}}`, map[string]interface{}{"REQID": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc-abc", out)
}

func TestSubstitute_MissingValuesAreValidationErrors(t *testing.T) {
	_, err := Substitute(`{"p": "{{PROMPT}}", "s": "{{STEPS}}"}`, map[string]interface{}{"PROMPT": "x"})
	require.Error(t, err)

	ve, ok := models.AsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "STEPS")
	assert.NotContains(t, ve.Fields, "PROMPT")
}

func TestSubstitute_ExtraValuesIgnored(t *testing.T) {
	out, err := Substitute(`{{A}}`, map[string]interface{}{"A": "1", "UNUSED": "2"})
	require.NoError(t, err)
	assert.Equal(t, "1", out)
}

func TestPlaceholders(t *testing.T) {
	names := Placeholders(`{"a": "{{PROMPT}}", "b": "{{STEPS}}", "c": "{{PROMPT}}"}`)
	assert.ElementsMatch(t, []string{"PROMPT", "STEPS"}, names)

	assert.Empty(t, Placeholders(`{"a": 1}`))
}
