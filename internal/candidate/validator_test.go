package candidate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap2cal/internal/candidate"
	"cap2cal/internal/logging"
)

const testSchema = `{
  "anyOf": [
    {
      "type": "object",
      "required": ["status", "data"],
      "properties": {
        "status": {"enum": ["success"]},
        "data": {
          "type": "object",
          "required": ["items"],
          "properties": {
            "items": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["title", "date_iso"],
                "properties": {
                  "title": {"type": "string"},
                  "date_iso": {"type": "string"},
                  "time_iso": {"type": ["string", "null"]}
                }
              }
            }
          }
        }
      }
    },
    {
      "type": "object",
      "required": ["status", "data"],
      "properties": {
        "status": {"enum": ["error"]},
        "data": {
          "type": "object",
          "required": ["reason"],
          "properties": {"reason": {"enum": ["PROBABLY_NOT_AN_EVENT", "UNKNOWN"]}}
        }
      }
    }
  ]
}`

type item struct {
	Title   string  `json:"title"`
	DateISO string  `json:"date_iso"`
	TimeISO *string `json:"time_iso"`
}

type payload struct {
	Status string `json:"status"`
	Data   struct {
		Items  []item `json:"items"`
		Reason string `json:"reason"`
	} `json:"data"`
}

func (p payload) Check() error {
	for _, it := range p.Data.Items {
		if it.Title == "REJECT" {
			return assert.AnError
		}
	}
	return nil
}

func newValidator(t *testing.T) *candidate.Validator[payload] {
	t.Helper()
	schema, err := candidate.ParseSchema([]byte(testSchema))
	require.NoError(t, err)
	v, err := candidate.NewValidator[payload]("scan", schema, logging.NewNop())
	require.NoError(t, err)
	return v
}

func TestValidateWellFormed(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(`{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02","time_iso":"20:00:00"}]}}`)

	require.True(t, res.Valid, res.Detail)
	assert.False(t, res.Repaired)
	require.Len(t, res.Value.Data.Items, 1)
	assert.Equal(t, "Jazz Night", res.Value.Data.Items[0].Title)
	require.NotNil(t, res.Value.Data.Items[0].TimeISO)
	assert.Equal(t, "20:00:00", *res.Value.Data.Items[0].TimeISO)
	assert.NoError(t, res.Err())
}

func TestValidateStripsCodeFences(t *testing.T) {
	v := newValidator(t)
	res := v.Validate("```json\n{\"status\":\"error\",\"data\":{\"reason\":\"UNKNOWN\"}}\n```")

	require.True(t, res.Valid, res.Detail)
	assert.False(t, res.Repaired)
	assert.Equal(t, "error", res.Value.Status)
}

func TestDeclaredErrorIsValid(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(`{"status":"error","data":{"reason":"PROBABLY_NOT_AN_EVENT"}}`)

	require.True(t, res.Valid, res.Detail)
	assert.Equal(t, "PROBABLY_NOT_AN_EVENT", res.Value.Data.Reason)
}

func TestRepairMatchesWellFormedEquivalent(t *testing.T) {
	cases := []struct {
		name       string
		malformed  string
		wellFormed string
	}{
		{
			name:       "trailing commas",
			malformed:  `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02",},],},}`,
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"}]}}`,
		},
		{
			name:       "single quotes and python literals",
			malformed:  `{'status': 'success', 'data': {'items': [{'title': 'Jazz Night', 'date_iso': '2025-11-02', 'time_iso': None}]}}`,
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02","time_iso":null}]}}`,
		},
		{
			name:       "truncated containers",
			malformed:  `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"}`,
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"}]}}`,
		},
		{
			name:       "truncated after a comma",
			malformed:  `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"},`,
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"}]}}`,
		},
		{
			name:       "unquoted keys and comments",
			malformed:  "{status: \"success\", // model note\n data: {items: [{title: \"Jazz Night\", /* inline */ date_iso: \"2025-11-02\"}]}}",
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz Night","date_iso":"2025-11-02"}]}}`,
		},
		{
			name:       "missing comma between items",
			malformed:  `{"status":"success","data":{"items":[{"title":"A","date_iso":"2025-01-01"} {"title":"B","date_iso":"2025-01-02"}]}}`,
			wellFormed: `{"status":"success","data":{"items":[{"title":"A","date_iso":"2025-01-01"},{"title":"B","date_iso":"2025-01-02"}]}}`,
		},
		{
			name:       "surrounding prose",
			malformed:  `Sure! Here it is: {"status":"error","data":{"reason":"UNKNOWN"}} Hope this helps.`,
			wellFormed: `{"status":"error","data":{"reason":"UNKNOWN"}}`,
		},
		{
			name:       "raw newline inside string",
			malformed:  "{\"status\":\"success\",\"data\":{\"items\":[{\"title\":\"Jazz\nNight\",\"date_iso\":\"2025-11-02\"}]}}",
			wellFormed: `{"status":"success","data":{"items":[{"title":"Jazz\nNight","date_iso":"2025-11-02"}]}}`,
		},
	}

	v := newValidator(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			direct := v.Validate(tc.wellFormed)
			require.True(t, direct.Valid, direct.Detail)
			require.False(t, direct.Repaired)

			repaired := v.Validate(tc.malformed)
			require.True(t, repaired.Valid, repaired.Detail)
			assert.True(t, repaired.Repaired)
			assert.Equal(t, direct.Value, repaired.Value)
		})
	}
}

func TestValidateFailureStages(t *testing.T) {
	v := newValidator(t)

	empty := v.Validate("  ```json\n```  ")
	assert.False(t, empty.Valid)
	assert.Equal(t, candidate.StageParse, empty.Failure)

	garbage := v.Validate("I could not read the poster, sorry")
	assert.False(t, garbage.Valid)
	assert.Equal(t, candidate.StageRepair, garbage.Failure)
	assert.Error(t, garbage.Err())

	missingDate := v.Validate(`{"status":"success","data":{"items":[{"title":"Jazz Night"}]}}`)
	assert.False(t, missingDate.Valid)
	assert.Equal(t, candidate.StageSchema, missingDate.Failure)

	badReason := v.Validate(`{"status":"error","data":{"reason":"SOMETHING_ELSE"}}`)
	assert.False(t, badReason.Valid)
	assert.Equal(t, candidate.StageSchema, badReason.Failure)

	checked := v.Validate(`{"status":"success","data":{"items":[{"title":"REJECT","date_iso":"2025-11-02"}]}}`)
	assert.False(t, checked.Valid)
	assert.Equal(t, candidate.StageSchema, checked.Failure)
}

func TestNewValidatorRequiresSchema(t *testing.T) {
	_, err := candidate.NewValidator[payload]("scan", nil, nil)
	assert.Error(t, err)
}
