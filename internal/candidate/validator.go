package candidate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"cap2cal/internal/logging"
)

const rawSnippetLimit = 1000

// Checker is implemented by payloads with invariants the schema cannot
// express, such as numeric ranges or date formats.
type Checker interface {
	Check() error
}

// Validator validates raw model output for one pipeline stage against a
// resolved JSON schema and decodes it into T.
type Validator[T any] struct {
	stage  string
	schema *jsonschema.Resolved
	logger *slog.Logger
}

// ParseSchema decodes a JSON schema document.
func ParseSchema(data []byte) (*jsonschema.Schema, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &schema, nil
}

// NewValidator resolves schema and returns a validator for stage.
func NewValidator[T any](stage string, schema *jsonschema.Schema, logger *slog.Logger) (*Validator[T], error) {
	if schema == nil {
		return nil, errors.New("candidate validator: schema required")
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("candidate validator: resolve %s schema: %w", stage, err)
	}
	return &Validator[T]{
		stage:  stage,
		schema: resolved,
		logger: logging.NewComponentLogger(logger, "validator").With(logging.String(logging.FieldStage, stage)),
	}, nil
}

// Validate runs fence stripping, strict parse, repair, schema validation, and
// typed decode in that order.
func (v *Validator[T]) Validate(raw string) (result Result[T]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			v.logger.Error("candidate validation panicked",
				logging.String(logging.FieldEventType, "validator_panic"),
				logging.String(logging.FieldErrorHint, "inspect schema and raw payload"),
				logging.Any("panic", recovered),
			)
			result = Invalid[T](StageSchema, fmt.Sprintf("internal validation failure: %v", recovered))
		}
	}()

	text := StripCodeFences(raw)
	if text == "" {
		v.logger.Debug("empty candidate payload")
		return Invalid[T](StageParse, "empty payload")
	}

	var parsed any
	repaired := false
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		v.logger.Debug("strict parse failed, attempting repair",
			logging.Error(err),
			logging.Int("text_length", len(text)),
		)
		fixed, repairErr := Repair(text)
		if repairErr != nil {
			v.logRejected(StageRepair, repairErr.Error(), text)
			return Invalid[T](StageRepair, fmt.Sprintf("parse: %v; %v", err, repairErr))
		}
		if err := json.Unmarshal([]byte(fixed), &parsed); err != nil {
			v.logRejected(StageRepair, err.Error(), text)
			return Invalid[T](StageRepair, fmt.Sprintf("reparse: %v", err))
		}
		repaired = true
		v.logger.Debug("candidate JSON repaired")
	}

	if err := v.schema.Validate(parsed); err != nil {
		v.logRejected(StageSchema, err.Error(), text)
		return Invalid[T](StageSchema, err.Error())
	}

	normalized, err := json.Marshal(parsed)
	if err != nil {
		return Invalid[T](StageSchema, fmt.Sprintf("re-encode: %v", err))
	}
	var value T
	if err := json.Unmarshal(normalized, &value); err != nil {
		v.logRejected(StageSchema, err.Error(), text)
		return Invalid[T](StageSchema, fmt.Sprintf("decode: %v", err))
	}
	if checker, ok := any(&value).(Checker); ok {
		if err := checker.Check(); err != nil {
			v.logRejected(StageSchema, err.Error(), text)
			return Invalid[T](StageSchema, err.Error())
		}
	}
	return Valid(value, repaired)
}

func (v *Validator[T]) logRejected(stage FailureStage, detail, text string) {
	v.logger.Warn("candidate rejected",
		logging.String("failure_stage", string(stage)),
		logging.String("detail", detail),
		logging.String("raw_snippet", snippet(text)),
		logging.String(logging.FieldEventType, "candidate_rejected"),
		logging.String(logging.FieldErrorHint, "model output did not match the expected shape"),
		logging.String(logging.FieldImpact, "candidate discarded"),
	)
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= rawSnippetLimit {
		return text
	}
	return text[:rawSnippetLimit] + "..."
}
