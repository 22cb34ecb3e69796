package candidate

import "fmt"

// FailureStage names the validation step that rejected a candidate.
type FailureStage string

const (
	StageParse  FailureStage = "parse"
	StageRepair FailureStage = "repair"
	StageSchema FailureStage = "schema"
)

// Result is the tagged outcome of Validate: either Valid with Value set, or
// invalid with Failure and Detail set.
type Result[T any] struct {
	Value    T
	Valid    bool
	Repaired bool
	Failure  FailureStage
	Detail   string
}

// Valid wraps a payload as a successful result.
func Valid[T any](value T, repaired bool) Result[T] {
	return Result[T]{Value: value, Valid: true, Repaired: repaired}
}

// Invalid builds a failed result.
func Invalid[T any](stage FailureStage, detail string) Result[T] {
	return Result[T]{Failure: stage, Detail: detail}
}

// Err returns nil for valid results and a descriptive error otherwise.
func (r Result[T]) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("candidate rejected at %s: %s", r.Failure, r.Detail)
}
