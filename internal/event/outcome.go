package event

// Outcome is the result of one scan race: either a list of skeletons or a
// declared reason. It is produced once and not mutated afterwards.
type Outcome struct {
	Items  []Skeleton
	Meta   Meta
	Reason ErrorReason
}

// Success builds a successful outcome.
func Success(items []Skeleton, meta Meta) Outcome {
	return Outcome{Items: items, Meta: meta}
}

// Failure builds a declared failure outcome.
func Failure(reason ErrorReason) Outcome {
	if reason == "" {
		reason = ReasonUnknown
	}
	return Outcome{Reason: reason}
}

// OK reports whether the outcome carries items rather than a declared reason.
func (o Outcome) OK() bool {
	return o.Reason == ""
}
