package reconcile

// Outcome classifies what an apply call did with one inbound event. It feeds metrics and
// tests; callers on the ingest path never treat any outcome as an error.
type Outcome string

const (
	Applied    Outcome = "applied"
	Unchanged  Outcome = "unchanged"
	Unresolved Outcome = "unresolved"
	Malformed  Outcome = "malformed"
	Failed     Outcome = "failed"
	Ignored    Outcome = "ignored"
)
