package harness

// TraceEvent is one line of a scenario trace: either a scripted step or an
// accepted remote write observed at the shared store.
type TraceEvent struct {
	Type string `json:"type"` // "step" or "event"

	// Step fields.
	Step   int    `json:"step,omitempty"`
	Client string `json:"client,omitempty"`
	Op     string `json:"op,omitempty"`
	Error  string `json:"error,omitempty"`

	// Event fields.
	Kind string `json:"kind,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
	By   string `json:"by,omitempty"`

	// Shared.
	ID string `json:"id,omitempty"`
}

// ObjectSummary is the golden-file shape of one final object.
type ObjectSummary struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Color  string  `json:"color,omitempty"`
	ZIndex int     `json:"zIndex,omitempty"`
	Locked string  `json:"lockedBy,omitempty"`
	Seq    int64   `json:"seq"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and accepted writes in execution order.
	Trace []TraceEvent `json:"trace"`

	// Final is the authoritative board state after the last step.
	Final []ObjectSummary `json:"final"`

	// Errors lists assertion failures. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Final: []ObjectSummary{}}
}

// AddError records an assertion failure and fails the result.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
