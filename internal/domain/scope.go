package domain

// Propagation modes reported by a fan-out.
const (
	ModePool     = "pool"
	ModeErrgroup = "errgroup"
)

// ContextView is a snapshot of one request context instance as seen from
// the goroutine that reads it.
type ContextView struct {
	ContextID     string
	CarrierID     string
	RequestID     string
	CorrelationID string
	TraceID       string

	// Slots holds every slot rendered as text, keyed by slot name.
	Slots map[string]string
}

// UnitObservation is what one spawned unit saw of the request context.
type UnitObservation struct {
	Index  int
	UnitID string
	Lane   int

	// ContextID is the instance ambient on the unit's first statement.
	ContextID string

	// OverlayID is the private copy the unit wrote its own slot into.
	OverlayID string

	RequestID string
	TraceID   string

	// Unit is the value the unit read back from its overlay.
	Unit int
}

// FanoutReport collects the observations of every unit in one fan-out.
type FanoutReport struct {
	ContextID string
	Mode      string
	Units     []UnitObservation

	// Leaked is true when a unit's overlay write became visible in the
	// request context after the fan-out joined.
	Leaked bool
}

// Propagated reports whether every unit started under the request's own
// context instance.
func (r *FanoutReport) Propagated() bool {
	for _, u := range r.Units {
		if u.ContextID != r.ContextID {
			return false
		}
	}

	return len(r.Units) > 0
}
