package dispatch

import "fmt"

// Phase identifies one of the fixed points in a frame at which registered
// callbacks run. The frame driver dispatches them in declaration order.
type Phase int

const (
	PhaseEarly Phase = iota // 0: per-frame logic, input sampling (Update)
	PhaseFixed              // 1: fixed-step simulation (FixedUpdate)
	PhaseLate               // 2: follow-up after all Early/Fixed work (LateUpdate)

	PhaseCount = 3
)

// Phases lists every phase in frame order.
var Phases = [PhaseCount]Phase{PhaseEarly, PhaseFixed, PhaseLate}

func (p Phase) String() string {
	switch p {
	case PhaseEarly:
		return "early"
	case PhaseFixed:
		return "fixed"
	case PhaseLate:
		return "late"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p >= PhaseEarly && p < PhaseCount
}

// ParsePhase maps a phase name ("early", "fixed", "late") to its Phase.
// The source-domain names "update", "fixed_update" and "late_update" are
// accepted too.
func ParsePhase(name string) (Phase, error) {
	switch name {
	case "early", "update":
		return PhaseEarly, nil
	case "fixed", "fixed_update":
		return PhaseFixed, nil
	case "late", "late_update":
		return PhaseLate, nil
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}
