// Package reachability observes the network path and reports edge-triggered
// transitions: recovery, loss, interface handoff, and constraint changes.
package reachability

import "fmt"

// Status is the coarse reachability of the network path.
type Status int

const (
	StatusUnknown Status = iota
	StatusAvailable
	StatusUnavailable
	StatusConstrained
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	case StatusConstrained:
		return "constrained"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Usable reports whether traffic can flow. A constrained path (low data
// mode, expensive link) is still usable.
func (s Status) Usable() bool {
	return s == StatusAvailable || s == StatusConstrained
}

// InterfaceClass is the kind of link carrying the default route.
type InterfaceClass int

const (
	InterfaceNone InterfaceClass = iota
	InterfaceWiFi
	InterfaceCellular
	InterfaceWired
	InterfaceOther
)

func (c InterfaceClass) String() string {
	switch c {
	case InterfaceNone:
		return "none"
	case InterfaceWiFi:
		return "wifi"
	case InterfaceCellular:
		return "cellular"
	case InterfaceWired:
		return "wired"
	case InterfaceOther:
		return "other"
	default:
		return fmt.Sprintf("interface(%d)", int(c))
	}
}

// Path is one observation of the network.
type Path struct {
	Status    Status
	Interface InterfaceClass
}

func (p Path) String() string {
	return p.Status.String() + "/" + p.Interface.String()
}

// ChangeKind classifies an edge between two paths.
type ChangeKind int

const (
	// Recovered: the path became usable.
	Recovered ChangeKind = iota + 1
	// Lost: a usable path became unavailable.
	Lost
	// InterfaceChanged: still usable, but over a different link class.
	InterfaceChanged
	// ConstraintChanged: moved between available and constrained on the
	// same link.
	ConstraintChanged
	// Degraded: unavailable or unknown to unknown and similar edges that
	// carry no reconnect meaning.
	Degraded
)

func (k ChangeKind) String() string {
	switch k {
	case Recovered:
		return "recovered"
	case Lost:
		return "lost"
	case InterfaceChanged:
		return "interface_changed"
	case ConstraintChanged:
		return "constraint_changed"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// Transition is an edge emitted by the Monitor.
type Transition struct {
	From Path
	To   Path
	Kind ChangeKind
}

// Classify returns the kind of edge from one path to another, or false
// when the paths are identical.
func Classify(from, to Path) (ChangeKind, bool) {
	if from == to {
		return 0, false
	}

	switch {
	case !from.Status.Usable() && to.Status.Usable():
		return Recovered, true
	case from.Status.Usable() && to.Status == StatusUnavailable:
		return Lost, true
	case from.Status.Usable() && to.Status.Usable() && from.Interface != to.Interface:
		return InterfaceChanged, true
	case from.Status.Usable() && to.Status.Usable():
		return ConstraintChanged, true
	default:
		return Degraded, true
	}
}
