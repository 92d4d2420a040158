package model

import "fmt"

// Status of a RegistryEntry
//
//	new -> queued -> scanned -> done
//	queued, scanned -> failed
//	failed -> new (operator re-queue)
type Status string

const (
	StatusNew     Status = "new"
	StatusQueued  Status = "queued"
	StatusScanned Status = "scanned"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var transitions = map[Status][]Status{
	StatusNew:     {StatusQueued},
	StatusQueued:  {StatusScanned, StatusFailed},
	StatusScanned: {StatusDone, StatusFailed},
	StatusFailed:  {StatusNew},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusScanned, StatusDone, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports if from -> to is a legal move
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns all states from which to is reachable in one step
func Sources(to Status) []Status {
	var ret []Status
	for _, from := range []Status{StatusNew, StatusQueued, StatusScanned, StatusDone, StatusFailed} {
		if CanTransition(from, to) {
			ret = append(ret, from)
		}
	}
	return ret
}
