package state

import (
	"errors"
	"fmt"
)

type BuildStatus string

const (
	BuildStatusRunning   BuildStatus = "RUNNING"
	BuildStatusSuccess   BuildStatus = "SUCCESS"
	BuildStatusFailure   BuildStatus = "FAILURE"
	BuildStatusCancelled BuildStatus = "CANCELLED"
)

// buildTransitions lists the forward edges of the build state machine. The rerun
// edge (terminal -> RUNNING) is not part of it and only ResetBuildForRerun may take it.
var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusRunning:   {BuildStatusRunning, BuildStatusSuccess, BuildStatusFailure, BuildStatusCancelled},
	BuildStatusSuccess:   {BuildStatusSuccess},
	BuildStatusFailure:   {BuildStatusFailure},
	BuildStatusCancelled: {BuildStatusCancelled},
}

// IsTerminal reports whether the build has finished.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailure, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

// ValidateBuildTransition checks a forward transition for the build identified by id.
func ValidateBuildTransition(id string, from, to BuildStatus) error {
	allowed, ok := buildTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "build", State: string(from)}
	}
	if !containsBuildStatus(to) {
		return UnknownStateError{Entity: "build", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "build", ID: id, From: string(from), To: string(to)}
}

func validateRerun(id string, from BuildStatus) error {
	if !containsBuildStatus(from) {
		return UnknownStateError{Entity: "build", State: string(from)}
	}
	if !from.IsTerminal() {
		return TransitionError{Entity: "build", ID: id, From: string(from), To: string(BuildStatusRunning)}
	}
	return nil
}

func containsBuildStatus(s BuildStatus) bool {
	_, ok := buildTransitions[s]
	return ok
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}
