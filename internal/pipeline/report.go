package pipeline

import (
	"errors"
	"fmt"
	"time"

	"provisiond/internal/collection"
)

// ErrManagerSyncFailure is matched by every ManagerError.
var ErrManagerSyncFailure = errors.New("manager sync failed")

// Phase is the manager step that failed.
type Phase string

const (
	PhaseRender  Phase = "render"
	PhaseApply   Phase = "apply"
	PhaseRestart Phase = "restart"
)

// ManagerError reports one manager's failure during a sync run.
type ManagerError struct {
	Manager string
	Phase   Phase
	Err     error
}

func (e *ManagerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Manager, e.Phase, e.Err)
}

func (e *ManagerError) Is(target error) bool { return target == ErrManagerSyncFailure }

func (e *ManagerError) Unwrap() error { return e.Err }

// ManagerResult is the outcome of one manager in a run.
type ManagerResult struct {
	Name      string
	Files     int
	Restarted bool
	Duration  time.Duration
	Err       error // nil or *ManagerError
}

// Report summarizes a sync run.
type Report struct {
	Full     bool
	Started  time.Time
	Duration time.Duration
	Changes  []collection.Event // commit-driven runs only
	Items    int                // items in the snapshot
	Corrupt  int                // items left out of the snapshot
	Managers []ManagerResult
	Triggers []error
}

// Err joins every manager and trigger failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, m := range r.Managers {
		if m.Err != nil {
			errs = append(errs, m.Err)
		}
	}
	errs = append(errs, r.Triggers...)
	return errors.Join(errs...)
}

// Failed names the managers that did not complete.
func (r *Report) Failed() []string {
	var out []string
	for _, m := range r.Managers {
		if m.Err != nil {
			out = append(out, m.Name)
		}
	}
	return out
}

func (r *Report) mode() string {
	if r.Full {
		return "full"
	}
	return "commit"
}
