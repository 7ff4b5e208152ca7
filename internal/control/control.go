// Package control changes the state a run's worker observes.
//
// Control is cooperative: the worker polls its control record and pauses,
// resumes or exits on its own. A Controller may optionally be given a grace
// period after which a worker that is still alive following "stop" is killed.
package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/gcdistribution/portal/internal/logging"
	"github.com/gcdistribution/portal/internal/runstore"
)

// Action is a client request against a run.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// ErrInvalidAction is returned for an action other than pause, resume or stop.
var ErrInvalidAction = errors.New("invalid action")

// ParseAction maps a request string to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionStop:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// State returns the control state an action moves a run into.
func (a Action) State() runstore.State {
	switch a {
	case ActionPause:
		return runstore.StatePaused
	case ActionResume:
		return runstore.StateRunning
	case ActionStop:
		return runstore.StateStopped
	}
	return ""
}

// Store is the persistence the Controller needs.
type Store interface {
	ReadControl(runID string) (runstore.Control, error)
	WriteControl(runID string, state runstore.State) error
}

// Terminator kills a run's worker if it outlives a grace period.
type Terminator interface {
	TerminateAfter(runID string, grace time.Duration) bool
}

// Controller applies actions to runs.
type Controller struct {
	store      Store
	terminator Terminator
	grace      time.Duration
	log        *logging.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithStopGrace enables forced termination of a worker still running grace
// after a stop. A zero grace keeps stop purely cooperative.
func WithStopGrace(t Terminator, grace time.Duration) Option {
	return func(c *Controller) {
		c.terminator = t
		c.grace = grace
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// New creates a Controller over store.
func New(store Store, opts ...Option) *Controller {
	c := &Controller{store: store, log: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetState applies action to runID and returns the resulting state.
// An invalid action fails with ErrInvalidAction before anything is written;
// an unknown run fails with runstore.ErrRunNotFound.
func (c *Controller) SetState(runID, action string) (runstore.State, error) {
	a, err := ParseAction(action)
	if err != nil {
		return "", err
	}

	state := a.State()
	if err := c.store.WriteControl(runID, state); err != nil {
		return "", err
	}
	c.log.Info("run control updated", "run", runID, "state", state)

	if a == ActionStop && c.terminator != nil && c.grace > 0 {
		if c.terminator.TerminateAfter(runID, c.grace) {
			c.log.Debug("forced stop scheduled", "run", runID, "grace", c.grace)
		}
	}
	return state, nil
}

// State returns the current control state of runID.
func (c *Controller) State(runID string) (runstore.State, error) {
	control, err := c.store.ReadControl(runID)
	if err != nil {
		return "", err
	}
	return control.State, nil
}
