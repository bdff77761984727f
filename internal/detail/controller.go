// Package detail implements the process detail screen's controller: loading a
// process with its viewer-relative context, driving lifecycle actions, and
// browsing the routine instances of the selection window week by week.
package detail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"equiduty.org/internal/ids"
	"equiduty.org/internal/obs"
	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
)

// Viewer identifies the person looking at the screen. Turn-relative fields in
// the loaded context are computed for this user.
type Viewer struct {
	UserID string
	Name   string
}

// State is the detail screen's observable snapshot.
type State struct {
	Process   *selection.ProcessContext
	Loading   bool
	LoadError string

	// ActionError and Success are transient outcome messages; every new
	// action clears both before running.
	ActionError string
	Success     string

	// Deleted is terminal: the process is gone and no reload will follow.
	Deleted bool

	Week             routine.Week
	Instances        []routine.Instance
	InstancesLoading bool
	InstancesError   string
}

// Controller owns one detail session. A single mutex serializes all state
// writes; at most one backend-touching action runs at a time.
type Controller struct {
	procs    selection.Service
	routines routine.Service
	log      *zap.Logger

	processID string
	viewer    Viewer

	mu         sync.Mutex
	st         State
	inFlight   bool
	generation int // discards responses of superseded loads

	subs    map[int]func(State)
	nextSub int
}

// New creates a controller for one process. The initial week is the viewer's
// current week; Load must be called to populate the state.
func New(procs selection.Service, routines routine.Service, log *zap.Logger, processID string, viewer Viewer) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		procs:     procs,
		routines:  routines,
		log:       log,
		processID: processID,
		viewer:    viewer,
		st:        State{Week: routine.WeekOf(selection.Today())},
		subs:      make(map[int]func(State)),
	}
}

// State returns a snapshot. Slices are copies.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers a state observer and returns an unsubscribe func.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Load fetches the process context and the current week's routine instances.
// A Load that is overtaken by a newer Load or Refresh discards its response.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Deleted {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	c.st.Loading = true
	c.st.LoadError = ""
	c.mu.Unlock()
	c.notify()

	pc, err := c.procs.GetProcess(ctx, c.processID)
	obs.ControllerAction("detail", "load", err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.st.Loading = false
	if err != nil {
		c.st.LoadError = "Failed to load the selection process."
		c.mu.Unlock()
		c.notify()
		c.log.Warn("process load failed", zap.String("process_id", c.processID), zap.Error(err))
		return err
	}
	c.st.Process = &pc
	c.st.LoadError = ""
	c.mu.Unlock()
	c.notify()

	return c.loadInstances(ctx, gen)
}

// Refresh is Load under its established name for post-action reloads.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.Load(ctx)
}

// loadInstances fetches the routine instances of the currently shown week.
// Stale responses (superseded generation) are dropped.
func (c *Controller) loadInstances(ctx context.Context, gen int) error {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	p := c.st.Process
	if p == nil {
		c.mu.Unlock()
		return nil
	}
	stableID := p.Process.StableID
	week := c.st.Week
	c.st.InstancesLoading = true
	c.st.InstancesError = ""
	c.mu.Unlock()
	c.notify()

	instances, err := c.routines.InstancesForDateRange(ctx, stableID, week.Start, week.End())
	obs.ControllerAction("detail", "load_instances", err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.st.InstancesLoading = false
	if err != nil {
		c.st.InstancesError = "Failed to load routine instances."
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.st.Instances = instances
	c.mu.Unlock()
	c.notify()
	return nil
}

// Lifecycle actions ----------------------------------------------------------

// StartProcess activates a draft. Management permission is checked locally
// before the backend call; non-managers get a silent no-op error.
func (c *Controller) StartProcess(ctx context.Context) error {
	return c.runAction(ctx, "start", actionOpts{requireManage: true, success: "Selection process started."},
		func(ctx context.Context) error {
			return c.procs.StartProcess(ctx, c.processID)
		})
}

// CompleteTurn marks the current turn done. Allowed for the current holder and
// for managers acting on their behalf.
func (c *Controller) CompleteTurn(ctx context.Context) error {
	c.mu.Lock()
	allowed := false
	if p := c.st.Process; p != nil {
		allowed = p.IsCurrentTurn || p.CanManage
	}
	c.mu.Unlock()
	if !allowed {
		return fmt.Errorf("complete turn: %w", selection.ErrNotCurrentTurn)
	}
	return c.runAction(ctx, "complete_turn", actionOpts{success: "Turn completed."},
		func(ctx context.Context) error {
			res, err := c.procs.CompleteTurn(ctx, c.processID, ids.NewIdempotencyKey())
			if err != nil {
				return err
			}
			if res.ProcessCompleted {
				c.mu.Lock()
				c.st.Success = "Selection process completed."
				c.mu.Unlock()
			}
			return nil
		})
}

// CancelProcess cancels an active process.
func (c *Controller) CancelProcess(ctx context.Context) error {
	return c.runAction(ctx, "cancel", actionOpts{requireManage: true, success: "Selection process cancelled."},
		func(ctx context.Context) error {
			return c.procs.CancelProcess(ctx, c.processID)
		})
}

// DeleteProcess removes a draft or cancelled process. On success the state is
// marked Deleted and no reload happens.
func (c *Controller) DeleteProcess(ctx context.Context) error {
	return c.runAction(ctx, "delete", actionOpts{requireManage: true, terminal: true, success: "Selection process deleted."},
		func(ctx context.Context) error {
			return c.procs.DeleteProcess(ctx, c.processID)
		})
}

// SaveDates updates the selection window of an active process. The start must
// precede the end; that is checked locally before the backend call.
func (c *Controller) SaveDates(ctx context.Context, start, end selection.Date) error {
	if !start.Before(end) {
		c.mu.Lock()
		c.st.ActionError = "The start date must be before the end date."
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("save dates: %w", selection.ErrInvalidInput)
	}
	return c.runAction(ctx, "save_dates", actionOpts{requireManage: true, success: "Selection dates updated."},
		func(ctx context.Context) error {
			return c.procs.UpdateDates(ctx, c.processID, start, end)
		})
}

// AssignRoutineToSelf claims a routine instance for the viewer. Only the
// current turn holder of an active process may assign. A soft refusal from
// the backend surfaces as an action error without failing the call chain.
func (c *Controller) AssignRoutineToSelf(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	allowed := false
	if p := c.st.Process; p != nil {
		allowed = p.Process.Status == selection.StatusActive && p.IsCurrentTurn
	}
	if !allowed {
		c.mu.Unlock()
		return fmt.Errorf("assign routine: %w", selection.ErrNotCurrentTurn)
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	c.inFlight = true
	c.st.ActionError = ""
	c.st.Success = ""
	gen := c.generation
	c.mu.Unlock()
	c.notify()

	res, err := c.routines.AssignInstance(ctx, instanceID, routine.Assignment{
		UserID:   c.viewer.UserID,
		UserName: c.viewer.Name,
	})
	obs.ControllerAction("detail", "assign_routine", err)

	c.mu.Lock()
	if err != nil {
		c.inFlight = false
		c.st.ActionError = "Failed to assign the routine."
		c.mu.Unlock()
		c.notify()
		return err
	}
	if !res.Success {
		c.inFlight = false
		c.st.ActionError = res.Message
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.st.Success = "Routine assigned."
	c.mu.Unlock()
	c.notify()

	lerr := c.loadInstances(ctx, gen)
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	return lerr
}

// Week navigation ------------------------------------------------------------

// NavigateWeek shifts the shown week by delta weeks and reloads instances.
func (c *Controller) NavigateWeek(ctx context.Context, delta int) error {
	c.mu.Lock()
	c.st.Week = c.st.Week.Shift(delta)
	gen := c.generation
	c.mu.Unlock()
	c.notify()
	return c.loadInstances(ctx, gen)
}

// GoToToday jumps back to the current week.
func (c *Controller) GoToToday(ctx context.Context) error {
	c.mu.Lock()
	c.st.Week = routine.WeekOf(selection.Today())
	gen := c.generation
	c.mu.Unlock()
	c.notify()
	return c.loadInstances(ctx, gen)
}

// Internals ------------------------------------------------------------------

// ErrActionInFlight rejects a second concurrent action.
var ErrActionInFlight = errors.New("detail: another action is in flight")

type actionOpts struct {
	requireManage bool
	terminal      bool
	success       string
}

// runAction is the shared action skeleton: in-flight guard, message reset,
// local permission gate, backend call, then success message plus reload or an
// action error that leaves the loaded data untouched.
func (c *Controller) runAction(ctx context.Context, name string, opts actionOpts, call func(context.Context) error) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	if c.st.Deleted {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", name, selection.ErrNotFound)
	}
	if opts.requireManage {
		p := c.st.Process
		if p == nil || !p.CanManage {
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", name, selection.ErrUnauthorized)
		}
	}
	c.inFlight = true
	c.st.ActionError = ""
	c.st.Success = ""
	c.mu.Unlock()
	c.notify()

	err := call(ctx)
	obs.ControllerAction("detail", name, err)

	c.mu.Lock()
	if err != nil {
		c.inFlight = false
		c.st.ActionError = actionErrorMessage(err)
		c.mu.Unlock()
		c.notify()
		c.log.Warn("action failed",
			zap.String("process_id", c.processID),
			zap.String("action", name),
			zap.Error(err))
		return err
	}
	if c.st.Success == "" {
		c.st.Success = opts.success
	}
	if opts.terminal {
		c.inFlight = false
		c.st.Deleted = true
		c.st.Process = nil
		c.st.Instances = nil
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.mu.Unlock()
	c.notify()

	// The in-flight flag stays held through the reload so a second action
	// cannot interleave with the refresh.
	rerr := c.Refresh(ctx)
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	return rerr
}

func actionErrorMessage(err error) string {
	switch {
	case errors.Is(err, selection.ErrInvalidStatus):
		return "The process is not in a state that allows this action."
	case errors.Is(err, selection.ErrNotCurrentTurn):
		return "It is not your turn."
	case errors.Is(err, selection.ErrUnauthorized):
		return "You are not allowed to perform this action."
	case errors.Is(err, selection.ErrNotFound):
		return "The selection process no longer exists."
	case errors.Is(err, selection.ErrInvalidInput):
		return "The request was rejected as invalid."
	}
	return "The action failed. Please try again."
}

func (c *Controller) snapshotLocked() State {
	st := c.st
	if c.st.Process != nil {
		pc := *c.st.Process
		pc.Process.Turns = append([]selection.Turn(nil), c.st.Process.Process.Turns...)
		st.Process = &pc
	}
	st.Instances = append([]routine.Instance(nil), c.st.Instances...)
	return st
}

func (c *Controller) notify() {
	c.mu.Lock()
	st := c.snapshotLocked()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
