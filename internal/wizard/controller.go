// Package wizard implements the 4-step selection-process creation flow:
// details, members, algorithm, review. Navigation is linear with step-local
// gates; the turn order is resolved lazily on entering review.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"equiduty.org/internal/ids"
	"equiduty.org/internal/obs"
	"equiduty.org/internal/selection"
)

// Step is the wizard's only navigation state.
type Step int

const (
	StepDetails Step = iota
	StepMembers
	StepAlgorithm
	StepReview
)

func (s Step) String() string {
	switch s {
	case StepDetails:
		return "details"
	case StepMembers:
		return "members"
	case StepAlgorithm:
		return "algorithm"
	case StepReview:
		return "review"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// OrderKind tags the resolution state of the turn order. The tagged union
// replaces nil-driven fallbacks: an unresolved order is a visible state, not
// an implicit default.
type OrderKind int

const (
	// OrderMissing: review has not been entered, or inputs changed since.
	OrderMissing OrderKind = iota
	// OrderPending: a computation is in flight.
	OrderPending
	// OrderManual: operator-arranged order (manual algorithm only).
	OrderManual
	// OrderComputed: backend-computed order for the current inputs.
	OrderComputed
	// OrderFailed: the last computation failed; Err carries the message.
	OrderFailed
)

// Order is the turn order shown on the review step.
type Order struct {
	Kind     OrderKind
	Members  []selection.Member
	Metadata map[string]any
	Err      string
}

// Resolved reports whether the order may back a submission.
func (o Order) Resolved() bool {
	return o.Kind == OrderManual || o.Kind == OrderComputed
}

// State is the wizard's observable snapshot. Slices are copies; mutating
// them does not affect the controller.
type State struct {
	Step        Step
	Name        string
	Description string
	StartDate   selection.Date
	EndDate     selection.Date

	Candidates       []selection.Member
	CandidatesLoaded bool
	LoadingMembers   bool
	MembersError     string

	Selected  []selection.Member
	Algorithm selection.Algorithm
	Order     Order
}

var (
	// ErrStepBlocked is returned when a gate prevents navigation.
	ErrStepBlocked = errors.New("wizard: step requirements not met")
	// ErrOrderUnresolved is returned on submit when no manual or computed
	// order exists. Submitting an unordered member list is a hard failure,
	// never a silent fallback.
	ErrOrderUnresolved = errors.New("wizard: turn order not resolved")
	// ErrActionInFlight rejects a second concurrent backend-touching action.
	ErrActionInFlight = errors.New("wizard: another operation is in flight")
	// ErrNotReviewStep is returned when submit is attempted early.
	ErrNotReviewStep = errors.New("wizard: submission requires the review step")
)

// Controller owns one creation session's draft state. All state writes happen
// under a single mutex; views observe via Subscribe.
type Controller struct {
	svc selection.Service
	log *zap.Logger

	organizationID string
	stableID       string

	mu          sync.Mutex
	st          State
	inFlight    bool
	fingerprint string // inputs of the last successful computation

	subs    map[int]func(State)
	nextSub int
}

// New creates a wizard for one stable. Defaults: fair rotation, a two-week
// window starting tomorrow.
func New(svc selection.Service, log *zap.Logger, organizationID, stableID string) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	start := selection.Today().AddDays(1)
	return &Controller{
		svc:            svc,
		log:            log,
		organizationID: organizationID,
		stableID:       stableID,
		st: State{
			Step:      StepDetails,
			StartDate: start,
			EndDate:   start.AddDays(13),
			Algorithm: selection.AlgorithmFairRotation,
		},
		subs: make(map[int]func(State)),
	}
}

// State returns a snapshot of the draft.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers a state observer and returns an unsubscribe func. The
// observer is invoked after every state change.
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

// Draft setters ------------------------------------------------------------

// SetName records the process name.
func (c *Controller) SetName(name string) {
	c.mu.Lock()
	c.st.Name = name
	c.mu.Unlock()
	c.notify()
}

// SetDescription records the optional description.
func (c *Controller) SetDescription(description string) {
	c.mu.Lock()
	c.st.Description = description
	c.mu.Unlock()
	c.notify()
}

// SetDates records the selection window and invalidates any resolved order.
func (c *Controller) SetDates(start, end selection.Date) {
	c.mu.Lock()
	c.st.StartDate = start
	c.st.EndDate = end
	c.invalidateOrderLocked()
	c.mu.Unlock()
	c.notify()
}

// SetAlgorithm records the strategy choice. No side effect until review.
func (c *Controller) SetAlgorithm(a selection.Algorithm) error {
	if !a.Valid() {
		return fmt.Errorf("algorithm %q: %w", a, selection.ErrInvalidInput)
	}
	c.mu.Lock()
	if c.st.Algorithm != a {
		c.st.Algorithm = a
		c.invalidateOrderLocked()
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// SelectMember appends a member to the selection, preserving selection order.
func (c *Controller) SelectMember(m selection.Member) {
	c.mu.Lock()
	already := false
	for _, sel := range c.st.Selected {
		if sel.UserID == m.UserID {
			already = true
			break
		}
	}
	if !already {
		c.st.Selected = append(c.st.Selected, m)
		c.invalidateOrderLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// DeselectMember removes a member from the selection.
func (c *Controller) DeselectMember(userID string) {
	c.mu.Lock()
	for i, sel := range c.st.Selected {
		if sel.UserID == userID {
			c.st.Selected = append(c.st.Selected[:i], c.st.Selected[i+1:]...)
			c.invalidateOrderLocked()
			break
		}
	}
	c.mu.Unlock()
	c.notify()
}

// MoveMember reorders the manual turn order on the review step.
func (c *Controller) MoveMember(from, to int) error {
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.notify()
	}()
	if c.st.Order.Kind != OrderManual {
		return fmt.Errorf("reordering requires a manual order: %w", selection.ErrInvalidInput)
	}
	n := len(c.st.Order.Members)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move %d -> %d out of range: %w", from, to, selection.ErrInvalidInput)
	}
	members := c.st.Order.Members
	m := members[from]
	members = append(members[:from], members[from+1:]...)
	members = append(members[:to], append([]selection.Member{m}, members[to:]...)...)
	c.st.Order.Members = members
	return nil
}

// Gates ---------------------------------------------------------------------

// CanProceedFromDetails validates the details step.
func (c *Controller) CanProceedFromDetails() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return detailsValid(c.st)
}

func detailsValid(st State) bool {
	name := strings.TrimSpace(st.Name)
	if name == "" || utf8.RuneCountInString(name) > selection.MaxNameLength {
		return false
	}
	if utf8.RuneCountInString(st.Description) > selection.MaxDescriptionLength {
		return false
	}
	if st.StartDate.IsZero() || st.EndDate.IsZero() {
		return false
	}
	return st.StartDate.Before(st.EndDate)
}

// CanProceedFromMembers validates the members step.
func (c *Controller) CanProceedFromMembers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.st.Selected) >= selection.MinMembers
}

// CanSubmit reports whether the review step may submit.
func (c *Controller) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Step == StepReview && c.st.Order.Resolved() && !c.inFlight
}

// Navigation ----------------------------------------------------------------

// Next advances one step after validating the current step's gate. Entering
// the members step loads candidates; entering review resolves the order.
func (c *Controller) Next(ctx context.Context) error {
	c.mu.Lock()
	cur := c.st.Step
	c.mu.Unlock()
	if cur >= StepReview {
		return fmt.Errorf("already at review: %w", ErrStepBlocked)
	}
	return c.GoToStep(ctx, cur+1)
}

// Previous steps back. No gate and no side effects.
func (c *Controller) Previous() {
	c.mu.Lock()
	if c.st.Step > StepDetails {
		c.st.Step--
	}
	c.mu.Unlock()
	c.notify()
}

// GoToStep jumps to a step. Moving forward re-validates every gate in
// between; the members and review entry side effects run exactly as they do
// for Next.
func (c *Controller) GoToStep(ctx context.Context, target Step) error {
	if target < StepDetails || target > StepReview {
		return fmt.Errorf("no such step %d: %w", int(target), selection.ErrInvalidInput)
	}

	c.mu.Lock()
	cur := c.st.Step
	for s := cur; s < target; s++ {
		if !c.gateLocked(s) {
			c.mu.Unlock()
			return fmt.Errorf("%s gate failed: %w", s, ErrStepBlocked)
		}
	}
	c.st.Step = target
	c.mu.Unlock()
	c.notify()

	switch target {
	case StepMembers:
		return c.ensureMembers(ctx)
	case StepReview:
		return c.resolveOrder(ctx)
	}
	return nil
}

func (c *Controller) gateLocked(s Step) bool {
	switch s {
	case StepDetails:
		return detailsValid(c.st)
	case StepMembers:
		return len(c.st.Selected) >= selection.MinMembers
	case StepAlgorithm:
		// A default algorithm is pre-selected; always passable.
		return c.st.Algorithm.Valid()
	}
	return true
}

// ensureMembers loads the candidate catalog once per session. Re-entering the
// members step does not refetch while a result is cached.
func (c *Controller) ensureMembers(ctx context.Context) error {
	c.mu.Lock()
	if c.st.CandidatesLoaded {
		c.mu.Unlock()
		return nil
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	c.inFlight = true
	c.st.LoadingMembers = true
	c.st.MembersError = ""
	c.mu.Unlock()
	c.notify()

	members, err := c.svc.GetStableMembers(ctx, c.stableID)
	obs.ControllerAction("wizard", "load_members", err)

	c.mu.Lock()
	c.inFlight = false
	c.st.LoadingMembers = false
	if err != nil {
		c.st.MembersError = "Failed to load stable members."
		c.log.Warn("load stable members failed", zap.String("stable_id", c.stableID), zap.Error(err))
	} else {
		c.st.Candidates = members
		c.st.CandidatesLoaded = true
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// resolveOrder seeds the manual order or triggers the backend computation.
// The computation is skipped when the inputs match the previous successful
// run and re-triggered when members, dates or algorithm changed.
func (c *Controller) resolveOrder(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Algorithm == selection.AlgorithmManual {
		if c.st.Order.Kind != OrderManual {
			seeded := make([]selection.Member, len(c.st.Selected))
			copy(seeded, c.st.Selected)
			c.st.Order = Order{Kind: OrderManual, Members: seeded}
		}
		c.mu.Unlock()
		c.notify()
		return nil
	}

	fp := c.computeFingerprintLocked()
	if c.st.Order.Kind == OrderComputed && fp == c.fingerprint {
		c.mu.Unlock()
		return nil
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrActionInFlight
	}
	c.inFlight = true
	c.st.Order = Order{Kind: OrderPending}
	in := selection.ComputeTurnOrderInput{
		StableID:  c.stableID,
		Algorithm: c.st.Algorithm,
		MemberIDs: memberIDs(c.st.Selected),
		StartDate: c.st.StartDate,
		EndDate:   c.st.EndDate,
	}
	c.mu.Unlock()
	c.notify()

	computed, err := c.svc.ComputeTurnOrder(ctx, in)
	obs.ControllerAction("wizard", "compute_turn_order", err)

	c.mu.Lock()
	c.inFlight = false
	if c.computeFingerprintLocked() != fp {
		// The draft changed while the computation was in flight. The result
		// describes inputs that no longer exist, so it is dropped; the order
		// stays unresolved and re-entering review recomputes.
		c.mu.Unlock()
		c.notify()
		return err
	}
	if err != nil {
		c.st.Order = Order{Kind: OrderFailed, Err: "Failed to compute the turn order."}
		c.log.Warn("turn order computation failed",
			zap.String("stable_id", c.stableID),
			zap.String("algorithm", string(in.Algorithm)),
			zap.Error(err))
	} else {
		c.st.Order = Order{Kind: OrderComputed, Members: computed.Turns, Metadata: computed.Metadata}
		c.fingerprint = fp
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// Submit packages the draft and creates the process. The controller is meant
// to be discarded afterwards.
func (c *Controller) Submit(ctx context.Context) (selection.Process, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return selection.Process{}, ErrActionInFlight
	}
	if c.st.Step != StepReview {
		c.mu.Unlock()
		return selection.Process{}, ErrNotReviewStep
	}
	if !detailsValid(c.st) || len(c.st.Selected) < selection.MinMembers {
		c.mu.Unlock()
		return selection.Process{}, fmt.Errorf("draft incomplete: %w", ErrStepBlocked)
	}
	if !c.st.Order.Resolved() {
		c.mu.Unlock()
		return selection.Process{}, ErrOrderUnresolved
	}
	if c.st.Order.Kind == OrderComputed && c.fingerprint != c.computeFingerprintLocked() {
		// A computed order may only back a submission for the exact inputs it
		// was computed from.
		c.mu.Unlock()
		return selection.Process{}, ErrOrderUnresolved
	}
	in := selection.CreateProcessInput{
		OrganizationID: c.organizationID,
		StableID:       c.stableID,
		Name:           strings.TrimSpace(c.st.Name),
		Description:    strings.TrimSpace(c.st.Description),
		StartDate:      c.st.StartDate,
		EndDate:        c.st.EndDate,
		Algorithm:      c.st.Algorithm,
		MemberOrder:    memberIDs(c.st.Order.Members),
	}
	c.inFlight = true
	c.mu.Unlock()

	p, err := c.svc.CreateProcess(ctx, in, ids.NewIdempotencyKey())
	obs.ControllerAction("wizard", "submit", err)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	c.notify()

	if err != nil {
		c.log.Warn("process creation failed", zap.String("stable_id", c.stableID), zap.Error(err))
		return selection.Process{}, err
	}
	c.log.Info("process created",
		zap.String("process_id", p.ID),
		zap.String("stable_id", p.StableID),
		zap.Int("turns", len(p.Turns)))
	return p, nil
}

// Internals -----------------------------------------------------------------

func (c *Controller) invalidateOrderLocked() {
	c.st.Order = Order{Kind: OrderMissing}
	c.fingerprint = ""
}

func (c *Controller) computeFingerprintLocked() string {
	return string(c.st.Algorithm) + "|" +
		c.st.StartDate.String() + "|" + c.st.EndDate.String() + "|" +
		strings.Join(memberIDs(c.st.Selected), ",")
}

func (c *Controller) snapshotLocked() State {
	st := c.st
	st.Candidates = append([]selection.Member(nil), c.st.Candidates...)
	st.Selected = append([]selection.Member(nil), c.st.Selected...)
	st.Order.Members = append([]selection.Member(nil), c.st.Order.Members...)
	if len(c.st.Order.Metadata) > 0 {
		md := make(map[string]any, len(c.st.Order.Metadata))
		for k, v := range c.st.Order.Metadata {
			md[k] = v
		}
		st.Order.Metadata = md
	}
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

func memberIDs(members []selection.Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}
