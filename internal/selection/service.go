package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"equiduty.org/internal/auth"
	"equiduty.org/internal/ids"
)

// Service is the backend collaborator contract for selection processes. The
// backend is the source of truth: every guard the client checks is
// re-validated here independently.
type Service interface {
	ListProcesses(ctx context.Context, stableID string) ([]ProcessSummary, error)
	GetProcess(ctx context.Context, processID string) (ProcessContext, error)
	GetStableMembers(ctx context.Context, stableID string) ([]Member, error)
	ComputeTurnOrder(ctx context.Context, in ComputeTurnOrderInput) (ComputedTurnOrder, error)
	CreateProcess(ctx context.Context, in CreateProcessInput, idemKey string) (Process, error)
	StartProcess(ctx context.Context, processID string) error
	CompleteTurn(ctx context.Context, processID, idemKey string) (CompleteTurnResult, error)
	CancelProcess(ctx context.Context, processID string) error
	DeleteProcess(ctx context.Context, processID string) error
	UpdateDates(ctx context.Context, processID string, start, end Date) error
}

type stableState struct {
	organizationID string
	members        []Member
}

// InMemory implements Service with in-process concurrency safety. It is the
// authoritative reference backend used by the dev server and by tests; it is
// not a persistence layer.
type InMemory struct {
	mu            sync.RWMutex
	maxWindowDays int
	stables       map[string]*stableState
	procs         map[string]*Process
	idemCreate    map[string]Process
	idemComplete  map[string]CompleteTurnResult
}

// InMemoryOption customises the reference backend.
type InMemoryOption func(*InMemory)

// WithMaxWindowDays overrides the admin-defined bound on selection windows.
func WithMaxWindowDays(days int) InMemoryOption {
	return func(s *InMemory) {
		if days > 0 {
			s.maxWindowDays = days
		}
	}
}

// NewInMemory creates an empty backend.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		maxWindowDays: DefaultMaxWindowDays,
		stables:       make(map[string]*stableState),
		procs:         make(map[string]*Process),
		idemCreate:    make(map[string]Process),
		idemComplete:  make(map[string]CompleteTurnResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeedStable registers a stable and its membership. Existing membership is
// replaced.
func (s *InMemory) SeedStable(stableID, organizationID string, members []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Member, len(members))
	copy(copied, members)
	s.stables[stableID] = &stableState{organizationID: organizationID, members: copied}
}

func (s *InMemory) ListProcesses(ctx context.Context, stableID string) ([]ProcessSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.stables[stableID]; !ok {
		return nil, fmt.Errorf("stable %s: %w", stableID, ErrNotFound)
	}
	var out []ProcessSummary
	for _, p := range s.procs {
		if p.StableID != stableID {
			continue
		}
		out = append(out, ProcessSummary{
			ID:             p.ID,
			Name:           p.Name,
			StableID:       p.StableID,
			Status:         p.Status,
			Algorithm:      p.Algorithm,
			StartDate:      p.StartDate,
			EndDate:        p.EndDate,
			TurnCount:      len(p.Turns),
			CompletedTurns: p.CompletedTurnsCount(),
		})
	}
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) GetProcess(ctx context.Context, processID string) (ProcessContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[processID]
	if !ok {
		return ProcessContext{}, fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	pc := ProcessContext{Process: cloneProcess(p)}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		pc.CanManage = principal.HasPermission(auth.PermManageProcesses)
		pc.IsCurrentTurn = p.IsCurrentHolder(principal.UserID)
		pc.TurnsAhead, pc.HasTurn = p.TurnsAhead(principal.UserID)
	}
	return pc, nil
}

func (s *InMemory) GetStableMembers(ctx context.Context, stableID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stables[stableID]
	if !ok {
		return nil, fmt.Errorf("stable %s: %w", stableID, ErrNotFound)
	}
	out := make([]Member, len(st.members))
	copy(out, st.members)
	return out, nil
}

func (s *InMemory) ComputeTurnOrder(ctx context.Context, in ComputeTurnOrderInput) (ComputedTurnOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stables[in.StableID]
	if !ok {
		return ComputedTurnOrder{}, fmt.Errorf("stable %s: %w", in.StableID, ErrNotFound)
	}
	if !in.Algorithm.Valid() {
		return ComputedTurnOrder{}, fmt.Errorf("algorithm %q: %w", in.Algorithm, ErrInvalidInput)
	}
	if !in.StartDate.Before(in.EndDate) {
		return ComputedTurnOrder{}, fmt.Errorf("start date must precede end date: %w", ErrInvalidInput)
	}
	members, err := resolveMembers(st, in.MemberIDs)
	if err != nil {
		return ComputedTurnOrder{}, err
	}

	switch in.Algorithm {
	case AlgorithmManual:
		// No computation: the operator arranges the order in the wizard.
		return ComputedTurnOrder{Turns: members}, nil
	case AlgorithmFairRotation:
		return s.fairRotationLocked(in.StableID, members), nil
	case AlgorithmQuotaBased:
		return s.quotaBasedLocked(in.StableID, members, in.StartDate, in.EndDate), nil
	}
	return ComputedTurnOrder{}, fmt.Errorf("algorithm %q: %w", in.Algorithm, ErrInvalidInput)
}

// fairRotationLocked rotates the starting member forward by one relative to
// the stable's most recent completed process.
func (s *InMemory) fairRotationLocked(stableID string, members []Member) ComputedTurnOrder {
	prev := s.latestCompletedLocked(stableID)
	offset := 0
	meta := map[string]any{}
	if prev != nil && len(prev.Turns) > 0 {
		meta["previousProcessName"] = prev.Name
		for i, m := range members {
			if m.UserID == prev.Turns[0].UserID {
				offset = (i + 1) % len(members)
				break
			}
		}
	}
	rotated := make([]Member, 0, len(members))
	for i := range members {
		rotated = append(rotated, members[(offset+i)%len(members)])
	}
	if len(meta) == 0 {
		meta = nil
	}
	return ComputedTurnOrder{Turns: rotated, Metadata: meta}
}

// quotaBasedLocked orders members by ascending historical completed-turn
// count, ties broken by selection order.
func (s *InMemory) quotaBasedLocked(stableID string, members []Member, start, end Date) ComputedTurnOrder {
	history := make(map[string]int)
	for _, p := range s.procs {
		if p.StableID != stableID {
			continue
		}
		for _, t := range p.Turns {
			if t.Completed {
				history[t.UserID]++
			}
		}
	}
	ordered := make([]Member, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		return history[ordered[i].UserID] < history[ordered[j].UserID]
	})
	days := windowDays(start, end)
	quota := (days + len(members) - 1) / len(members)
	return ComputedTurnOrder{
		Turns: ordered,
		Metadata: map[string]any{
			"quotaPerMember":       quota,
			"totalAvailablePoints": days,
		},
	}
}

func (s *InMemory) latestCompletedLocked(stableID string) *Process {
	var latest *Process
	for _, p := range s.procs {
		if p.StableID != stableID || p.Status != StatusCompleted {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			latest = p
		}
	}
	return latest
}

func (s *InMemory) CreateProcess(ctx context.Context, in CreateProcessInput, idemKey string) (Process, error) {
	if err := requireManage(ctx); err != nil {
		return Process{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if p, ok := s.idemCreate[idemKey]; ok {
			return p, nil
		}
	}

	st, ok := s.stables[in.StableID]
	if !ok {
		return Process{}, fmt.Errorf("stable %s: %w", in.StableID, ErrNotFound)
	}
	if in.OrganizationID != "" && in.OrganizationID != st.organizationID {
		return Process{}, fmt.Errorf("organization mismatch: %w", ErrInvalidInput)
	}
	if err := validateDetails(in.Name, in.Description, in.StartDate, in.EndDate, s.maxWindowDays); err != nil {
		return Process{}, err
	}
	if !in.Algorithm.Valid() {
		return Process{}, fmt.Errorf("algorithm %q: %w", in.Algorithm, ErrInvalidInput)
	}
	members, err := resolveMembers(st, in.MemberOrder)
	if err != nil {
		return Process{}, err
	}

	now := time.Now().UTC()
	turns := make([]Turn, len(members))
	for i, m := range members {
		turns[i] = Turn{
			UserID:    m.UserID,
			UserName:  m.Name,
			UserEmail: m.Email,
			Order:     i + 1,
		}
	}
	p := &Process{
		ID:             ids.New(),
		OrganizationID: st.organizationID,
		StableID:       in.StableID,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
		Algorithm:      in.Algorithm,
		Status:         StatusDraft,
		Turns:          turns,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.procs[p.ID] = p
	out := cloneProcess(p)
	if idemKey != "" {
		s.idemCreate[idemKey] = out
	}
	return out, nil
}

func (s *InMemory) StartProcess(ctx context.Context, processID string) error {
	if err := requireManage(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	if !p.Status.CanTransitionTo(StatusActive) {
		return fmt.Errorf("cannot start %s process: %w", p.Status, ErrInvalidStatus)
	}
	p.Status = StatusActive
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) CompleteTurn(ctx context.Context, processID, idemKey string) (CompleteTurnResult, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return CompleteTurnResult{}, ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if res, ok := s.idemComplete[processID+"\x00"+idemKey]; ok {
			return res, nil
		}
	}

	p, ok := s.procs[processID]
	if !ok {
		return CompleteTurnResult{}, fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	if p.Status != StatusActive {
		return CompleteTurnResult{}, fmt.Errorf("process is %s: %w", p.Status, ErrInvalidStatus)
	}
	cur, ok := p.CurrentTurn()
	if !ok {
		return CompleteTurnResult{}, fmt.Errorf("no incomplete turn: %w", ErrInvalidStatus)
	}
	if cur.UserID != principal.UserID && !principal.HasPermission(auth.PermManageProcesses) {
		return CompleteTurnResult{}, ErrNotCurrentTurn
	}

	for i := range p.Turns {
		if p.Turns[i].Order == cur.Order {
			p.Turns[i].Completed = true
			break
		}
	}
	p.UpdatedAt = time.Now().UTC()
	res := CompleteTurnResult{}
	if p.CompletedTurnsCount() == len(p.Turns) {
		p.Status = StatusCompleted
		res.ProcessCompleted = true
	}
	if idemKey != "" {
		s.idemComplete[processID+"\x00"+idemKey] = res
	}
	return res, nil
}

func (s *InMemory) CancelProcess(ctx context.Context, processID string) error {
	if err := requireManage(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	if !p.Status.CanTransitionTo(StatusCancelled) {
		return fmt.Errorf("cannot cancel %s process: %w", p.Status, ErrInvalidStatus)
	}
	p.Status = StatusCancelled
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) DeleteProcess(ctx context.Context, processID string) error {
	if err := requireManage(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	if !p.Status.Deletable() {
		return fmt.Errorf("cannot delete %s process: %w", p.Status, ErrInvalidStatus)
	}
	delete(s.procs, processID)
	return nil
}

func (s *InMemory) UpdateDates(ctx context.Context, processID string, start, end Date) error {
	if err := requireManage(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return fmt.Errorf("process %s: %w", processID, ErrNotFound)
	}
	if p.Status != StatusActive {
		return fmt.Errorf("dates editable only while active: %w", ErrInvalidStatus)
	}
	if !start.Before(end) {
		return fmt.Errorf("start date must precede end date: %w", ErrInvalidInput)
	}
	if windowDays(start, end) > s.maxWindowDays {
		return fmt.Errorf("selection window exceeds %d days: %w", s.maxWindowDays, ErrInvalidInput)
	}
	p.StartDate = start
	p.EndDate = end
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ActiveHolder returns the current-turn holder of the stable's active process
// whose window contains the given date. Used by the routine collaborator to
// guard self-assignment.
func (s *InMemory) ActiveHolder(stableID string, on Date) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.procs {
		if p.StableID != stableID || p.Status != StatusActive || !p.ContainsDate(on) {
			continue
		}
		if cur, ok := p.CurrentTurn(); ok {
			return Member{UserID: cur.UserID, Name: cur.UserName, Email: cur.UserEmail}, true
		}
	}
	return Member{}, false
}

// Helpers -----------------------------------------------------------------

func requireManage(ctx context.Context) error {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || !principal.HasPermission(auth.PermManageProcesses) {
		return ErrUnauthorized
	}
	return nil
}

func validateDetails(name, description string, start, end Date, maxWindowDays int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required: %w", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters: %w", MaxNameLength, ErrInvalidInput)
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return fmt.Errorf("description exceeds %d characters: %w", MaxDescriptionLength, ErrInvalidInput)
	}
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("selection dates are required: %w", ErrInvalidInput)
	}
	if !start.Before(end) {
		return fmt.Errorf("start date must precede end date: %w", ErrInvalidInput)
	}
	if windowDays(start, end) > maxWindowDays {
		return fmt.Errorf("selection window exceeds %d days: %w", maxWindowDays, ErrInvalidInput)
	}
	return nil
}

func resolveMembers(st *stableState, memberIDs []string) ([]Member, error) {
	if len(memberIDs) < MinMembers {
		return nil, fmt.Errorf("at least %d members required: %w", MinMembers, ErrInvalidInput)
	}
	byID := make(map[string]Member, len(st.members))
	for _, m := range st.members {
		byID[m.UserID] = m
	}
	seen := make(map[string]bool, len(memberIDs))
	out := make([]Member, 0, len(memberIDs))
	for _, id := range memberIDs {
		if seen[id] {
			return nil, fmt.Errorf("duplicate member %s: %w", id, ErrInvalidInput)
		}
		seen[id] = true
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("user %s is not a stable member: %w", id, ErrInvalidInput)
		}
		out = append(out, m)
	}
	return out, nil
}

func cloneProcess(p *Process) Process {
	out := *p
	out.Turns = make([]Turn, len(p.Turns))
	copy(out.Turns, p.Turns)
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
