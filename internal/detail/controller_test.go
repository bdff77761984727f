package detail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
)

// fakeBackend counts backend calls and lets tests script responses per call.
type fakeBackend struct {
	mu sync.Mutex

	getCalls      int
	getResults    []selection.ProcessContext
	getErr        error
	getDelay      time.Duration
	startCalls    int
	startErr      error
	completeCalls int
	completeRes   selection.CompleteTurnResult
	completeErr   error
	cancelCalls   int
	deleteCalls   int
	updateCalls   int
	updateErr     error

	listCalls  int
	listRes    []routine.Instance
	listErr    error
	assignRes  routine.AssignResult
	assignErr  error
	assignHits int
}

var _ selection.Service = (*fakeBackend)(nil)
var _ routine.Service = (*fakeBackend)(nil)

func (f *fakeBackend) GetProcess(ctx context.Context, id string) (selection.ProcessContext, error) {
	f.mu.Lock()
	f.getCalls++
	n := f.getCalls
	delay := f.getDelay
	results := f.getResults
	err := f.getErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return selection.ProcessContext{}, err
	}
	if len(results) == 0 {
		return selection.ProcessContext{}, selection.ErrNotFound
	}
	if n > len(results) {
		n = len(results)
	}
	return results[n-1], nil
}

func (f *fakeBackend) StartProcess(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeBackend) CompleteTurn(ctx context.Context, id, idemKey string) (selection.CompleteTurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	return f.completeRes, f.completeErr
}

func (f *fakeBackend) CancelProcess(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeBackend) DeleteProcess(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeBackend) UpdateDates(ctx context.Context, id string, start, end selection.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return f.updateErr
}

func (f *fakeBackend) ListProcesses(ctx context.Context, stableID string) ([]selection.ProcessSummary, error) {
	return nil, nil
}
func (f *fakeBackend) GetStableMembers(ctx context.Context, stableID string) ([]selection.Member, error) {
	return nil, nil
}
func (f *fakeBackend) ComputeTurnOrder(ctx context.Context, in selection.ComputeTurnOrderInput) (selection.ComputedTurnOrder, error) {
	return selection.ComputedTurnOrder{}, nil
}
func (f *fakeBackend) CreateProcess(ctx context.Context, in selection.CreateProcessInput, idemKey string) (selection.Process, error) {
	return selection.Process{}, nil
}

func (f *fakeBackend) InstancesForDateRange(ctx context.Context, stableID string, start, end selection.Date) ([]routine.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.listRes, f.listErr
}

func (f *fakeBackend) AssignInstance(ctx context.Context, instanceID string, a routine.Assignment) (routine.AssignResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignHits++
	return f.assignRes, f.assignErr
}

func (f *fakeBackend) backendMutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls + f.completeCalls + f.cancelCalls + f.deleteCalls + f.updateCalls + f.assignHits
}

func activeContext(canManage, isCurrent bool) selection.ProcessContext {
	start, _ := selection.ParseDate("2026-08-24")
	end, _ := selection.ParseDate("2026-09-06")
	return selection.ProcessContext{
		Process: selection.Process{
			ID:        "p-1",
			StableID:  "st-1",
			Name:      "Autumn rotation",
			Status:    selection.StatusActive,
			StartDate: start,
			EndDate:   end,
			Turns: []selection.Turn{
				{UserID: "user-a", Order: 1},
				{UserID: "user-b", Order: 2},
			},
		},
		CanManage:     canManage,
		IsCurrentTurn: isCurrent,
		HasTurn:       true,
	}
}

func newController(f *fakeBackend) *Controller {
	return New(f, f, nil, "p-1", Viewer{UserID: "user-a", Name: "Anna"})
}

func loadedController(t *testing.T, f *fakeBackend) *Controller {
	t.Helper()
	c := newController(f)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestLoadPopulatesProcessAndInstances(t *testing.T) {
	f := &fakeBackend{
		getResults: []selection.ProcessContext{activeContext(true, true)},
		listRes:    []routine.Instance{{ID: "i-1", StableID: "st-1", Name: "Morning feed"}},
	}
	c := loadedController(t, f)

	st := c.State()
	if st.Process == nil || st.Process.Process.ID != "p-1" {
		t.Fatalf("process not loaded: %+v", st)
	}
	if st.Loading || st.LoadError != "" {
		t.Fatalf("loading flags not cleared: %+v", st)
	}
	if len(st.Instances) != 1 || st.Instances[0].ID != "i-1" {
		t.Fatalf("instances not loaded: %+v", st.Instances)
	}
	if f.listCalls != 1 {
		t.Fatalf("instance fetches: %d", f.listCalls)
	}
}

func TestLoadErrorRecorded(t *testing.T) {
	f := &fakeBackend{getErr: errors.New("backend down")}
	c := newController(f)
	if err := c.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	st := c.State()
	if st.LoadError == "" || st.Process != nil {
		t.Fatalf("load failure not recorded: %+v", st)
	}
	if f.listCalls != 0 {
		t.Fatal("instances must not load without a process")
	}
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	first := activeContext(true, true)
	first.Process.Name = "Stale"
	second := activeContext(true, true)
	second.Process.Name = "Fresh"
	f := &fakeBackend{
		getResults: []selection.ProcessContext{first, second},
		getDelay:   50 * time.Millisecond,
	}
	c := newController(f)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = c.Load(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	go func() { defer wg.Done(); _ = c.Load(context.Background()) }()
	wg.Wait()

	st := c.State()
	if st.Process == nil {
		t.Fatal("no process loaded")
	}
	if st.Process.Process.Name != "Fresh" {
		t.Fatalf("stale response won: %s", st.Process.Process.Name)
	}
}

func TestManageActionsBlockedWithoutPermission(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(false, false)}}
	c := loadedController(t, f)

	start, _ := selection.ParseDate("2026-08-25")
	end, _ := selection.ParseDate("2026-09-07")
	actions := []struct {
		name string
		call func() error
	}{
		{"start", func() error { return c.StartProcess(context.Background()) }},
		{"cancel", func() error { return c.CancelProcess(context.Background()) }},
		{"delete", func() error { return c.DeleteProcess(context.Background()) }},
		{"save_dates", func() error { return c.SaveDates(context.Background(), start, end) }},
	}
	for _, a := range actions {
		if err := a.call(); !errors.Is(err, selection.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", a.name, err)
		}
	}
	if got := f.backendMutations(); got != 0 {
		t.Fatalf("unauthorized actions reached the backend %d times", got)
	}
}

func TestCompleteTurnBlockedForNonHolder(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(false, false)}}
	c := loadedController(t, f)

	if err := c.CompleteTurn(context.Background()); !errors.Is(err, selection.ErrNotCurrentTurn) {
		t.Fatalf("expected ErrNotCurrentTurn, got %v", err)
	}
	if f.completeCalls != 0 {
		t.Fatal("guarded action reached the backend")
	}
}

func TestCompleteTurnSuccessReloads(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(false, true)}}
	c := loadedController(t, f)
	before := f.getCalls

	if err := c.CompleteTurn(context.Background()); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	st := c.State()
	if st.Success == "" || st.ActionError != "" {
		t.Fatalf("success message missing: %+v", st)
	}
	if f.completeCalls != 1 {
		t.Fatalf("complete calls: %d", f.completeCalls)
	}
	if f.getCalls != before+1 {
		t.Fatalf("expected a reload, get calls went %d -> %d", before, f.getCalls)
	}
}

func TestCompleteTurnFinishingProcess(t *testing.T) {
	f := &fakeBackend{
		getResults:  []selection.ProcessContext{activeContext(false, true)},
		completeRes: selection.CompleteTurnResult{ProcessCompleted: true},
	}
	c := loadedController(t, f)

	if err := c.CompleteTurn(context.Background()); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	if st := c.State(); st.Success != "Selection process completed." {
		t.Fatalf("completion message: %q", st.Success)
	}
}

func TestActionErrorLeavesDataUntouched(t *testing.T) {
	f := &fakeBackend{
		getResults: []selection.ProcessContext{activeContext(true, true)},
		startErr:   selection.ErrInvalidStatus,
	}
	c := loadedController(t, f)
	before := f.getCalls

	if err := c.StartProcess(context.Background()); !errors.Is(err, selection.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	st := c.State()
	if st.ActionError == "" || st.Success != "" {
		t.Fatalf("action error not recorded: %+v", st)
	}
	if st.Process == nil || st.Process.Process.ID != "p-1" {
		t.Fatal("loaded data was dropped on action failure")
	}
	if f.getCalls != before {
		t.Fatal("failed action must not reload")
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(true, false)}}
	c := loadedController(t, f)
	before := f.getCalls

	if err := c.DeleteProcess(context.Background()); err != nil {
		t.Fatalf("DeleteProcess: %v", err)
	}
	st := c.State()
	if !st.Deleted || st.Process != nil {
		t.Fatalf("delete not terminal: %+v", st)
	}
	if f.getCalls != before {
		t.Fatal("delete must not reload")
	}
	if err := c.StartProcess(context.Background()); !errors.Is(err, selection.ErrNotFound) {
		t.Fatalf("post-delete action: %v", err)
	}
}

func TestSaveDatesValidatesLocally(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(true, false)}}
	c := loadedController(t, f)

	end, _ := selection.ParseDate("2026-08-24")
	start, _ := selection.ParseDate("2026-09-06")
	if err := c.SaveDates(context.Background(), start, end); !errors.Is(err, selection.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.updateCalls != 0 {
		t.Fatal("invalid dates reached the backend")
	}
	if st := c.State(); st.ActionError == "" {
		t.Fatal("validation message missing")
	}

	if err := c.SaveDates(context.Background(), end, start); err != nil {
		t.Fatalf("SaveDates: %v", err)
	}
	if f.updateCalls != 1 {
		t.Fatalf("update calls: %d", f.updateCalls)
	}
}

func TestAssignRoutine(t *testing.T) {
	f := &fakeBackend{
		getResults: []selection.ProcessContext{activeContext(false, true)},
		assignRes:  routine.AssignResult{Success: true},
	}
	c := loadedController(t, f)
	before := f.listCalls

	if err := c.AssignRoutineToSelf(context.Background(), "i-1"); err != nil {
		t.Fatalf("AssignRoutineToSelf: %v", err)
	}
	if f.assignHits != 1 {
		t.Fatalf("assign calls: %d", f.assignHits)
	}
	if f.listCalls != before+1 {
		t.Fatal("successful assignment must reload instances")
	}
	if st := c.State(); st.Success == "" {
		t.Fatal("success message missing")
	}
}

func TestAssignRoutineSoftRefusal(t *testing.T) {
	f := &fakeBackend{
		getResults: []selection.ProcessContext{activeContext(false, true)},
		assignRes:  routine.AssignResult{Success: false, Message: "routine is already assigned"},
	}
	c := loadedController(t, f)

	if err := c.AssignRoutineToSelf(context.Background(), "i-1"); err != nil {
		t.Fatalf("soft refusal must not error: %v", err)
	}
	if st := c.State(); st.ActionError != "routine is already assigned" {
		t.Fatalf("refusal message: %q", st.ActionError)
	}
}

func TestAssignRoutineBlockedForNonHolder(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(true, false)}}
	c := loadedController(t, f)

	if err := c.AssignRoutineToSelf(context.Background(), "i-1"); !errors.Is(err, selection.ErrNotCurrentTurn) {
		t.Fatalf("expected ErrNotCurrentTurn, got %v", err)
	}
	if f.assignHits != 0 {
		t.Fatal("guarded assignment reached the backend")
	}
}

func TestWeekNavigationReloadsInstances(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(true, true)}}
	c := loadedController(t, f)
	before := f.listCalls

	if err := c.NavigateWeek(context.Background(), 1); err != nil {
		t.Fatalf("NavigateWeek: %v", err)
	}
	next := c.State().Week
	if err := c.GoToToday(context.Background()); err != nil {
		t.Fatalf("GoToToday: %v", err)
	}
	today := c.State().Week

	if next.Start != today.Start.AddDays(7) {
		t.Fatalf("week math off: next=%v today=%v", next.Start, today.Start)
	}
	if today != routine.WeekOf(selection.Today()) {
		t.Fatalf("GoToToday landed on %v", today)
	}
	if f.listCalls != before+2 {
		t.Fatalf("instance reloads: got %d extra", f.listCalls-before)
	}
}

func TestConcurrentActionsOneWins(t *testing.T) {
	f := &fakeBackend{getResults: []selection.ProcessContext{activeContext(true, true)}}
	f.getDelay = 30 * time.Millisecond // slows the post-action reload
	c := loadedController(t, f)

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.CancelProcess(context.Background()); errors.Is(err, ErrActionInFlight) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	f.mu.Lock()
	cancels := f.cancelCalls
	f.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected one cancel, got %d", cancels)
	}
	if rejected.Load() != 1 {
		t.Fatalf("expected one in-flight rejection, got %d", rejected.Load())
	}
}
