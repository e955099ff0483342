package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxrun/internal/persistence"
	"github.com/petrijr/fluxrun/pkg/api"
)

// DefaultMaxUpdateAttempts bounds how often one operation re-reads a run
// after losing a conditional write to a concurrent writer.
const DefaultMaxUpdateAttempts = 10

// defaultPauseReason is recorded when Pause is called without a reason.
const defaultPauseReason = "Manual pause via API"

// controller implements api.Lifecycle on top of a RunStore.
//
// It holds no per-run state or locks. Every mutation is a read-guard-mutate
// cycle finished by a conditional store write; losing the write restarts
// the cycle against the fresh state.
type controller struct {
	store       persistence.RunStore
	observer    api.Observer
	maxAttempts int
}

// Config describes how to construct a controller.
type Config struct {
	Store    persistence.RunStore
	Observer api.Observer
	// MaxUpdateAttempts defaults to DefaultMaxUpdateAttempts when <= 0.
	MaxUpdateAttempts int
}

// Ensure controller implements api.Lifecycle.
var _ api.Lifecycle = (*controller)(nil)

// NewWithConfig creates a Lifecycle using the given configuration.
func NewWithConfig(cfg Config) api.Lifecycle {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	attempts := cfg.MaxUpdateAttempts
	if attempts <= 0 {
		attempts = DefaultMaxUpdateAttempts
	}
	return &controller{
		store:       cfg.Store,
		observer:    obs,
		maxAttempts: attempts,
	}
}

// New returns a Lifecycle over store with no observer.
func New(store persistence.RunStore) api.Lifecycle {
	return NewWithConfig(Config{Store: store})
}

// NewInMemory returns a Lifecycle whose runs live only in this process.
func NewInMemory() api.Lifecycle {
	return New(persistence.NewInMemoryRunStore())
}

// NewSQLite returns a Lifecycle over db, creating the workflow_runs table if needed.
func NewSQLite(ctx context.Context, db *sql.DB) (api.Lifecycle, error) {
	store, err := persistence.NewSQLiteRunStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// NewPostgres returns a Lifecycle over a pgx-backed db, creating the schema if needed.
func NewPostgres(ctx context.Context, db *sql.DB) (api.Lifecycle, error) {
	store, err := persistence.NewPostgresRunStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// NewRedis creates a Lifecycle that keeps runs in Redis under the
// "fluxrun:" prefix.
func NewRedis(client redis.UniversalClient) api.Lifecycle {
	return New(persistence.NewRedisRunStore(client, "fluxrun:"))
}

// NewMongo returns a Lifecycle over the workflow_runs collection of dbName.
func NewMongo(ctx context.Context, client *mongo.Client, dbName string) (api.Lifecycle, error) {
	store, err := persistence.NewMongoRunStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

func (c *controller) Launch(ctx context.Context, req api.LaunchRequest) (api.LaunchResult, error) {
	const op = "launch"

	company := strings.TrimSpace(req.CompanyName)
	if company == "" {
		return api.LaunchResult{}, c.fail(ctx, op, "", &api.Error{
			Kind: api.KindInvalidInput,
			Op:   op,
			Code: "MISSING_COMPANY_NAME",
			Msg:  "company_name is required",
		})
	}
	session := strings.TrimSpace(req.SessionID)
	if session == "" {
		session = uuid.NewString()
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	run := api.NewRunState(company, api.WithSessionID(session), api.WithIdempotencyKey(key))
	run.AppendEvent(api.NewEvent(api.EventUserInput, map[string]any{"company_name": company}))

	stored, created, err := c.store.CreateOrGet(ctx, run)
	if errors.Is(err, persistence.ErrDuplicateKey) && key != "" {
		// Another launch won between the store's check and insert.
		stored, err = c.store.FindByIdempotencyKey(ctx, key)
		created = false
	}
	if err != nil {
		return api.LaunchResult{}, c.fail(ctx, op, run.RunID, storeError(op, run.RunID, err))
	}

	c.observer.OnRunLaunched(ctx, stored, created)
	return api.LaunchResult{Run: stored, Created: created}, nil
}

func (c *controller) Get(ctx context.Context, runID string) (*api.RunState, error) {
	const op = "get"
	if err := requireRunID(op, runID); err != nil {
		return nil, c.fail(ctx, op, runID, err)
	}
	run, err := c.store.Load(ctx, runID)
	if err != nil {
		return nil, c.fail(ctx, op, runID, storeError(op, runID, err))
	}
	return run, nil
}

func (c *controller) Pause(ctx context.Context, runID string, reason string) (*api.RunState, error) {
	if strings.TrimSpace(reason) == "" {
		reason = defaultPauseReason
	}
	return c.apply(ctx, "pause", runID, []api.RunStatus{api.StatusRunning},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			return api.NewEvent(api.EventPaused, map[string]any{"reason": reason}), api.StatusPaused, nil
		})
}

func (c *controller) Resume(ctx context.Context, runID string, data map[string]any) (*api.RunState, error) {
	return c.apply(ctx, "resume", runID, []api.RunStatus{api.StatusPaused, api.StatusAwaitingApproval},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			return api.NewEvent(api.EventResumed, copyData(data)), api.StatusRunning, nil
		})
}

func (c *controller) ReceiveApproval(ctx context.Context, runID string, decision api.ApprovalDecision) (*api.RunState, error) {
	return c.apply(ctx, "receive_approval", runID, []api.RunStatus{api.StatusAwaitingApproval},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			next := api.StatusFailed
			if decision.Approved {
				next = api.StatusRunning
			}
			return api.NewApprovalReceivedEvent(decision), next, nil
		})
}

func (c *controller) RequestApproval(ctx context.Context, runID string, req api.ApprovalRequest) (*api.RunState, error) {
	const op = "request_approval"
	if strings.TrimSpace(req.Action) == "" {
		return nil, c.fail(ctx, op, runID, &api.Error{Kind: api.KindInvalidInput, Op: op, RunID: runID, Msg: "action is required"})
	}
	return c.apply(ctx, op, runID, []api.RunStatus{api.StatusRunning},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			return api.NewApprovalRequestedEvent(req), api.StatusAwaitingApproval, nil
		})
}

func (c *controller) Escalate(ctx context.Context, runID string, esc api.Escalation) (*api.RunState, error) {
	const op = "escalate"
	if strings.TrimSpace(esc.Issue) == "" {
		return nil, c.fail(ctx, op, runID, &api.Error{Kind: api.KindInvalidInput, Op: op, RunID: runID, Msg: "issue is required"})
	}
	return c.apply(ctx, op, runID, []api.RunStatus{api.StatusRunning},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			return api.NewEscalationEvent(esc), api.StatusAwaitingApproval, nil
		})
}

func (c *controller) Record(ctx context.Context, runID string, ev api.WorkflowEvent) (*api.RunState, error) {
	const op = "record"
	ev, err := normalizeExecutorEvent(op, runID, ev)
	if err != nil {
		return nil, c.fail(ctx, op, runID, err)
	}
	return c.apply(ctx, op, runID, []api.RunStatus{api.StatusRunning},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			if ev.Type == api.EventStepError {
				run.IncrementRetry(ev.StepName)
			}
			return ev, "", nil
		})
}

func (c *controller) Finalize(ctx context.Context, runID string, summary map[string]any) (*api.RunState, error) {
	return c.apply(ctx, "finalize", runID, []api.RunStatus{api.StatusRunning},
		func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error) {
			return api.NewEvent(api.EventFinalized, copyData(summary)), api.StatusCompleted, nil
		})
}

func (c *controller) List(ctx context.Context, opts api.ListOptions) ([]*api.RunState, error) {
	const op = "list"

	var (
		runs []*api.RunState
		err  error
	)
	if opts.Status == "" {
		runs, err = c.store.ListActive(ctx)
	} else {
		status, perr := api.ParseStatus(opts.Status)
		if perr != nil {
			return nil, c.fail(ctx, op, "", perr)
		}
		runs, err = c.store.ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, c.fail(ctx, op, "", storeError(op, "", err))
	}
	return runs, nil
}

func (c *controller) FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error) {
	const op = "find_by_session"
	if strings.TrimSpace(sessionID) == "" {
		return nil, c.fail(ctx, op, "", &api.Error{Kind: api.KindInvalidInput, Op: op, Msg: "session_id is required"})
	}
	runs, err := c.store.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, c.fail(ctx, op, "", storeError(op, "", err))
	}
	return runs, nil
}

// mutation inspects a freshly loaded run and returns the event to append
// and the new status ("" keeps the current one). It may also adjust
// bookkeeping fields such as retry counts; the run is a private copy.
type mutation func(run *api.RunState) (api.WorkflowEvent, api.RunStatus, error)

// apply runs one guarded, conditional read-modify-write.
func (c *controller) apply(ctx context.Context, op, runID string, allowed []api.RunStatus, mutate mutation) (*api.RunState, error) {
	if err := requireRunID(op, runID); err != nil {
		return nil, c.fail(ctx, op, runID, err)
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		run, err := c.store.Load(ctx, runID)
		if err != nil {
			return nil, c.fail(ctx, op, runID, storeError(op, runID, err))
		}
		if !statusIn(run.Status, allowed) {
			return nil, c.fail(ctx, op, runID, api.NewConflictError(op, runID, run.Status, allowed...))
		}

		from := run.Status
		expected := run.EventCount()
		ev, to, err := mutate(run)
		if err != nil {
			return nil, c.fail(ctx, op, runID, err)
		}
		run.AppendEvent(ev)
		if to != "" {
			run.Status = to
		}

		err = c.store.Update(ctx, run, expected)
		if errors.Is(err, persistence.ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			return nil, c.fail(ctx, op, runID, storeError(op, runID, err))
		}

		if run.Status != from {
			c.observer.OnTransition(ctx, run, from, run.Status, ev)
		}
		c.observer.OnEventRecorded(ctx, run, ev)
		return run, nil
	}

	return nil, c.fail(ctx, op, runID, &api.Error{
		Kind:  api.KindStoreUnavailable,
		Op:    op,
		RunID: runID,
		Msg:   fmt.Sprintf("run %s changed concurrently %d times", runID, c.maxAttempts),
		Err:   persistence.ErrConcurrentUpdate,
	})
}

func (c *controller) fail(ctx context.Context, op, runID string, err error) error {
	c.observer.OnOperationFailed(ctx, op, runID, err)
	return err
}

// storeError maps a store failure to the lifecycle error kinds.
func storeError(op, runID string, err error) error {
	kind := api.KindStoreUnavailable
	switch {
	case errors.Is(err, persistence.ErrRunNotFound):
		kind = api.KindNotFound
	case errors.Is(err, persistence.ErrDuplicateKey):
		kind = api.KindDuplicateKey
	}
	e := &api.Error{Kind: kind, Op: op, RunID: runID}
	if kind != api.KindNotFound {
		e.Err = err
	}
	return e
}

func requireRunID(op, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return &api.Error{Kind: api.KindInvalidInput, Op: op, Msg: "run_id is required"}
	}
	return nil
}

func statusIn(s api.RunStatus, allowed []api.RunStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
