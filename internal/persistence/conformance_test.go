package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/fluxrun/pkg/api"
)

// storeFactory returns an empty store for one subtest.
type storeFactory func(t *testing.T) RunStore

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// testRun builds a running run created at baseTime+offset with its
// user_input event.
func testRun(company string, offset time.Duration, opts ...api.RunOption) *api.RunState {
	r := api.NewRunState(company, opts...)
	r.CreatedAt = baseTime.Add(offset)
	r.UpdatedAt = r.CreatedAt
	r.AppendEvent(api.NewEvent(api.EventUserInput, map[string]any{"company_name": company}))
	return r
}

func runIDs(runs []*api.RunState) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	return ids
}

func assertIDs(t *testing.T, got []*api.RunState, want ...string) {
	t.Helper()
	ids := runIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("got runs %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got runs %v, want %v", ids, want)
		}
	}
}

// runStoreConformance checks the RunStore contract against a backend.
func runStoreConformance(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme Corp", 0, api.WithSessionID("sess-1"))
		run.IncrementRetry("provision_slack")

		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx, run.RunID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.RunID != run.RunID || got.CompanyName != "Acme Corp" || got.SessionID != "sess-1" {
			t.Fatalf("unexpected run: %+v", got)
		}
		if got.Status != api.StatusRunning || got.EventCount() != 1 {
			t.Fatalf("status=%s events=%d", got.Status, got.EventCount())
		}
		if got.Events[0].ID != run.Events[0].ID || got.Events[0].Data["company_name"] != "Acme Corp" {
			t.Fatalf("event not preserved: %+v", got.Events[0])
		}
		if !got.CreatedAt.Equal(run.CreatedAt) || !got.UpdatedAt.Equal(run.UpdatedAt) {
			t.Fatalf("timestamps not preserved")
		}
		if got.RetryCount("provision_slack") != 1 {
			t.Fatalf("retry counts not preserved: %v", got.RetryCounts)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Load(ctx, "does-not-exist"); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme", 0)
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		run.Status = api.StatusPaused
		run.AppendEvent(api.NewEvent(api.EventPaused, map[string]any{"reason": "lunch"}))
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("second Save failed: %v", err)
		}

		got, err := s.Load(ctx, run.RunID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Status != api.StatusPaused || got.EventCount() != 2 {
			t.Fatalf("status=%s events=%d", got.Status, got.EventCount())
		}
		paused, err := s.ListByStatus(ctx, api.StatusPaused)
		if err != nil {
			t.Fatalf("ListByStatus failed: %v", err)
		}
		assertIDs(t, paused, run.RunID)
		running, _ := s.ListByStatus(ctx, api.StatusRunning)
		assertIDs(t, running)
	})

	t.Run("SaveRejectsForeignIdempotencyKey", func(t *testing.T) {
		s := newStore(t)
		first := testRun("Acme", 0, api.WithIdempotencyKey("k1"))
		if err := s.Save(ctx, first); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		second := testRun("Acme", time.Second, api.WithIdempotencyKey("k1"))
		if err := s.Save(ctx, second); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}
		// Re-saving the owner is fine.
		if err := s.Save(ctx, first); err != nil {
			t.Fatalf("re-Save of owner failed: %v", err)
		}
	})

	t.Run("SaveKeepsIdempotencyKey", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme", 0, api.WithIdempotencyKey("k1"), api.WithSessionID("s1"))
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		changed := testRun("Acme", 0, api.WithIdempotencyKey("k2"), api.WithSessionID("s2"))
		changed.RunID = run.RunID
		changed.Status = api.StatusPaused
		if err := s.Save(ctx, changed); err != nil {
			t.Fatalf("re-Save failed: %v", err)
		}

		got, err := s.FindByIdempotencyKey(ctx, "k1")
		if err != nil || got.RunID != run.RunID || got.IdempotencyKey != "k1" {
			t.Fatalf("FindByIdempotencyKey(k1): %+v, %v", got, err)
		}
		if _, err := s.FindByIdempotencyKey(ctx, "k2"); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("k2 should not be bound, got %v", err)
		}
		loaded, err := s.Load(ctx, run.RunID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.SessionID != "s1" || loaded.IdempotencyKey != "k1" || loaded.Status != api.StatusPaused {
			t.Fatalf("unexpected stored run: session=%q key=%q status=%s", loaded.SessionID, loaded.IdempotencyKey, loaded.Status)
		}
		moved, err := s.FindBySession(ctx, "s2")
		if err != nil {
			t.Fatalf("FindBySession failed: %v", err)
		}
		assertIDs(t, moved)

		// Update leaves them alone too.
		loaded.IdempotencyKey = "k3"
		loaded.SessionID = "s3"
		if err := s.Update(ctx, loaded, loaded.EventCount()); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if _, err := s.FindByIdempotencyKey(ctx, "k3"); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("k3 should not be bound, got %v", err)
		}
		sessions, _ := s.FindBySession(ctx, "s1")
		assertIDs(t, sessions, run.RunID)

		other := testRun("Other", time.Second, api.WithIdempotencyKey("k2"))
		if err := s.Save(ctx, other); err != nil {
			t.Fatalf("Save with unbound key failed: %v", err)
		}
	})

	t.Run("CreateOrGet", func(t *testing.T) {
		s := newStore(t)
		first := testRun("Acme", 0, api.WithIdempotencyKey("launch-1"))
		stored, created, err := s.CreateOrGet(ctx, first)
		if err != nil || !created {
			t.Fatalf("first CreateOrGet: created=%v err=%v", created, err)
		}
		if stored.RunID != first.RunID {
			t.Fatalf("stored run id %s, want %s", stored.RunID, first.RunID)
		}

		replay := testRun("Acme", time.Second, api.WithIdempotencyKey("launch-1"))
		stored, created, err = s.CreateOrGet(ctx, replay)
		if err != nil || created {
			t.Fatalf("replay CreateOrGet: created=%v err=%v", created, err)
		}
		if stored.RunID != first.RunID {
			t.Fatalf("replay returned %s, want winner %s", stored.RunID, first.RunID)
		}
		if _, err := s.Load(ctx, replay.RunID); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("loser must not be stored, got %v", err)
		}
	})

	t.Run("CreateOrGetWithoutKey", func(t *testing.T) {
		s := newStore(t)
		a, b := testRun("Acme", 0), testRun("Acme", time.Second)
		for _, r := range []*api.RunState{a, b} {
			if _, created, err := s.CreateOrGet(ctx, r); err != nil || !created {
				t.Fatalf("CreateOrGet: created=%v err=%v", created, err)
			}
		}
		if _, _, err := s.CreateOrGet(ctx, a); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey for reused run id, got %v", err)
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll failed: %v", err)
		}
		assertIDs(t, all, a.RunID, b.RunID)
	})

	t.Run("CreateOrGetConcurrent", func(t *testing.T) {
		s := newStore(t)
		const n = 12

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = map[string]int{}
			created int
			errs    []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := testRun("Acme", time.Duration(i)*time.Millisecond, api.WithIdempotencyKey("race"))
				stored, c, err := s.CreateOrGet(ctx, r)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ids[stored.RunID]++
				if c {
					created++
				}
			}(i)
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("CreateOrGet errors: %v", errs)
		}
		if created != 1 || len(ids) != 1 {
			t.Fatalf("expected exactly one created run, got created=%d ids=%v", created, ids)
		}
		all, _ := s.ListAll(ctx)
		if len(all) != 1 {
			t.Fatalf("expected 1 stored run, got %d", len(all))
		}
	})

	t.Run("UpdateIsConditional", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme", 0)
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		run.Status = api.StatusPaused
		run.AppendEvent(api.NewEvent(api.EventPaused, nil))
		if err := s.Update(ctx, run, 1); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		// A writer that read before the first update is rejected.
		stale := testRun("Acme", 0)
		stale.RunID = run.RunID
		stale.AppendEvent(api.NewEvent(api.EventStepSelected, nil))
		if err := s.Update(ctx, stale, 1); !errors.Is(err, ErrConcurrentUpdate) {
			t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
		}

		got, _ := s.Load(ctx, run.RunID)
		if got.Status != api.StatusPaused || got.EventCount() != 2 {
			t.Fatalf("stale write leaked: status=%s events=%d", got.Status, got.EventCount())
		}

		missing := testRun("Ghost", 0)
		if err := s.Update(ctx, missing, 0); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("FindByIdempotencyKey", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme", 0, api.WithIdempotencyKey("key-a"))
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.FindByIdempotencyKey(ctx, "key-a")
		if err != nil || got.RunID != run.RunID {
			t.Fatalf("FindByIdempotencyKey: %v, %v", got, err)
		}
		if _, err := s.FindByIdempotencyKey(ctx, "key-b"); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
		if _, err := s.FindByIdempotencyKey(ctx, ""); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("empty key: expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListingAndFilters", func(t *testing.T) {
		s := newStore(t)
		r1 := testRun("A", 1*time.Second, api.WithSessionID("s1"))
		r2 := testRun("B", 2*time.Second, api.WithSessionID("s2"))
		r3 := testRun("C", 3*time.Second, api.WithSessionID("s1"))
		r4 := testRun("D", 4*time.Second, api.WithSessionID("s1"))
		r2.Status = api.StatusAwaitingApproval
		r3.Status = api.StatusCompleted
		r4.Status = api.StatusFailed

		// Save out of creation order to check sorting.
		for _, r := range []*api.RunState{r4, r2, r1, r3} {
			if err := s.Save(ctx, r); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}

		active, err := s.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		assertIDs(t, sorted(active), r1.RunID, r2.RunID)

		all, _ := s.ListAll(ctx)
		assertIDs(t, sorted(all), r1.RunID, r2.RunID, r3.RunID, r4.RunID)

		completed, _ := s.ListByStatus(ctx, api.StatusCompleted)
		assertIDs(t, completed, r3.RunID)

		paused, _ := s.ListByStatus(ctx, api.StatusPaused)
		assertIDs(t, paused)

		session, err := s.FindBySession(ctx, "s1")
		if err != nil {
			t.Fatalf("FindBySession failed: %v", err)
		}
		assertIDs(t, sorted(session), r1.RunID, r3.RunID, r4.RunID)

		none, _ := s.FindBySession(ctx, "nobody")
		assertIDs(t, none)
	})

	t.Run("ReturnedRunsAreCopies", func(t *testing.T) {
		s := newStore(t)
		run := testRun("Acme", 0)
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		run.Status = api.StatusFailed

		got, _ := s.Load(ctx, run.RunID)
		got.AppendEvent(api.NewEvent(api.EventPaused, nil))

		again, _ := s.Load(ctx, run.RunID)
		if again.Status != api.StatusRunning || again.EventCount() != 1 {
			t.Fatalf("store shares memory with callers: status=%s events=%d", again.Status, again.EventCount())
		}
	})
}

// sorted returns runs in creation order. The memory store lists in insertion
// order, which the listing test deliberately scrambles.
func sorted(runs []*api.RunState) []*api.RunState {
	out := append([]*api.RunState(nil), runs...)
	sortRuns(out)
	return out
}
