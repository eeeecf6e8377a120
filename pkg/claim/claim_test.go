package claim_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"drover/pkg/claim"
	"drover/pkg/msgstore"
	"drover/pkg/protocol"
	"drover/pkg/queue"
	"drover/pkg/registry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}
	// One connection so the busy_timeout pragma covers every statement.
	db.SetMaxOpenConns(1)
	return db
}

// newClaimer builds a Claimer with its own queue snapshot over a shared db,
// the way each worker process holds a private view of `ready` output.
func newClaimer(t *testing.T, db *sql.DB, refs []protocol.TaskRef) (*claim.Claimer, *registry.Registry, *msgstore.Store) {
	t.Helper()
	reg := registry.New(db)
	q := queue.New()
	q.Rebuild(refs)
	msgs := msgstore.New(db)
	return claim.New(db, reg, q, msgs), reg, msgs
}

func register(t *testing.T, reg *registry.Registry, id string, caps ...string) {
	t.Helper()
	if err := reg.Register(context.Background(), id, caps); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestClaimHighestPriorityFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	refs := []protocol.TaskRef{
		{ID: "t-norm", Title: "normal work", Priority: "normal"},
		{ID: "t-crit", Title: "urgent fix", Priority: "critical"},
	}
	claimer, reg, msgs := newClaimer(t, db, refs)
	register(t, reg, "worker-1")

	asn, err := claimer.Claim(ctx, "worker-1", nil, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if asn.TaskID != "t-crit" {
		t.Errorf("claimed task: want t-crit, got %s", asn.TaskID)
	}
	if asn.ClaimToken == "" {
		t.Error("claim token should be set")
	}

	var status, worker string
	err = db.QueryRow(`SELECT claim_status, worker_id FROM tasks WHERE id='t-crit'`).Scan(&status, &worker)
	if err != nil {
		t.Fatalf("query task: %v", err)
	}
	if status != "claimed" || worker != "worker-1" {
		t.Errorf("task row: want claimed/worker-1, got %s/%s", status, worker)
	}

	// Assignment message lands in the worker's inbox.
	inbox, err := msgs.Inbox(ctx, "worker-1")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Type != protocol.MsgAssignment {
		t.Fatalf("inbox: want one ASSIGNMENT, got %+v", inbox)
	}
	if inbox[0].Assignment.TaskID != "t-crit" {
		t.Errorf("assignment task: want t-crit, got %s", inbox[0].Assignment.TaskID)
	}
}

func TestClaimEmitsAuditMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	claimer, reg, msgs := newClaimer(t, db, []protocol.TaskRef{{ID: "t-1", Priority: "normal"}})
	register(t, reg, "worker-1")

	asn, err := claimer.Claim(ctx, "worker-1", nil, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	inbox, err := msgs.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	var claimed *protocol.ClaimPayload
	for _, m := range inbox {
		if m.Type == protocol.MsgClaim {
			claimed = m.Claim
		}
	}
	if claimed == nil {
		t.Fatal("expected CLAIM message in coordinator mail")
	}
	if claimed.TaskID != "t-1" || claimed.WorkerID != "worker-1" {
		t.Errorf("claim payload: %+v", claimed)
	}
	if claimed.ClaimToken != asn.ClaimToken {
		t.Errorf("claim token: message %s, assignment %s", claimed.ClaimToken, asn.ClaimToken)
	}
}

func TestSyncQueueLoadsUnclaimedFromSharedPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	// The shared pool holds one claimable task, one already held, and one
	// gated on a capability; the claimer starts with an empty snapshot.
	seed := []struct{ id, status, caps string }{
		{"t-open", "unclaimed", "[]"},
		{"t-held", "claimed", "[]"},
		{"t-sec", "unclaimed", `["security"]`},
	}
	for _, s := range seed {
		if _, err := db.Exec(
			`INSERT INTO tasks (id, title, priority, required_capabilities, claim_status) VALUES (?, 'x', 'normal', ?, ?)`,
			s.id, s.caps, s.status); err != nil {
			t.Fatalf("seed %s: %v", s.id, err)
		}
	}

	claimer, reg, _ := newClaimer(t, db, nil)
	register(t, reg, "worker-1", "go")

	if err := claimer.SyncQueue(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	asn, err := claimer.Claim(ctx, "worker-1", []string{"go"}, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if asn.TaskID != "t-open" {
		t.Errorf("claimed: want t-open, got %s", asn.TaskID)
	}

	// The held and capability-gated tasks never surface as candidates.
	if _, err := claimer.Claim(ctx, "worker-1", []string{"go"}, 2); !errors.Is(err, protocol.ErrNoReadyTasks) {
		t.Errorf("want ErrNoReadyTasks, got %v", err)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	const workers = 8
	refs := []protocol.TaskRef{{ID: "t-contested", Priority: "high"}}

	// Shared registry for registration; each worker gets a private claimer
	// with its own queue snapshot, like independent processes would.
	reg := registry.New(db)
	claimers := make([]*claim.Claimer, workers)
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		ids[i] = string(rune('a'+i)) + "-worker"
		register(t, reg, ids[i])
		q := queue.New()
		q.Rebuild(refs)
		claimers[i] = claim.New(db, reg, q, msgstore.New(db))
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = claimers[i].Claim(ctx, ids[i], nil, 1)
		}(i)
	}
	wg.Wait()

	var wins, races int
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var race *protocol.ClaimRaceError
			if !errors.As(err, &race) {
				t.Errorf("worker %s: want ClaimRaceError, got %v", ids[i], err)
				continue
			}
			races++
		}
	}
	if wins != 1 {
		t.Fatalf("mutual exclusion violated: %d winners", wins)
	}
	if races != workers-1 {
		t.Errorf("want %d race losers, got %d", workers-1, races)
	}
}

func TestClaimRaceFallsThroughToNextCandidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	refs := []protocol.TaskRef{
		{ID: "t-1", Priority: "high"},
		{ID: "t-2", Priority: "normal"},
	}
	first, reg, _ := newClaimer(t, db, refs)
	register(t, reg, "worker-a")
	register(t, reg, "worker-b")

	// worker-a takes the high-priority task.
	asn, err := first.Claim(ctx, "worker-a", nil, 1)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if asn.TaskID != "t-1" {
		t.Fatalf("first claim: want t-1, got %s", asn.TaskID)
	}

	// worker-b holds a stale snapshot still listing t-1; the lost CAS must
	// fall through to t-2 without surfacing an error.
	second, _, _ := newClaimer(t, db, refs)
	asn, err = second.Claim(ctx, "worker-b", nil, 1)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if asn.TaskID != "t-2" {
		t.Errorf("second claim: want t-2, got %s", asn.TaskID)
	}
}

func TestClaimErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("worker not registered", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		claimer, _, _ := newClaimer(t, db, []protocol.TaskRef{{ID: "t-1", Priority: "normal"}})

		_, err := claimer.Claim(ctx, "ghost", nil, 1)
		var notReg *protocol.WorkerNotRegisteredError
		if !errors.As(err, &notReg) {
			t.Fatalf("want WorkerNotRegisteredError, got %v", err)
		}
	})

	t.Run("offline worker rejected", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		claimer, reg, _ := newClaimer(t, db, []protocol.TaskRef{{ID: "t-1", Priority: "normal"}})
		register(t, reg, "worker-1")
		if err := reg.Unregister(ctx, "worker-1"); err != nil {
			t.Fatalf("unregister: %v", err)
		}

		_, err := claimer.Claim(ctx, "worker-1", nil, 1)
		var notReg *protocol.WorkerNotRegisteredError
		if !errors.As(err, &notReg) {
			t.Fatalf("want WorkerNotRegisteredError, got %v", err)
		}
		if notReg.State != protocol.WorkerOffline {
			t.Errorf("error state: want offline, got %s", notReg.State)
		}
	})

	t.Run("no ready tasks for capabilities", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		refs := []protocol.TaskRef{{ID: "t-sec", Priority: "high", Capabilities: []string{"security"}}}
		claimer, reg, _ := newClaimer(t, db, refs)
		register(t, reg, "worker-1", "go")

		_, err := claimer.Claim(ctx, "worker-1", []string{"go"}, 1)
		if !errors.Is(err, protocol.ErrNoReadyTasks) {
			t.Fatalf("want ErrNoReadyTasks, got %v", err)
		}
	})

	t.Run("task limit reached", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		refs := []protocol.TaskRef{
			{ID: "t-1", Priority: "normal"},
			{ID: "t-2", Priority: "normal"},
		}
		claimer, reg, _ := newClaimer(t, db, refs)
		register(t, reg, "worker-1")

		if _, err := claimer.Claim(ctx, "worker-1", nil, 1); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		_, err := claimer.Claim(ctx, "worker-1", nil, 1)
		var limit *protocol.TaskLimitError
		if !errors.As(err, &limit) {
			t.Fatalf("want TaskLimitError, got %v", err)
		}
	})
}

func TestMultiClaimSlots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	refs := []protocol.TaskRef{
		{ID: "t-1", Priority: "high"},
		{ID: "t-2", Priority: "normal"},
		{ID: "t-3", Priority: "normal"},
	}
	claimer, reg, _ := newClaimer(t, db, refs)
	register(t, reg, "worker-1")

	// Each claim slot is an independent run of the protocol.
	for i := 0; i < 2; i++ {
		if _, err := claimer.Claim(ctx, "worker-1", nil, 2); err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
	}
	_, err := claimer.Claim(ctx, "worker-1", nil, 2)
	var limit *protocol.TaskLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("third claim: want TaskLimitError, got %v", err)
	}

	n, err := claimer.ActiveClaims(ctx, "worker-1")
	if err != nil {
		t.Fatalf("active claims: %v", err)
	}
	if n != 2 {
		t.Errorf("active claims: want 2, got %d", n)
	}
}

func TestReleaseReturnsTaskToPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	refs := []protocol.TaskRef{{ID: "t-1", Priority: "normal"}}
	claimer, reg, msgs := newClaimer(t, db, refs)
	register(t, reg, "worker-a")
	register(t, reg, "worker-b")

	if _, err := claimer.Claim(ctx, "worker-a", nil, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := claimer.Release(ctx, "worker-a", "t-1", "context overflow"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// RELEASE message reaches the coordinator.
	inbox, err := msgs.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	var sawRelease bool
	for _, m := range inbox {
		if m.Type == protocol.MsgRelease && m.Release.TaskID == "t-1" {
			sawRelease = true
		}
	}
	if !sawRelease {
		t.Error("expected RELEASE message for t-1")
	}

	// Another worker can now claim it.
	other, _, _ := newClaimer(t, db, refs)
	asn, err := other.Claim(ctx, "worker-b", nil, 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if asn.TaskID != "t-1" {
		t.Errorf("reclaim: want t-1, got %s", asn.TaskID)
	}
}

func TestCompleteRequiresHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	refs := []protocol.TaskRef{{ID: "t-1", Priority: "normal"}}
	claimer, reg, _ := newClaimer(t, db, refs)
	register(t, reg, "worker-a")

	if _, err := claimer.Claim(ctx, "worker-a", nil, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := claimer.Complete(ctx, "worker-b", "t-1"); err == nil {
		t.Error("complete by non-holder should fail")
	}
	if err := claimer.Complete(ctx, "worker-a", "t-1"); err != nil {
		t.Fatalf("complete by holder: %v", err)
	}

	var status string
	if err := db.QueryRow(`SELECT claim_status FROM tasks WHERE id='t-1'`).Scan(&status); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "completed" {
		t.Errorf("claim status: want completed, got %s", status)
	}
}
