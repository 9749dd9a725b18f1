package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/models"
	"github.com/hikarukin/engram/internal/store"
)

type staticConvs []string

func (s staticConvs) DistinctConversations() ([]string, error) { return s, nil }

func testSetup(t *testing.T, cfg config.DecayConfig, convs []string) (*Manager, *graph.SQLiteStore, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "decay.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	g := graph.NewSQLiteStore(db)
	m := NewManager(g, db, staticConvs(convs), cfg, slog.Default())
	return m, g, db
}

func defaultCfg() config.DecayConfig {
	return config.DecayConfig{
		NodeRate:         0.01,
		MemoryRate:       0.01,
		AssociationFloor: 0.1,
		IntervalHours:    4,
		NodeCap:          1000,
		MemoryCap:        500,
	}
}

func TestSweepZeroRateIsIdentity(t *testing.T) {
	cfg := defaultCfg()
	cfg.NodeRate = 0
	cfg.MemoryRate = 0
	m, g, _ := testSetup(t, cfg, []string{"c1"})
	ctx := context.Background()

	node, _ := g.UpsertNode(ctx, "c1", "stable")

	result, err := m.Sweep(ctx, true)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Skipped {
		t.Fatal("forced sweep should not skip")
	}

	after, _ := g.GetNode(ctx, node.ID)
	if math.Abs(after.Activation-1.0) > 1e-9 {
		t.Errorf("activation = %f, want unchanged 1.0", after.Activation)
	}
}

func TestSweepReducesActivationWithinJitterBounds(t *testing.T) {
	cfg := defaultCfg()
	cfg.NodeRate = 0.2
	m, g, _ := testSetup(t, cfg, []string{"c1"})
	ctx := context.Background()

	node, _ := g.UpsertNode(ctx, "c1", "fading")

	if _, err := m.Sweep(ctx, true); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	after, _ := g.GetNode(ctx, node.ID)
	// Factor is 1 - rate*r with r in [0.5, 1.0].
	if after.Activation > 1-cfg.NodeRate*0.5 || after.Activation < 1-cfg.NodeRate {
		t.Errorf("activation = %f, want within [%f, %f]",
			after.Activation, 1-cfg.NodeRate, 1-cfg.NodeRate*0.5)
	}
	if after.Activation < 0 {
		t.Error("activation must stay non-negative")
	}
}

func TestSweepSkippedInsideInterval(t *testing.T) {
	m, _, _ := testSetup(t, defaultCfg(), []string{"c1"})
	ctx := context.Background()

	first, err := m.Sweep(ctx, false)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Skipped {
		t.Fatal("first sweep should run")
	}

	second, err := m.Sweep(ctx, false)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if !second.Skipped {
		t.Error("second sweep inside interval should skip")
	}

	forced, err := m.Sweep(ctx, true)
	if err != nil {
		t.Fatalf("forced sweep: %v", err)
	}
	if forced.Skipped {
		t.Error("forced sweep must run")
	}
}

func TestSweepPrunesWeakAssociations(t *testing.T) {
	cfg := defaultCfg()
	cfg.NodeRate = 0.9
	m, g, _ := testSetup(t, cfg, []string{"c1"})
	ctx := context.Background()

	a, _ := g.UpsertNode(ctx, "c1", "a")
	b, _ := g.UpsertNode(ctx, "c1", "b")
	g.ReinforceAssociation(ctx, a.ID, b.ID, graph.SameTopicDelta)

	// Aggressive rate drops strength below the floor within a few sweeps.
	for i := 0; i < 5; i++ {
		if _, err := m.Sweep(ctx, true); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	assoc, _ := g.GetAssociation(ctx, a.ID, b.ID)
	if assoc != nil {
		t.Errorf("association should be pruned, still at %f", assoc.Strength)
	}
}

func TestSweepDeletesOrphanMemories(t *testing.T) {
	m, g, _ := testSetup(t, defaultCfg(), []string{"c1"})
	ctx := context.Background()

	if err := g.InsertMemory(ctx, &models.TopicMemory{
		ConversationID: "c1",
		Title:          "orphan",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := g.InsertMemory(ctx, &models.TopicMemory{
		ConversationID: "c1",
		Title:          "pinned orphan",
		IsPermanent:    true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.Sweep(ctx, true); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	mems, _ := g.ListMemories(ctx, graph.ListOptions{ConversationID: "c1"})
	if len(mems) != 1 || mems[0].Title != "pinned orphan" {
		t.Fatalf("memories after sweep = %+v, want only pinned orphan", mems)
	}
}

func TestCleanupOverflowSparesPermanent(t *testing.T) {
	cfg := defaultCfg()
	cfg.NodeCap = 3
	m, g, _ := testSetup(t, cfg, []string{"c1"})
	ctx := context.Background()

	pinned, _ := g.UpsertNode(ctx, "c1", "pinned")
	g.SetNodePermanent(ctx, pinned.ID, true)
	for i := 0; i < 5; i++ {
		g.UpsertNode(ctx, "c1", fmt.Sprintf("node-%d", i))
	}

	// The cap bounds non-permanent nodes only: 5 non-permanent over a cap
	// of 3 evicts 2, and the pinned node counts toward neither side.
	evictedNodes, _, err := m.CleanupOverflow(ctx, "c1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if evictedNodes != 2 {
		t.Errorf("evicted = %d, want 2", evictedNodes)
	}

	kept, _ := g.GetNode(ctx, pinned.ID)
	if kept == nil {
		t.Fatal("permanent node must survive overflow cleanup")
	}
}

func TestCleanupOverflowIgnoresPermanentInCount(t *testing.T) {
	cfg := defaultCfg()
	cfg.NodeCap = 5
	cfg.MemoryCap = 2
	m, g, _ := testSetup(t, cfg, []string{"c1"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, _ := g.UpsertNode(ctx, "c1", fmt.Sprintf("pinned-%d", i))
		g.SetNodePermanent(ctx, n.ID, true)
	}
	for i := 0; i < 5; i++ {
		g.UpsertNode(ctx, "c1", fmt.Sprintf("node-%d", i))
	}
	for i := 0; i < 2; i++ {
		g.InsertMemory(ctx, &models.TopicMemory{
			ConversationID: "c1",
			Title:          fmt.Sprintf("pinned-mem-%d", i),
			IsPermanent:    true,
		})
	}
	for i := 0; i < 2; i++ {
		g.InsertMemory(ctx, &models.TopicMemory{
			ConversationID: "c1",
			Title:          fmt.Sprintf("mem-%d", i),
		})
	}

	nodes, mems, err := m.CleanupOverflow(ctx, "c1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if nodes != 0 {
		t.Errorf("evicted nodes = %d, want 0 (non-permanent count equals cap)", nodes)
	}
	if mems != 0 {
		t.Errorf("evicted memories = %d, want 0 (non-permanent count equals cap)", mems)
	}
}

func TestCleanupOverflowNoopUnderCap(t *testing.T) {
	m, g, _ := testSetup(t, defaultCfg(), []string{"c1"})
	ctx := context.Background()

	g.UpsertNode(ctx, "c1", "only")
	nodes, mems, err := m.CleanupOverflow(ctx, "c1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if nodes != 0 || mems != 0 {
		t.Errorf("evicted = %d/%d, want 0/0", nodes, mems)
	}
}

func TestLastSweepRecorded(t *testing.T) {
	m, _, _ := testSetup(t, defaultCfg(), nil)
	ctx := context.Background()

	last, err := m.LastSweep()
	if err != nil {
		t.Fatalf("last sweep: %v", err)
	}
	if !last.IsZero() {
		t.Fatal("expected zero time before first sweep")
	}

	if _, err := m.Sweep(ctx, true); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	last, err = m.LastSweep()
	if err != nil {
		t.Fatalf("last sweep: %v", err)
	}
	if last.IsZero() {
		t.Error("sweep time should be recorded")
	}
}
