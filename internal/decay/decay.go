// Package decay implements the forgetting subsystem: periodic scaling of
// node activations, association strengths, and memory weights, plus overflow
// cleanup when a conversation's graph grows past its caps.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/store"
)

const lastSweepKey = "decay.last_sweep"

// ConversationLister enumerates conversations that may need a sweep.
type ConversationLister interface {
	DistinctConversations() ([]string, error)
}

// Manager runs decay sweeps. Sweeps are gated by the configured interval
// unless forced, and each conversation is handled independently so one
// failure never aborts the rest.
type Manager struct {
	graph  graph.Store
	db     *store.DB
	convs  ConversationLister
	cfg    config.DecayConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewManager(g graph.Store, db *store.DB, convs ConversationLister, cfg config.DecayConfig, logger *slog.Logger) *Manager {
	return &Manager{
		graph:  g,
		db:     db,
		convs:  convs,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// jitter produces a decay factor with per-row randomness: each row keeps
// between (1 - rate) and (1 - rate/2) of its value, so rows forget at
// slightly different speeds.
func (m *Manager) jitter(rate float64) func() float64 {
	return func() float64 {
		m.mu.Lock()
		r := 0.5 + m.rng.Float64()*0.5
		m.mu.Unlock()
		return 1 - rate*r
	}
}

// SweepResult summarizes one sweep for logging and the status endpoint.
type SweepResult struct {
	Skipped         bool      `json:"skipped"`
	Conversations   int       `json:"conversations"`
	NodesDecayed    int64     `json:"nodesDecayed"`
	AssocsDecayed   int64     `json:"associationsDecayed"`
	AssocsPruned    int64     `json:"associationsPruned"`
	MemoriesDecayed int64     `json:"memoriesDecayed"`
	NodesEvicted    int64     `json:"nodesEvicted"`
	MemoriesEvicted int64     `json:"memoriesEvicted"`
	CompletedAt     time.Time `json:"completedAt"`
}

// Sweep decays every conversation's graph. When force is false the sweep is
// skipped if the previous one finished less than the configured interval ago.
func (m *Manager) Sweep(ctx context.Context, force bool) (*SweepResult, error) {
	if !force {
		due, err := m.isDue()
		if err != nil {
			return nil, err
		}
		if !due {
			return &SweepResult{Skipped: true}, nil
		}
	}

	convs, err := m.convs.DistinctConversations()
	if err != nil {
		return nil, fmt.Errorf("list conversations for decay: %w", err)
	}

	result := &SweepResult{Conversations: len(convs)}
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := m.sweepConversation(ctx, conv, result); err != nil {
			m.logger.Warn("decay sweep failed for conversation",
				"conversation_id", conv, "error", err)
			continue
		}
	}

	result.CompletedAt = time.Now()
	if err := m.db.SetState(lastSweepKey, strconv.FormatInt(result.CompletedAt.UnixMilli(), 10)); err != nil {
		m.logger.Warn("record sweep time failed", "error", err)
	}

	m.logger.Info("decay sweep complete",
		"conversations", result.Conversations,
		"nodes_decayed", result.NodesDecayed,
		"associations_pruned", result.AssocsPruned,
		"nodes_evicted", result.NodesEvicted,
		"memories_evicted", result.MemoriesEvicted)
	return result, nil
}

func (m *Manager) isDue() (bool, error) {
	last, err := m.LastSweep()
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	interval := time.Duration(m.cfg.IntervalHours) * time.Hour
	return time.Since(last) >= interval, nil
}

// LastSweep returns when the previous sweep finished, or the zero time when
// none has run yet.
func (m *Manager) LastSweep() (time.Time, error) {
	raw, err := m.db.GetState(lastSweepKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last sweep time: %w", err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sweep time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (m *Manager) sweepConversation(ctx context.Context, conversationID string, result *SweepResult) error {
	n, err := m.graph.ScaleActivations(ctx, conversationID, m.jitter(m.cfg.NodeRate))
	if err != nil {
		return fmt.Errorf("decay activations: %w", err)
	}
	result.NodesDecayed += n

	n, err = m.graph.ScaleStrengths(ctx, conversationID, m.jitter(m.cfg.NodeRate))
	if err != nil {
		return fmt.Errorf("decay strengths: %w", err)
	}
	result.AssocsDecayed += n

	n, err = m.graph.PruneWeakAssociations(ctx, conversationID, m.cfg.AssociationFloor)
	if err != nil {
		return fmt.Errorf("prune associations: %w", err)
	}
	result.AssocsPruned += n

	n, err = m.graph.ScaleMemoryWeights(ctx, conversationID, m.jitter(m.cfg.MemoryRate))
	if err != nil {
		return fmt.Errorf("decay memories: %w", err)
	}
	result.MemoriesDecayed += n

	n, err = m.deleteOrphanMemories(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("delete orphan memories: %w", err)
	}
	result.MemoriesEvicted += n

	evictedNodes, evictedMems, err := m.CleanupOverflow(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("cleanup overflow: %w", err)
	}
	result.NodesEvicted += evictedNodes
	result.MemoriesEvicted += evictedMems
	return nil
}

// deleteOrphanMemories removes non-permanent memories whose linked nodes
// have all been forgotten.
func (m *Manager) deleteOrphanMemories(ctx context.Context, conversationID string) (int64, error) {
	mems, err := m.graph.ListMemories(ctx, graph.ListOptions{ConversationID: conversationID})
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, mem := range mems {
		if mem.IsPermanent || len(mem.NodeIDs) > 0 {
			continue
		}
		ok, err := m.graph.DeleteMemory(ctx, mem.ID)
		if err != nil {
			m.logger.Warn("delete orphan memory failed", "memory_id", mem.ID, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// CleanupOverflow evicts the weakest non-permanent nodes and memories when a
// conversation exceeds its caps. The caps bound non-permanent rows only:
// permanent rows neither count toward the cap nor qualify for eviction, so
// pinning never shrinks the budget for the rest of the graph.
func (m *Manager) CleanupOverflow(ctx context.Context, conversationID string) (int64, int64, error) {
	counts, err := m.graph.Counts(ctx, conversationID)
	if err != nil {
		return 0, 0, fmt.Errorf("graph counts: %w", err)
	}

	var evictedNodes, evictedMems int64

	if over := int(counts.Nodes-counts.PermanentNodes) - m.cfg.NodeCap; over > 0 {
		ids, err := m.graph.WeakestNodes(ctx, conversationID, over)
		if err != nil {
			return evictedNodes, evictedMems, fmt.Errorf("find weakest nodes: %w", err)
		}
		for _, id := range ids {
			deleted, err := m.graph.DeleteNode(ctx, id)
			if err != nil {
				m.logger.Warn("evict node failed", "node_id", id, "error", err)
				continue
			}
			if deleted {
				evictedNodes++
			}
		}
	}

	if over := int(counts.Memories-counts.PermanentMemories) - m.cfg.MemoryCap; over > 0 {
		ids, err := m.graph.WeakestMemories(ctx, conversationID, over)
		if err != nil {
			return evictedNodes, evictedMems, fmt.Errorf("find weakest memories: %w", err)
		}
		for _, id := range ids {
			deleted, err := m.graph.DeleteMemory(ctx, id)
			if err != nil {
				m.logger.Warn("evict memory failed", "memory_id", id, "error", err)
				continue
			}
			if deleted {
				evictedMems++
			}
		}
	}

	return evictedNodes, evictedMems, nil
}
