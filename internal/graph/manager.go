package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hikarukin/engram/internal/models"
)

// accessBoost is added to a memory's weight each time recall surfaces it.
const accessBoost = 0.1

// Manager layers topic persistence and recall on top of a Store backend.
type Manager struct {
	store  Store
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Store exposes the underlying backend for callers that need primitives.
func (m *Manager) Store() Store {
	return m.store
}

// PersistCompletedTopic records a completed topic in the graph: every concept
// is upserted (reinforcing re-mentions), concepts of the topic are associated
// pairwise, recently-touched nodes from other topics gain weaker cross-topic
// associations, and a topic memory linked to the concepts is inserted.
// Returns the stored memory.
func (m *Manager) PersistCompletedTopic(ctx context.Context, conversationID string, topic *models.CompletedTopic) (*models.TopicMemory, error) {
	concepts := topic.Concepts
	if len(concepts) == 0 && topic.Title != "" {
		// A topic with no extracted concepts still anchors on its title.
		concepts = []string{topic.Title}
	}

	// Cross-topic candidates are nodes touched shortly before this pass,
	// captured before the upserts refresh access times.
	since := time.Now().Add(-CrossTopicWindow)
	recent, err := m.store.NodesTouchedSince(ctx, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("find recent nodes: %w", err)
	}

	nodeIDs := make([]string, 0, len(concepts))
	seen := make(map[string]bool, len(concepts))
	for _, name := range concepts {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		node, err := m.store.UpsertNode(ctx, conversationID, name)
		if err != nil {
			return nil, fmt.Errorf("upsert concept %q: %w", name, err)
		}
		if !seen[node.ID] {
			nodeIDs = append(nodeIDs, node.ID)
			seen[node.ID] = true
		}
	}

	for i := 0; i < len(nodeIDs); i++ {
		for j := i + 1; j < len(nodeIDs); j++ {
			if err := m.store.ReinforceAssociation(ctx, nodeIDs[i], nodeIDs[j], SameTopicDelta); err != nil {
				return nil, fmt.Errorf("associate topic concepts: %w", err)
			}
		}
	}

	for _, recentID := range recent {
		if seen[recentID] {
			continue
		}
		for _, id := range nodeIDs {
			if err := m.store.ReinforceAssociation(ctx, id, recentID, CrossTopicDelta); err != nil {
				m.logger.Warn("cross-topic association failed",
					"node", id, "recent", recentID, "error", err)
			}
		}
	}

	mem := &models.TopicMemory{
		ConversationID: conversationID,
		Title:          topic.Title,
		Summary:        topic.Summary,
		StartTime:      topic.StartTime,
		EndTime:        topic.EndTime,
		NodeIDs:        nodeIDs,
	}
	if err := m.store.InsertMemory(ctx, mem); err != nil {
		return nil, fmt.Errorf("store topic memory: %w", err)
	}

	m.logger.Debug("topic persisted",
		"conversation_id", conversationID,
		"title", topic.Title,
		"concepts", len(nodeIDs))
	return mem, nil
}

// SearchMemories returns memories whose title, summary, or linked concept
// names contain the query (case-insensitive). Each hit's weight is boosted
// as an access.
func (m *Manager) SearchMemories(ctx context.Context, conversationID, query string, limit int) ([]*models.TopicMemory, error) {
	all, err := m.store.ListMemories(ctx, ListOptions{ConversationID: conversationID, Limit: 0})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var hits []*models.TopicMemory
	for _, mem := range all {
		if needle != "" && !m.memoryMatches(ctx, mem, needle) {
			continue
		}
		hits = append(hits, mem)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}

	for _, mem := range hits {
		if err := m.store.TouchMemory(ctx, mem.ID, accessBoost); err != nil {
			m.logger.Warn("memory access boost failed", "memory_id", mem.ID, "error", err)
			continue
		}
		mem.Weight += accessBoost
	}
	return hits, nil
}

// memoryMatches checks title and summary first and falls back to the names
// of the memory's linked concept nodes.
func (m *Manager) memoryMatches(ctx context.Context, mem *models.TopicMemory, needle string) bool {
	if strings.Contains(strings.ToLower(mem.Title), needle) ||
		strings.Contains(strings.ToLower(mem.Summary), needle) {
		return true
	}
	for _, nodeID := range mem.NodeIDs {
		node, err := m.store.GetNode(ctx, nodeID)
		if err != nil {
			m.logger.Warn("node lookup during recall failed", "node_id", nodeID, "error", err)
			continue
		}
		if node != nil && strings.Contains(strings.ToLower(node.Name), needle) {
			return true
		}
	}
	return false
}

// PinPermanentMemory marks a memory and all of its linked concept nodes as
// permanent so decay and overflow cleanup never remove them.
func (m *Manager) PinPermanentMemory(ctx context.Context, conversationID, memoryID string) error {
	mems, err := m.store.ListMemories(ctx, ListOptions{ConversationID: conversationID, Limit: 0})
	if err != nil {
		return fmt.Errorf("pin memory: %w", err)
	}
	var target *models.TopicMemory
	for _, mem := range mems {
		if mem.ID == memoryID {
			target = mem
			break
		}
	}
	if target == nil {
		return fmt.Errorf("pin memory: memory %s not found in conversation %s", memoryID, conversationID)
	}

	if err := m.store.SetMemoryPermanent(ctx, memoryID, true); err != nil {
		return fmt.Errorf("pin memory: %w", err)
	}
	for _, nodeID := range target.NodeIDs {
		if err := m.store.SetNodePermanent(ctx, nodeID, true); err != nil {
			m.logger.Warn("pin node failed", "node_id", nodeID, "error", err)
		}
	}
	return nil
}
