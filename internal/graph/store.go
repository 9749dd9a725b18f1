// Package graph implements the concept graph: activation-weighted nodes,
// strength-weighted associations, and topic memories linked to the nodes
// they mention. Two backends are provided, SQLite and Neo4j.
package graph

import (
	"context"
	"time"

	"github.com/hikarukin/engram/internal/models"
)

// Strength and activation tuning shared by both backends.
const (
	// MaxStrength caps association strength.
	MaxStrength = 5.0
	// ReinforceActivation is added to a node's activation on re-mention.
	ReinforceActivation = 0.3
	// SameTopicDelta reinforces associations between concepts of one topic.
	SameTopicDelta = 0.3
	// CrossTopicDelta reinforces associations between concepts of different
	// topics processed close in time.
	CrossTopicDelta = 0.2
	// CrossTopicWindow bounds how recently a node must have been touched to
	// participate in cross-topic association.
	CrossTopicWindow = 300 * time.Second
)

// ListOptions filters node and memory listings. OrderBy is "activation"
// (default) or "created"; listings are descending unless Ascending is set.
type ListOptions struct {
	ConversationID string
	Limit          int
	OrderBy        string
	Ascending      bool
}

// Store is the backend-neutral persistence surface for the concept graph.
// Implementations must make each mutation atomic so concurrent reinforcement
// and decay never lose updates.
type Store interface {
	// UpsertNode creates the node with activation 1.0 or, when a node of the
	// same name already exists in the conversation, bumps its activation by
	// ReinforceActivation and refreshes last_accessed_at. Returns the node.
	UpsertNode(ctx context.Context, conversationID, name string) (*models.ConceptNode, error)

	// GetNode returns a node by ID, or nil when absent.
	GetNode(ctx context.Context, id string) (*models.ConceptNode, error)

	// ListNodes returns nodes for a conversation ordered per opts; the
	// default is strongest activation first.
	ListNodes(ctx context.Context, opts ListOptions) ([]*models.ConceptNode, error)

	// NodesTouchedSince returns IDs of nodes in the conversation whose
	// last_accessed_at is at or after the given time.
	NodesTouchedSince(ctx context.Context, conversationID string, since time.Time) ([]string, error)

	// ReinforceAssociation creates the association at 1.0+delta or adds delta
	// to an existing one, capped at MaxStrength. Associations are undirected;
	// the pair is stored under a canonical key.
	ReinforceAssociation(ctx context.Context, nodeA, nodeB string, delta float64) error

	// GetAssociation returns the association between two nodes in either
	// order, or nil when absent.
	GetAssociation(ctx context.Context, nodeA, nodeB string) (*models.Association, error)

	// ScaleActivations multiplies every non-permanent node's activation in
	// the conversation by the per-row factor produced by jitter. Returns the
	// number of rows touched.
	ScaleActivations(ctx context.Context, conversationID string, jitter func() float64) (int64, error)

	// ScaleStrengths applies the same per-row scaling to association
	// strengths within the conversation.
	ScaleStrengths(ctx context.Context, conversationID string, jitter func() float64) (int64, error)

	// PruneWeakAssociations deletes associations below the floor. Returns
	// how many were removed.
	PruneWeakAssociations(ctx context.Context, conversationID string, floor float64) (int64, error)

	// DeleteNode removes a node and its associations and memory links.
	// Permanent nodes are refused: returns (false, nil) without deleting.
	DeleteNode(ctx context.Context, id string) (bool, error)

	// SetNodePermanent marks or unmarks a node as exempt from decay and
	// deletion.
	SetNodePermanent(ctx context.Context, id string, permanent bool) error

	// InsertMemory stores a topic memory and links it to the given nodes.
	InsertMemory(ctx context.Context, mem *models.TopicMemory) error

	// ListMemories returns memories for a conversation, heaviest first.
	ListMemories(ctx context.Context, opts ListOptions) ([]*models.TopicMemory, error)

	// TouchMemory bumps a memory's weight by delta and refreshes its
	// last_accessed_at.
	TouchMemory(ctx context.Context, id string, delta float64) error

	// ScaleMemoryWeights applies per-row decay scaling to non-permanent
	// memory weights within the conversation.
	ScaleMemoryWeights(ctx context.Context, conversationID string, jitter func() float64) (int64, error)

	// DeleteMemory removes a memory and its node links. Permanent memories
	// are refused: returns (false, nil).
	DeleteMemory(ctx context.Context, id string) (bool, error)

	// SetMemoryPermanent marks or unmarks a memory as exempt from decay and
	// deletion.
	SetMemoryPermanent(ctx context.Context, id string, permanent bool) error

	// WeakestNodes returns up to limit non-permanent node IDs in the
	// conversation, weakest activation first.
	WeakestNodes(ctx context.Context, conversationID string, limit int) ([]string, error)

	// WeakestMemories returns up to limit non-permanent memory IDs in the
	// conversation, lightest weight first.
	WeakestMemories(ctx context.Context, conversationID string, limit int) ([]string, error)

	// Counts returns node, permanent node, association, and memory totals
	// for a conversation ("" for global).
	Counts(ctx context.Context, conversationID string) (*models.GraphCounts, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
