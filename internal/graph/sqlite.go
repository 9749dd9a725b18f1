package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hikarukin/engram/internal/models"
	"github.com/hikarukin/engram/internal/store"
)

// SQLiteStore implements Store on the shared SQLite database.
type SQLiteStore struct {
	db *store.DB
}

func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// canonicalPair orders two node IDs so undirected associations land on a
// single row regardless of argument order.
func canonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, conversationID, name string) (*models.ConceptNode, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concept_nodes (id, conversation_id, name, activation, is_permanent, created_at, last_accessed_at)
		VALUES (?, ?, ?, 1.0, 0, ?, ?)
		ON CONFLICT(conversation_id, name) DO UPDATE SET
			activation = activation + ?,
			last_accessed_at = ?
	`, uuid.New().String(), conversationID, name, now, now, ReinforceActivation, now)
	if err != nil {
		return nil, fmt.Errorf("upsert node %q: %w", name, err)
	}

	node := &models.ConceptNode{}
	var created, accessed int64
	var permanent int
	err = s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, name, activation, is_permanent, created_at, last_accessed_at
		FROM concept_nodes WHERE conversation_id = ? AND name = ?
	`, conversationID, name).Scan(&node.ID, &node.ConversationID, &node.Name,
		&node.Activation, &permanent, &created, &accessed)
	if err != nil {
		return nil, fmt.Errorf("read node %q: %w", name, err)
	}
	node.IsPermanent = permanent == 1
	node.CreatedAt = time.UnixMilli(created)
	node.LastAccessedAt = time.UnixMilli(accessed)
	return node, nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*models.ConceptNode, error) {
	node := &models.ConceptNode{}
	var created, accessed int64
	var permanent int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, name, activation, is_permanent, created_at, last_accessed_at
		FROM concept_nodes WHERE id = ?
	`, id).Scan(&node.ID, &node.ConversationID, &node.Name,
		&node.Activation, &permanent, &created, &accessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	node.IsPermanent = permanent == 1
	node.CreatedAt = time.UnixMilli(created)
	node.LastAccessedAt = time.UnixMilli(accessed)
	return node, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context, opts ListOptions) ([]*models.ConceptNode, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	column := "activation"
	if opts.OrderBy == "created" {
		column = "created_at"
	}
	dir := "DESC"
	if opts.Ascending {
		dir = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, name, activation, is_permanent, created_at, last_accessed_at
		FROM concept_nodes WHERE conversation_id = ?
		ORDER BY `+column+` `+dir+` LIMIT ?
	`, opts.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.ConceptNode
	for rows.Next() {
		node := &models.ConceptNode{}
		var created, accessed int64
		var permanent int
		err := rows.Scan(&node.ID, &node.ConversationID, &node.Name,
			&node.Activation, &permanent, &created, &accessed)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node.IsPermanent = permanent == 1
		node.CreatedAt = time.UnixMilli(created)
		node.LastAccessedAt = time.UnixMilli(accessed)
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) NodesTouchedSince(ctx context.Context, conversationID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM concept_nodes
		WHERE conversation_id = ? AND last_accessed_at >= ?
	`, conversationID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query touched nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ReinforceAssociation(ctx context.Context, nodeA, nodeB string, delta float64) error {
	if nodeA == nodeB {
		return nil
	}
	src, dst := canonicalPair(nodeA, nodeB)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO associations (source_id, target_id, strength, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET
			strength = MIN(?, strength + ?),
			updated_at = ?
	`, src, dst, 1.0+delta, now, now, MaxStrength, delta, now)
	if err != nil {
		return fmt.Errorf("reinforce association: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAssociation(ctx context.Context, nodeA, nodeB string) (*models.Association, error) {
	src, dst := canonicalPair(nodeA, nodeB)
	assoc := &models.Association{}
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, target_id, strength, created_at, updated_at
		FROM associations WHERE source_id = ? AND target_id = ?
	`, src, dst).Scan(&assoc.SourceID, &assoc.TargetID, &assoc.Strength, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get association: %w", err)
	}
	assoc.CreatedAt = time.UnixMilli(created)
	assoc.UpdatedAt = time.UnixMilli(updated)
	return assoc, nil
}

// ScaleActivations walks the conversation's non-permanent nodes and applies
// a fresh jitter factor to each with a single-statement update, so a
// concurrent reinforcement between read and write still lands.
func (s *SQLiteStore) ScaleActivations(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM concept_nodes WHERE conversation_id = ? AND is_permanent = 0
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("query nodes for decay: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}

	var touched int64
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE concept_nodes SET activation = activation * ? WHERE id = ? AND is_permanent = 0`,
			jitter(), id)
		if err != nil {
			return touched, fmt.Errorf("decay node %s: %w", id, err)
		}
		touched++
	}
	return touched, nil
}

func (s *SQLiteStore) ScaleStrengths(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.source_id, a.target_id FROM associations a
		JOIN concept_nodes n ON n.id = a.source_id
		WHERE n.conversation_id = ?
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("query associations for decay: %w", err)
	}
	defer rows.Close()

	type pair struct{ src, dst string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.src, &p.dst); err != nil {
			return 0, fmt.Errorf("scan association pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var touched int64
	for _, p := range pairs {
		_, err := s.db.ExecContext(ctx,
			`UPDATE associations SET strength = strength * ? WHERE source_id = ? AND target_id = ?`,
			jitter(), p.src, p.dst)
		if err != nil {
			return touched, fmt.Errorf("decay association: %w", err)
		}
		touched++
	}
	return touched, nil
}

func (s *SQLiteStore) PruneWeakAssociations(ctx context.Context, conversationID string, floor float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM associations WHERE strength < ? AND source_id IN (
			SELECT id FROM concept_nodes WHERE conversation_id = ?
		)
	`, floor, conversationID)
	if err != nil {
		return 0, fmt.Errorf("prune weak associations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM concept_nodes WHERE id = ? AND is_permanent = 0`, id)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	// Associations and memory links cascade via foreign keys; memories left
	// with no linked concepts are cleaned up as orphans.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM topic_memories WHERE is_permanent = 0
		AND id NOT IN (SELECT DISTINCT memory_id FROM memory_nodes)
	`)
	if err != nil {
		return true, fmt.Errorf("delete orphan memories: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) SetNodePermanent(ctx context.Context, id string, permanent bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE concept_nodes SET is_permanent = ? WHERE id = ?`, boolToInt(permanent), id)
	if err != nil {
		return fmt.Errorf("set node permanent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set node permanent: node %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) InsertMemory(ctx context.Context, mem *models.TopicMemory) error {
	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	now := time.Now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.LastAccessedAt.IsZero() {
		mem.LastAccessedAt = now
	}
	if mem.Weight == 0 {
		mem.Weight = 1.0
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_memories (id, conversation_id, title, summary, start_time, end_time, weight, created_at, last_accessed_at, is_permanent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mem.ID, mem.ConversationID, mem.Title, mem.Summary, mem.StartTime, mem.EndTime,
		mem.Weight, mem.CreatedAt.UnixMilli(), mem.LastAccessedAt.UnixMilli(), boolToInt(mem.IsPermanent))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	for _, nodeID := range mem.NodeIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_nodes (memory_id, node_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(memory_id, node_id) DO NOTHING
		`, mem.ID, nodeID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("link memory node: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, opts ListOptions) ([]*models.TopicMemory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, title, summary, start_time, end_time, weight, created_at, last_accessed_at, is_permanent
		FROM topic_memories WHERE conversation_id = ?
		ORDER BY weight DESC LIMIT ?
	`, opts.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var mems []*models.TopicMemory
	for rows.Next() {
		mem := &models.TopicMemory{}
		var created, accessed int64
		var permanent int
		err := rows.Scan(&mem.ID, &mem.ConversationID, &mem.Title, &mem.Summary,
			&mem.StartTime, &mem.EndTime, &mem.Weight, &created, &accessed, &permanent)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		mem.CreatedAt = time.UnixMilli(created)
		mem.LastAccessedAt = time.UnixMilli(accessed)
		mem.IsPermanent = permanent == 1
		mems = append(mems, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, mem := range mems {
		nodeIDs, err := s.memoryNodeIDs(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		mem.NodeIDs = nodeIDs
	}
	return mems, nil
}

func (s *SQLiteStore) memoryNodeIDs(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id FROM memory_nodes WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query memory nodes: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) TouchMemory(ctx context.Context, id string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topic_memories SET weight = weight + ?, last_accessed_at = ? WHERE id = ?
	`, delta, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ScaleMemoryWeights(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM topic_memories WHERE conversation_id = ? AND is_permanent = 0
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("query memories for decay: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}

	var touched int64
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE topic_memories SET weight = weight * ? WHERE id = ? AND is_permanent = 0`,
			jitter(), id)
		if err != nil {
			return touched, fmt.Errorf("decay memory %s: %w", id, err)
		}
		touched++
	}
	return touched, nil
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM topic_memories WHERE id = ? AND is_permanent = 0`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetMemoryPermanent(ctx context.Context, id string, permanent bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE topic_memories SET is_permanent = ? WHERE id = ?`, boolToInt(permanent), id)
	if err != nil {
		return fmt.Errorf("set memory permanent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set memory permanent: memory %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) WeakestNodes(ctx context.Context, conversationID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM concept_nodes
		WHERE conversation_id = ? AND is_permanent = 0
		ORDER BY activation ASC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query weakest nodes: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) WeakestMemories(ctx context.Context, conversationID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM topic_memories
		WHERE conversation_id = ? AND is_permanent = 0
		ORDER BY weight ASC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query weakest memories: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) Counts(ctx context.Context, conversationID string) (*models.GraphCounts, error) {
	counts := &models.GraphCounts{}
	nodeWhere, memWhere := "", ""
	args := []any{}
	if conversationID != "" {
		nodeWhere = " WHERE conversation_id = ?"
		memWhere = nodeWhere
		args = append(args, conversationID)
	}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM concept_nodes`+nodeWhere, args...).Scan(&counts.Nodes)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	permQuery := `SELECT COUNT(*) FROM concept_nodes WHERE is_permanent = 1`
	permArgs := []any{}
	if conversationID != "" {
		permQuery += ` AND conversation_id = ?`
		permArgs = append(permArgs, conversationID)
	}
	err = s.db.QueryRowContext(ctx, permQuery, permArgs...).Scan(&counts.PermanentNodes)
	if err != nil {
		return nil, fmt.Errorf("count permanent nodes: %w", err)
	}
	assocQuery := `SELECT COUNT(*) FROM associations`
	assocArgs := []any{}
	if conversationID != "" {
		assocQuery += ` WHERE source_id IN (SELECT id FROM concept_nodes WHERE conversation_id = ?)`
		assocArgs = append(assocArgs, conversationID)
	}
	err = s.db.QueryRowContext(ctx, assocQuery, assocArgs...).Scan(&counts.Associations)
	if err != nil {
		return nil, fmt.Errorf("count associations: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topic_memories`+memWhere, args...).Scan(&counts.Memories)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	permMemQuery := `SELECT COUNT(*) FROM topic_memories WHERE is_permanent = 1`
	permMemArgs := []any{}
	if conversationID != "" {
		permMemQuery += ` AND conversation_id = ?`
		permMemArgs = append(permMemArgs, conversationID)
	}
	err = s.db.QueryRowContext(ctx, permMemQuery, permMemArgs...).Scan(&counts.PermanentMemories)
	if err != nil {
		return nil, fmt.Errorf("count permanent memories: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	// The shared DB handle is owned by the caller.
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
