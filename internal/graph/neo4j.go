package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/hikarukin/engram/internal/models"
)

// Neo4jStore implements Store against a Neo4j (or bolt-compatible) server.
// Concepts are (:Concept) nodes, associations are undirected in meaning but
// stored as a single [:ASSOCIATED] relationship, and topic memories are
// (:Memory) nodes linked to their concepts with [:MENTIONS].
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jStore(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4jStore{driver: driver}, nil
}

func (s *Neo4jStore) write(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	// Consume inside the session so results are materialized before close.
	_, err = result.Consume(ctx)
	return result, err
}

func (s *Neo4jStore) UpsertNode(ctx context.Context, conversationID, name string) (*models.ConceptNode, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	now := time.Now().UnixMilli()
	record, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (c:Concept {conversationId: $conv, name: $name})
			ON CREATE SET c.id = $id, c.activation = 1.0, c.isPermanent = false,
				c.createdAt = $now, c.lastAccessedAt = $now
			ON MATCH SET c.activation = c.activation + $bump, c.lastAccessedAt = $now
			RETURN c.id, c.activation, c.isPermanent, c.createdAt, c.lastAccessedAt
		`, map[string]any{
			"conv": conversationID, "name": name, "id": uuid.New().String(),
			"now": now, "bump": ReinforceActivation,
		})
		if err != nil {
			return nil, err
		}
		return result.Single(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert node %q: %w", name, err)
	}

	rec := record.(*neo4j.Record)
	node := &models.ConceptNode{
		ID:             rec.Values[0].(string),
		ConversationID: conversationID,
		Name:           name,
		Activation:     rec.Values[1].(float64),
		IsPermanent:    rec.Values[2].(bool),
		CreatedAt:      time.UnixMilli(rec.Values[3].(int64)),
		LastAccessedAt: time.UnixMilli(rec.Values[4].(int64)),
	}
	return node, nil
}

func (s *Neo4jStore) GetNode(ctx context.Context, id string) (*models.ConceptNode, error) {
	records, err := s.read(ctx, `
		MATCH (c:Concept {id: $id})
		RETURN c.id, c.conversationId, c.name, c.activation, c.isPermanent, c.createdAt, c.lastAccessedAt
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return recordToNode(records[0]), nil
}

func (s *Neo4jStore) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func recordToNode(rec *neo4j.Record) *models.ConceptNode {
	return &models.ConceptNode{
		ID:             rec.Values[0].(string),
		ConversationID: rec.Values[1].(string),
		Name:           rec.Values[2].(string),
		Activation:     rec.Values[3].(float64),
		IsPermanent:    rec.Values[4].(bool),
		CreatedAt:      time.UnixMilli(rec.Values[5].(int64)),
		LastAccessedAt: time.UnixMilli(rec.Values[6].(int64)),
	}
}

func (s *Neo4jStore) ListNodes(ctx context.Context, opts ListOptions) ([]*models.ConceptNode, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	column := "c.activation"
	if opts.OrderBy == "created" {
		column = "c.createdAt"
	}
	dir := "DESC"
	if opts.Ascending {
		dir = "ASC"
	}
	records, err := s.read(ctx, fmt.Sprintf(`
		MATCH (c:Concept {conversationId: $conv})
		RETURN c.id, c.conversationId, c.name, c.activation, c.isPermanent, c.createdAt, c.lastAccessedAt
		ORDER BY %s %s LIMIT $limit
	`, column, dir), map[string]any{"conv": opts.ConversationID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]*models.ConceptNode, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, recordToNode(rec))
	}
	return nodes, nil
}

func (s *Neo4jStore) NodesTouchedSince(ctx context.Context, conversationID string, since time.Time) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (c:Concept {conversationId: $conv})
		WHERE c.lastAccessedAt >= $since
		RETURN c.id
	`, map[string]any{"conv": conversationID, "since": since.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("query touched nodes: %w", err)
	}
	return recordsToIDs(records), nil
}

func recordsToIDs(records []*neo4j.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Values[0].(string))
	}
	return ids
}

func (s *Neo4jStore) ReinforceAssociation(ctx context.Context, nodeA, nodeB string, delta float64) error {
	if nodeA == nodeB {
		return nil
	}
	src, dst := canonicalPair(nodeA, nodeB)
	now := time.Now().UnixMilli()
	_, err := s.write(ctx, `
		MATCH (a:Concept {id: $src}), (b:Concept {id: $dst})
		MERGE (a)-[r:ASSOCIATED]->(b)
		ON CREATE SET r.strength = 1.0 + $delta, r.createdAt = $now, r.updatedAt = $now
		ON MATCH SET r.strength = CASE WHEN r.strength + $delta > $max THEN $max ELSE r.strength + $delta END,
			r.updatedAt = $now
	`, map[string]any{"src": src, "dst": dst, "delta": delta, "now": now, "max": MaxStrength})
	if err != nil {
		return fmt.Errorf("reinforce association: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetAssociation(ctx context.Context, nodeA, nodeB string) (*models.Association, error) {
	src, dst := canonicalPair(nodeA, nodeB)
	records, err := s.read(ctx, `
		MATCH (a:Concept {id: $src})-[r:ASSOCIATED]->(b:Concept {id: $dst})
		RETURN r.strength, r.createdAt, r.updatedAt
	`, map[string]any{"src": src, "dst": dst})
	if err != nil {
		return nil, fmt.Errorf("get association: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	rec := records[0]
	return &models.Association{
		SourceID:  src,
		TargetID:  dst,
		Strength:  rec.Values[0].(float64),
		CreatedAt: time.UnixMilli(rec.Values[1].(int64)),
		UpdatedAt: time.UnixMilli(rec.Values[2].(int64)),
	}, nil
}

func (s *Neo4jStore) ScaleActivations(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	ids, err := s.nonPermanentNodeIDs(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	var touched int64
	for _, id := range ids {
		_, err := s.write(ctx, `
			MATCH (c:Concept {id: $id})
			WHERE c.isPermanent = false
			SET c.activation = c.activation * $factor
		`, map[string]any{"id": id, "factor": jitter()})
		if err != nil {
			return touched, fmt.Errorf("decay node %s: %w", id, err)
		}
		touched++
	}
	return touched, nil
}

func (s *Neo4jStore) nonPermanentNodeIDs(ctx context.Context, conversationID string) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (c:Concept {conversationId: $conv})
		WHERE c.isPermanent = false
		RETURN c.id
	`, map[string]any{"conv": conversationID})
	if err != nil {
		return nil, fmt.Errorf("query nodes for decay: %w", err)
	}
	return recordsToIDs(records), nil
}

func (s *Neo4jStore) ScaleStrengths(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	records, err := s.read(ctx, `
		MATCH (a:Concept {conversationId: $conv})-[r:ASSOCIATED]->(b:Concept)
		RETURN a.id, b.id
	`, map[string]any{"conv": conversationID})
	if err != nil {
		return 0, fmt.Errorf("query associations for decay: %w", err)
	}

	var touched int64
	for _, rec := range records {
		_, err := s.write(ctx, `
			MATCH (a:Concept {id: $src})-[r:ASSOCIATED]->(b:Concept {id: $dst})
			SET r.strength = r.strength * $factor
		`, map[string]any{"src": rec.Values[0], "dst": rec.Values[1], "factor": jitter()})
		if err != nil {
			return touched, fmt.Errorf("decay association: %w", err)
		}
		touched++
	}
	return touched, nil
}

func (s *Neo4jStore) PruneWeakAssociations(ctx context.Context, conversationID string, floor float64) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Concept {conversationId: $conv})-[r:ASSOCIATED]->()
		WHERE r.strength < $floor
		DELETE r
	`, map[string]any{"conv": conversationID, "floor": floor})
	if err != nil {
		return 0, fmt.Errorf("prune weak associations: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune weak associations: %w", err)
	}
	return int64(summary.Counters().RelationshipsDeleted()), nil
}

func (s *Neo4jStore) DeleteNode(ctx context.Context, id string) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Concept {id: $id})
		WHERE c.isPermanent = false
		DETACH DELETE c
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	if summary.Counters().NodesDeleted() == 0 {
		return false, nil
	}

	orphans, err := session.Run(ctx, `
		MATCH (m:Memory)
		WHERE m.isPermanent = false AND NOT (m)-[:MENTIONS]->()
		DELETE m
	`, nil)
	if err != nil {
		return true, fmt.Errorf("delete orphan memories: %w", err)
	}
	if _, err := orphans.Consume(ctx); err != nil {
		return true, fmt.Errorf("delete orphan memories: %w", err)
	}
	return true, nil
}

func (s *Neo4jStore) SetNodePermanent(ctx context.Context, id string, permanent bool) error {
	_, err := s.write(ctx, `
		MATCH (c:Concept {id: $id}) SET c.isPermanent = $perm
	`, map[string]any{"id": id, "perm": permanent})
	if err != nil {
		return fmt.Errorf("set node permanent: %w", err)
	}
	return nil
}

func (s *Neo4jStore) InsertMemory(ctx context.Context, mem *models.TopicMemory) error {
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

	_, err := s.write(ctx, `
		CREATE (m:Memory {id: $id, conversationId: $conv, title: $title, summary: $summary,
			startTime: $start, endTime: $end, weight: $weight,
			createdAt: $created, lastAccessedAt: $accessed, isPermanent: $perm})
		WITH m
		UNWIND $nodeIds AS nid
		MATCH (c:Concept {id: nid})
		MERGE (m)-[:MENTIONS]->(c)
	`, map[string]any{
		"id": mem.ID, "conv": mem.ConversationID, "title": mem.Title, "summary": mem.Summary,
		"start": mem.StartTime, "end": mem.EndTime, "weight": mem.Weight,
		"created": mem.CreatedAt.UnixMilli(), "accessed": mem.LastAccessedAt.UnixMilli(),
		"perm": mem.IsPermanent, "nodeIds": mem.NodeIDs,
	})
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ListMemories(ctx context.Context, opts ListOptions) ([]*models.TopicMemory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	records, err := s.read(ctx, `
		MATCH (m:Memory {conversationId: $conv})
		OPTIONAL MATCH (m)-[:MENTIONS]->(c:Concept)
		RETURN m.id, m.conversationId, m.title, m.summary, m.startTime, m.endTime,
			m.weight, m.createdAt, m.lastAccessedAt, m.isPermanent, collect(c.id)
		ORDER BY m.weight DESC LIMIT $limit
	`, map[string]any{"conv": opts.ConversationID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	mems := make([]*models.TopicMemory, 0, len(records))
	for _, rec := range records {
		mem := &models.TopicMemory{
			ID:             rec.Values[0].(string),
			ConversationID: rec.Values[1].(string),
			Title:          rec.Values[2].(string),
			Summary:        rec.Values[3].(string),
			StartTime:      rec.Values[4].(string),
			EndTime:        rec.Values[5].(string),
			Weight:         rec.Values[6].(float64),
			CreatedAt:      time.UnixMilli(rec.Values[7].(int64)),
			LastAccessedAt: time.UnixMilli(rec.Values[8].(int64)),
			IsPermanent:    rec.Values[9].(bool),
		}
		if raw, ok := rec.Values[10].([]any); ok {
			for _, v := range raw {
				if id, ok := v.(string); ok {
					mem.NodeIDs = append(mem.NodeIDs, id)
				}
			}
		}
		mems = append(mems, mem)
	}
	return mems, nil
}

func (s *Neo4jStore) TouchMemory(ctx context.Context, id string, delta float64) error {
	_, err := s.write(ctx, `
		MATCH (m:Memory {id: $id})
		SET m.weight = m.weight + $delta, m.lastAccessedAt = $now
	`, map[string]any{"id": id, "delta": delta, "now": time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ScaleMemoryWeights(ctx context.Context, conversationID string, jitter func() float64) (int64, error) {
	records, err := s.read(ctx, `
		MATCH (m:Memory {conversationId: $conv})
		WHERE m.isPermanent = false
		RETURN m.id
	`, map[string]any{"conv": conversationID})
	if err != nil {
		return 0, fmt.Errorf("query memories for decay: %w", err)
	}

	var touched int64
	for _, id := range recordsToIDs(records) {
		_, err := s.write(ctx, `
			MATCH (m:Memory {id: $id})
			WHERE m.isPermanent = false
			SET m.weight = m.weight * $factor
		`, map[string]any{"id": id, "factor": jitter()})
		if err != nil {
			return touched, fmt.Errorf("decay memory %s: %w", id, err)
		}
		touched++
	}
	return touched, nil
}

func (s *Neo4jStore) DeleteMemory(ctx context.Context, id string) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Memory {id: $id})
		WHERE m.isPermanent = false
		DETACH DELETE m
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return summary.Counters().NodesDeleted() > 0, nil
}

func (s *Neo4jStore) SetMemoryPermanent(ctx context.Context, id string, permanent bool) error {
	_, err := s.write(ctx, `
		MATCH (m:Memory {id: $id}) SET m.isPermanent = $perm
	`, map[string]any{"id": id, "perm": permanent})
	if err != nil {
		return fmt.Errorf("set memory permanent: %w", err)
	}
	return nil
}

func (s *Neo4jStore) WeakestNodes(ctx context.Context, conversationID string, limit int) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (c:Concept {conversationId: $conv})
		WHERE c.isPermanent = false
		RETURN c.id ORDER BY c.activation ASC LIMIT $limit
	`, map[string]any{"conv": conversationID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("query weakest nodes: %w", err)
	}
	return recordsToIDs(records), nil
}

func (s *Neo4jStore) WeakestMemories(ctx context.Context, conversationID string, limit int) ([]string, error) {
	records, err := s.read(ctx, `
		MATCH (m:Memory {conversationId: $conv})
		WHERE m.isPermanent = false
		RETURN m.id ORDER BY m.weight ASC LIMIT $limit
	`, map[string]any{"conv": conversationID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("query weakest memories: %w", err)
	}
	return recordsToIDs(records), nil
}

func (s *Neo4jStore) Counts(ctx context.Context, conversationID string) (*models.GraphCounts, error) {
	filter := ""
	params := map[string]any{}
	if conversationID != "" {
		filter = " {conversationId: $conv}"
		params["conv"] = conversationID
	}
	records, err := s.read(ctx, fmt.Sprintf(`
		OPTIONAL MATCH (c:Concept%[1]s)
		WITH count(c) AS nodes, count(CASE WHEN c.isPermanent THEN 1 END) AS permanent
		OPTIONAL MATCH (a:Concept%[1]s)-[r:ASSOCIATED]->()
		WITH nodes, permanent, count(r) AS assocs
		OPTIONAL MATCH (m:Memory%[1]s)
		RETURN nodes, permanent, assocs, count(m), count(CASE WHEN m.isPermanent THEN 1 END)
	`, filter), params)
	if err != nil {
		return nil, fmt.Errorf("graph counts: %w", err)
	}
	if len(records) == 0 {
		return &models.GraphCounts{}, nil
	}
	rec := records[0]
	return &models.GraphCounts{
		Nodes:             rec.Values[0].(int64),
		PermanentNodes:    rec.Values[1].(int64),
		Associations:      rec.Values[2].(int64),
		Memories:          rec.Values[3].(int64),
		PermanentMemories: rec.Values[4].(int64),
	}, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
