package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hikarukin/engram/internal/models"
)

// maxContentRunes bounds stored message content. Longer messages keep the
// head and tail with an ellipsis marker in between.
const maxContentRunes = 200

// MessageStore manages the short-term utterance queue.
type MessageStore struct {
	db *DB
}

func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Enqueue appends an utterance to the queue. Content longer than
// maxContentRunes is truncated head and tail before storage. A zero
// CreatedAt is filled with the current time; a blank ID is generated.
func (s *MessageStore) Enqueue(u *models.Utterance) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Content = truncateContent(u.Content)

	meta := "{}"
	if len(u.Metadata) > 0 {
		b, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO utterances (id, conversation_id, user_id, user_name, content, created_at, is_direct, is_from_agent, processed, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, u.ID, u.ConversationID, u.UserID, u.UserName, u.Content,
		u.CreatedAt.UnixMilli(), boolToInt(u.IsDirect), boolToInt(u.IsFromAgent), meta)
	if err != nil {
		return fmt.Errorf("enqueue utterance: %w", err)
	}
	return nil
}

func truncateContent(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentRunes {
		return content
	}
	head := maxContentRunes / 2
	tail := maxContentRunes - head
	return string(runes[:head]) + "..." + string(runes[len(runes)-tail:])
}

// UnprocessedWindow returns up to limit unprocessed utterances for the
// conversation, oldest first.
func (s *MessageStore) UnprocessedWindow(conversationID string, limit int) ([]*models.Utterance, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_id, user_name, content, created_at, is_direct, is_from_agent, processed, metadata
		FROM utterances
		WHERE conversation_id = ? AND processed = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed window: %w", err)
	}
	defer rows.Close()
	return scanUtterances(rows)
}

// RecentWindow returns the most recent limit utterances for the conversation
// regardless of processed state, oldest first.
func (s *MessageStore) RecentWindow(conversationID string, limit int) ([]*models.Utterance, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_id, user_name, content, created_at, is_direct, is_from_agent, processed, metadata
		FROM utterances
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent window: %w", err)
	}
	defer rows.Close()

	utts, err := scanUtterances(rows)
	if err != nil {
		return nil, err
	}
	// Pulled newest-first; reverse to chronological order.
	for i, j := 0, len(utts)-1; i < j; i, j = i+1, j-1 {
		utts[i], utts[j] = utts[j], utts[i]
	}
	return utts, nil
}

// MarkProcessed flags the given utterances as processed and returns how many
// rows actually transitioned. Already-processed rows are left alone, so the
// call is idempotent.
func (s *MessageStore) MarkProcessed(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	for _, id := range ids {
		res, err := s.db.Exec(`UPDATE utterances SET processed = 1 WHERE id = ? AND processed = 0`, id)
		if err != nil {
			return total, fmt.Errorf("mark processed %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// AppendAgentReply records the engine's own reply in the queue so later
// windows include it. Agent replies are stored pre-processed.
func (s *MessageStore) AppendAgentReply(conversationID, agentName, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO utterances (id, conversation_id, user_id, user_name, content, created_at, is_direct, is_from_agent, processed, metadata)
		VALUES (?, ?, 'agent', ?, ?, ?, 0, 1, 1, '{}')
	`, uuid.New().String(), conversationID, agentName, truncateContent(content), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append agent reply: %w", err)
	}
	return nil
}

// HasAgentMessage reports whether any of the given utterances came from the
// agent itself.
func HasAgentMessage(utts []*models.Utterance) bool {
	for _, u := range utts {
		if u.IsFromAgent {
			return true
		}
	}
	return false
}

// PruneHistory trims the conversation's queue: processed utterances older
// than the keepCount-th most recent utterance's timestamp are deleted.
// Unprocessed utterances are kept regardless of age. A no-op when the queue
// is already within bounds.
func (s *MessageStore) PruneHistory(conversationID string, keepCount int) (int64, error) {
	var cutoff sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MIN(created_at) FROM (
			SELECT created_at FROM utterances
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, conversationID, keepCount).Scan(&cutoff)
	if err != nil {
		return 0, fmt.Errorf("find prune cutoff: %w", err)
	}
	if !cutoff.Valid {
		return 0, nil
	}

	var total int64
	err = s.db.QueryRow(`SELECT COUNT(*) FROM utterances WHERE conversation_id = ?`, conversationID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count utterances: %w", err)
	}
	if total <= int64(keepCount) {
		return 0, nil
	}

	res, err := s.db.Exec(`
		DELETE FROM utterances WHERE conversation_id = ? AND created_at < ? AND processed = 1
	`, conversationID, cutoff.Int64)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns total and unprocessed utterance counts across all
// conversations.
func (s *MessageStore) Stats() (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	err := s.db.QueryRow(`SELECT COUNT(*) FROM utterances`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("count utterances: %w", err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM utterances WHERE processed = 0`).Scan(&stats.Unprocessed)
	if err != nil {
		return nil, fmt.Errorf("count unprocessed: %w", err)
	}
	return stats, nil
}

// DistinctConversations lists every conversation ID present in the queue.
func (s *MessageStore) DistinctConversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conversation_id FROM utterances`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUtterances(rows *sql.Rows) ([]*models.Utterance, error) {
	var utts []*models.Utterance
	for rows.Next() {
		var (
			u         models.Utterance
			createdAt int64
			isDirect  int
			fromAgent int
			processed int
			meta      string
		)
		err := rows.Scan(&u.ID, &u.ConversationID, &u.UserID, &u.UserName, &u.Content,
			&createdAt, &isDirect, &fromAgent, &processed, &meta)
		if err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		u.CreatedAt = time.UnixMilli(createdAt)
		u.IsDirect = isDirect == 1
		u.IsFromAgent = fromAgent == 1
		u.Processed = processed == 1
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		utts = append(utts, &u)
	}
	return utts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
