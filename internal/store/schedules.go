package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hikarukin/engram/internal/models"
)

// ScheduleStore tracks per-conversation processing deadlines.
type ScheduleStore struct {
	db *DB
}

func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Get returns the schedule for a conversation, or nil when none exists.
func (s *ScheduleStore) Get(conversationID string) (*models.Schedule, error) {
	var (
		sched models.Schedule
		next  int64
	)
	err := s.db.QueryRow(`
		SELECT conversation_id, next_process_time, persona_path
		FROM conversation_schedules WHERE conversation_id = ?
	`, conversationID).Scan(&sched.ConversationID, &next, &sched.PersonaPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	sched.NextProcessTime = time.UnixMilli(next)
	return &sched, nil
}

// Upsert writes the conversation's next processing time and persona path.
func (s *ScheduleStore) Upsert(sched *models.Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_schedules (conversation_id, next_process_time, persona_path)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET next_process_time = ?, persona_path = ?
	`, sched.ConversationID, sched.NextProcessTime.UnixMilli(), sched.PersonaPath,
		sched.NextProcessTime.UnixMilli(), sched.PersonaPath)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// Due lists conversations whose next processing time has passed.
func (s *ScheduleStore) Due(now time.Time) ([]*models.Schedule, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, next_process_time, persona_path
		FROM conversation_schedules WHERE next_process_time <= ?
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*models.Schedule
	for rows.Next() {
		var (
			sched models.Schedule
			next  int64
		)
		if err := rows.Scan(&sched.ConversationID, &next, &sched.PersonaPath); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.NextProcessTime = time.UnixMilli(next)
		scheds = append(scheds, &sched)
	}
	return scheds, rows.Err()
}
