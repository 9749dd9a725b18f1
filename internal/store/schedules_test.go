package store

import (
	"testing"
	"time"

	"github.com/hikarukin/engram/internal/models"
)

func TestScheduleUpsertAndGet(t *testing.T) {
	s := NewScheduleStore(openTestDB(t))

	got, err := s.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown conversation")
	}

	next := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond)
	err = s.Upsert(&models.Schedule{
		ConversationID:  "c1",
		NextProcessTime: next,
		PersonaPath:     "data/persona/mio.txt",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = s.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || !got.NextProcessTime.Equal(next) {
		t.Fatalf("schedule = %+v, want next %v", got, next)
	}
	if got.PersonaPath != "data/persona/mio.txt" {
		t.Errorf("persona path = %q", got.PersonaPath)
	}

	// Second upsert replaces.
	later := next.Add(time.Hour)
	err = s.Upsert(&models.Schedule{ConversationID: "c1", NextProcessTime: later})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.Get("c1")
	if !got.NextProcessTime.Equal(later) {
		t.Errorf("next = %v, want %v", got.NextProcessTime, later)
	}
}

func TestScheduleDue(t *testing.T) {
	s := NewScheduleStore(openTestDB(t))
	now := time.Now()

	s.Upsert(&models.Schedule{ConversationID: "past", NextProcessTime: now.Add(-time.Minute)})
	s.Upsert(&models.Schedule{ConversationID: "future", NextProcessTime: now.Add(time.Hour)})

	due, err := s.Due(now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ConversationID != "past" {
		t.Fatalf("due = %+v, want only past", due)
	}
}
