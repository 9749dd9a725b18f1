package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/extraction"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/llm"
	"github.com/hikarukin/engram/internal/models"
	"github.com/hikarukin/engram/internal/store"
)

// scriptedLLM answers segmentation calls with topicsJSON and reply calls
// with replyText.
type scriptedLLM struct {
	topicsJSON string
	replyText  string

	segmentCalls int
	replyCalls   int
}

func (c *scriptedLLM) Complete(ctx context.Context, system string, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	if strings.Contains(system, "conversation analyst") {
		c.segmentCalls++
		return c.topicsJSON, nil
	}
	c.replyCalls++
	return c.replyText, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{HistorySize: 10},
		Reply: config.ReplyConfig{
			Threshold:            0.5,
			BatchIntervalMinutes: 30,
			FollowupMinutes:      5,
			DefaultPersonaPath:   "nonexistent-persona.txt",
		},
	}
}

type fixture struct {
	sched  *Scheduler
	msgs   *store.MessageStore
	scheds *store.ScheduleStore
	graph  *graph.SQLiteStore
	llm    *scriptedLLM
}

func newFixture(t *testing.T, client *scriptedLLM, cfg *config.Config) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	msgs := store.NewMessageStore(db)
	scheds := store.NewScheduleStore(db)
	backend := graph.NewSQLiteStore(db)
	mgr := graph.NewManager(backend, logger)
	extractor := extraction.NewExtractor(client, logger)

	s := New(msgs, scheds, mgr, extractor, client, cfg, "mio", logger)
	return &fixture{sched: s, msgs: msgs, scheds: scheds, graph: backend, llm: client}
}

func (f *fixture) enqueue(t *testing.T, conv, content string) *models.Utterance {
	t.Helper()
	u := &models.Utterance{
		ConversationID: conv,
		UserID:         "u1",
		UserName:       "alice",
		Content:        content,
	}
	if err := f.msgs.Enqueue(u); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return u
}

func (f *fixture) drainOutbound() *OutboundReply {
	select {
	case reply := <-f.sched.Outbound():
		return reply
	default:
		return nil
	}
}

func TestProcessCompletedTopicMarksAndPersists(t *testing.T) {
	client := &scriptedLLM{topicsJSON: `{
		"completed_topics": [
			{"title": "weekend", "summary": "picnic if it stays sunny", "concepts": ["weather", "plans"], "message_indices": [0, 1, 2, 3, 4]}
		],
		"ongoing_topics": []
	}`}
	f := newFixture(t, client, testConfig())
	ctx := context.Background()

	for _, msg := range []string{"nice weather", "picnic?", "saturday works", "bring a frisbee", "deal"} {
		f.enqueue(t, "g1", msg)
	}

	if err := f.sched.ProcessConversation(ctx, "g1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	window, _ := f.msgs.UnprocessedWindow("g1", 10)
	if len(window) != 0 {
		t.Errorf("unprocessed after pass = %d, want 0", len(window))
	}

	mems, _ := f.graph.ListMemories(ctx, graph.ListOptions{ConversationID: "g1"})
	if len(mems) != 1 || mems[0].Title != "weekend" {
		t.Fatalf("memories = %+v", mems)
	}
	if len(mems[0].NodeIDs) != 2 {
		t.Fatalf("memory node links = %d, want 2", len(mems[0].NodeIDs))
	}

	assoc, err := f.graph.GetAssociation(ctx, mems[0].NodeIDs[0], mems[0].NodeIDs[1])
	if err != nil || assoc == nil {
		t.Fatalf("association missing: %v", err)
	}
	if diff := assoc.Strength - 1.3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("strength = %f, want 1.3", assoc.Strength)
	}

	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("no ongoing topics, but got reply %+v", reply)
	}

	sched, _ := f.scheds.Get("g1")
	if sched == nil {
		t.Fatal("schedule should exist after pass")
	}
	until := time.Until(sched.NextProcessTime)
	if until < 29*time.Minute || until > 31*time.Minute {
		t.Errorf("next process in %v, want ~30m batch interval", until)
	}
}

func TestProcessDrainsBacklogAcrossWindows(t *testing.T) {
	client := &scriptedLLM{topicsJSON: `{
		"completed_topics": [
			{"title": "chatter", "summary": "small talk", "concepts": ["talk"], "message_indices": [0, 1]}
		],
		"ongoing_topics": []
	}`}
	cfg := testConfig()
	cfg.Queue.HistorySize = 1
	f := newFixture(t, client, cfg)

	for i := 0; i < 4; i++ {
		f.enqueue(t, "g1", "hello again")
	}

	if err := f.sched.ProcessConversation(context.Background(), "g1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	if client.segmentCalls != 2 {
		t.Errorf("segmentation calls = %d, want 2 (one per full window)", client.segmentCalls)
	}
	window, _ := f.msgs.UnprocessedWindow("g1", 10)
	if len(window) != 0 {
		t.Errorf("unprocessed after drain = %d, want 0", len(window))
	}
}

func TestCertainContinuationAlwaysReplies(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": ["plans"], "message_indices": [0], "continuation_probability": 1.0}]
		}`,
		replyText: "sounds fun!",
	}
	f := newFixture(t, client, testConfig())
	// No randFloat override: p = 1.0 passes any draw.

	f.enqueue(t, "g1", "should we do something this weekend")

	if err := f.sched.ProcessConversation(context.Background(), "g1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply == nil {
		t.Fatal("probability 1.0 must always produce a reply")
	}
}

func TestZeroContinuationNeverReplies(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": [], "message_indices": [0], "continuation_probability": 0.0}]
		}`,
		replyText: "should not fire",
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.0 }

	f.enqueue(t, "g1", "ok bye")

	if err := f.sched.ProcessConversation(context.Background(), "g1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("probability 0.0 must never reply, got %+v", reply)
	}
}

func TestOngoingClaimWinsOverCompleted(t *testing.T) {
	client := &scriptedLLM{topicsJSON: `{
		"completed_topics": [
			{"title": "overlap", "summary": "", "concepts": ["x"], "message_indices": [0, 1]}
		],
		"ongoing_topics": [
			{"concepts": ["x"], "message_indices": [1], "continuation_probability": 0.1}
		]
	}`}
	f := newFixture(t, client, testConfig())

	f.enqueue(t, "c1", "first")
	contested := f.enqueue(t, "c1", "second")

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	window, _ := f.msgs.UnprocessedWindow("c1", 10)
	if len(window) != 1 || window[0].ID != contested.ID {
		t.Fatalf("unprocessed = %+v, want only the contested utterance", window)
	}
}

func TestReplyWhenGatePasses(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": ["plans"], "message_indices": [0], "continuation_probability": 0.9}]
		}`,
		replyText: "count me in! I'll bring snacks.",
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.0 } // always below p

	f.enqueue(t, "c1", "anyone up for a picnic")

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	reply := f.drainOutbound()
	if reply == nil {
		t.Fatal("expected a reply on the outbound channel")
	}
	if reply.ConversationID != "c1" || len(reply.Chunks) != 2 {
		t.Errorf("reply = %+v, want 2 chunks for c1", reply)
	}

	recent, _ := f.msgs.RecentWindow("c1", 10)
	if !store.HasAgentMessage(recent) {
		t.Error("agent reply should be appended to the queue")
	}

	sched, _ := f.scheds.Get("c1")
	until := time.Until(sched.NextProcessTime)
	if until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("next process in %v, want ~5m follow-up interval", until)
	}
}

func TestNoReplyWhenRollFails(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": [], "message_indices": [0], "continuation_probability": 0.6}]
		}`,
		replyText: "should not be used",
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.99 } // above p

	f.enqueue(t, "c1", "hmm")

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("gate roll failed but reply produced: %+v", reply)
	}
	if client.replyCalls != 0 {
		t.Errorf("reply LLM calls = %d, want 0", client.replyCalls)
	}
}

func TestNoReplyBelowThreshold(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": [], "message_indices": [0], "continuation_probability": 0.3}]
		}`,
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.0 }

	f.enqueue(t, "c1", "meh")

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("p below threshold but reply produced: %+v", reply)
	}
}

func TestReplySuppressedByAgentMessageInWindow(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": [], "message_indices": [0], "continuation_probability": 1.0}]
		}`,
		replyText: "should not fire",
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.0 }

	// An unprocessed agent message sits in the window.
	u := &models.Utterance{
		ConversationID: "c1",
		UserID:         "agent",
		UserName:       "mio",
		Content:        "my earlier remark",
		IsFromAgent:    true,
	}
	if err := f.msgs.Enqueue(u); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("agent message in window should suppress reply, got %+v", reply)
	}
}

func TestReplySuppressedByTruncatedWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.HistorySize = 1 // window caps at 2
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [],
			"ongoing_topics": [{"concepts": [], "message_indices": [0], "continuation_probability": 1.0}]
		}`,
		replyText: "should not fire",
	}
	f := newFixture(t, client, cfg)
	f.sched.randFloat = func() float64 { return 0.0 }

	f.enqueue(t, "c1", "one")
	f.enqueue(t, "c1", "two")
	f.enqueue(t, "c1", "three")

	if err := f.sched.ProcessConversation(context.Background(), "c1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("truncated window should suppress reply, got %+v", reply)
	}
}

func TestDirectMessageAlwaysReplies(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{"completed_topics": [], "ongoing_topics": []}`,
		replyText:  "yes, I'm here!",
	}
	f := newFixture(t, client, testConfig())
	f.sched.randFloat = func() float64 { return 0.99 }

	u := &models.Utterance{
		ConversationID: "c1",
		UserID:         "u1",
		UserName:       "alice",
		Content:        "mio, are you there?",
		IsDirect:       true,
	}
	if err := f.sched.HandleInbound(context.Background(), u); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	reply := f.drainOutbound()
	if reply == nil {
		t.Fatal("direct message must always produce a reply")
	}

	sched, _ := f.scheds.Get("c1")
	until := time.Until(sched.NextProcessTime)
	if until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("next process in %v, want ~5m follow-up after direct reply", until)
	}
}

func TestDiscardedReplySchedulesBatchPass(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{"completed_topics": [], "ongoing_topics": []}`,
		replyText:  "",
	}
	f := newFixture(t, client, testConfig())

	u := &models.Utterance{
		ConversationID: "c1",
		UserID:         "u1",
		UserName:       "alice",
		Content:        "mio?",
		IsDirect:       true,
	}
	if err := f.sched.HandleInbound(context.Background(), u); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	if reply := f.drainOutbound(); reply != nil {
		t.Errorf("empty generation should not produce a reply, got %+v", reply)
	}

	// No reply went out, so the follow-up interval must not apply.
	sched, _ := f.scheds.Get("c1")
	until := time.Until(sched.NextProcessTime)
	if until < 29*time.Minute || until > 31*time.Minute {
		t.Errorf("next process in %v, want ~30m batch interval after discarded reply", until)
	}
}

func TestHandleInboundNonDirectOnlyEnqueues(t *testing.T) {
	client := &scriptedLLM{}
	f := newFixture(t, client, testConfig())

	u := &models.Utterance{
		ConversationID: "c1",
		UserID:         "u1",
		UserName:       "alice",
		Content:        "just chatting",
	}
	if err := f.sched.HandleInbound(context.Background(), u); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	if client.segmentCalls != 0 {
		t.Errorf("segment calls = %d, want 0 for non-direct", client.segmentCalls)
	}
	window, _ := f.msgs.UnprocessedWindow("c1", 10)
	if len(window) != 1 {
		t.Errorf("unprocessed = %d, want 1", len(window))
	}
	sched, _ := f.scheds.Get("c1")
	if sched == nil {
		t.Error("first inbound should register a schedule")
	}
}

func TestRunMaintenanceProcessesDue(t *testing.T) {
	client := &scriptedLLM{
		topicsJSON: `{
			"completed_topics": [
				{"title": "catchup", "summary": "", "concepts": ["news"], "message_indices": [0]}
			],
			"ongoing_topics": []
		}`,
	}
	f := newFixture(t, client, testConfig())

	f.enqueue(t, "c1", "did you hear the news")
	// Make the conversation due now.
	f.scheds.Upsert(&models.Schedule{
		ConversationID:  "c1",
		NextProcessTime: time.Now().Add(-time.Minute),
	})

	if err := f.sched.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("maintenance: %v", err)
	}

	if client.segmentCalls != 1 {
		t.Errorf("segment calls = %d, want 1", client.segmentCalls)
	}
	window, _ := f.msgs.UnprocessedWindow("c1", 10)
	if len(window) != 0 {
		t.Errorf("unprocessed after maintenance = %d, want 0", len(window))
	}
}

func TestRunMaintenanceSkipsNotDue(t *testing.T) {
	client := &scriptedLLM{}
	f := newFixture(t, client, testConfig())

	f.enqueue(t, "c1", "recent message")
	f.scheds.Upsert(&models.Schedule{
		ConversationID:  "c1",
		NextProcessTime: time.Now().Add(time.Hour),
	})

	if err := f.sched.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if client.segmentCalls != 0 {
		t.Errorf("segment calls = %d, want 0 for not-due conversation", client.segmentCalls)
	}
}

func TestCancelledContextLeavesFlagsUntouched(t *testing.T) {
	client := &scriptedLLM{topicsJSON: `{
		"completed_topics": [
			{"title": "t", "summary": "", "concepts": ["c"], "message_indices": [0]}
		],
		"ongoing_topics": []
	}`}
	f := newFixture(t, client, testConfig())

	f.enqueue(t, "c1", "message")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.sched.ProcessConversation(ctx, "c1", false); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	window, _ := f.msgs.UnprocessedWindow("c1", 10)
	if len(window) != 1 {
		t.Errorf("unprocessed = %d, want 1 (flags untouched on abandonment)", len(window))
	}
}
