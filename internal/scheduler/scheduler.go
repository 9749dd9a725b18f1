// Package scheduler drives conversation processing: it owns the per-
// conversation processing lock, runs extraction over the unprocessed window,
// persists completed topics, decides whether to reply, and advances each
// conversation's next processing time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/extraction"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/llm"
	"github.com/hikarukin/engram/internal/models"
	"github.com/hikarukin/engram/internal/store"
)

// OutboundReply is a reply ready for delivery, already split into chunks.
type OutboundReply struct {
	ConversationID string
	Chunks         []string
}

// Deliverer sends reply chunks to whatever platform hosts the conversation.
type Deliverer interface {
	Deliver(ctx context.Context, reply *OutboundReply) error
}

// Scheduler coordinates the whole processing pass for each conversation.
type Scheduler struct {
	msgs      *store.MessageStore
	scheds    *store.ScheduleStore
	graph     *graph.Manager
	extractor *extraction.Extractor
	llm       llm.Client
	cfg       *config.Config
	logger    *slog.Logger
	agentName string

	outbound chan *OutboundReply

	// randFloat is swappable in tests; defaults to a seeded math/rand.
	randFloat func() float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(msgs *store.MessageStore, scheds *store.ScheduleStore, g *graph.Manager,
	extractor *extraction.Extractor, client llm.Client, cfg *config.Config,
	agentName string, logger *slog.Logger) *Scheduler {

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &Scheduler{
		msgs:      msgs,
		scheds:    scheds,
		graph:     g,
		extractor: extractor,
		llm:       client,
		cfg:       cfg,
		logger:    logger,
		agentName: agentName,
		outbound:  make(chan *OutboundReply, 64),
		randFloat: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
		locks: make(map[string]*sync.Mutex),
	}
}

// Outbound exposes the reply channel for a delivery loop to drain.
func (s *Scheduler) Outbound() <-chan *OutboundReply {
	return s.outbound
}

// lockFor returns the conversation's mutex, creating it on first use. The
// lock is held across the entire processing pass, LLM call included, so two
// passes never interleave on one conversation.
func (s *Scheduler) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// HandleInbound enqueues an utterance and, when it addresses the agent
// directly, processes the conversation immediately. Otherwise the message
// waits for the scheduled batch pass.
func (s *Scheduler) HandleInbound(ctx context.Context, u *models.Utterance) error {
	if err := s.msgs.Enqueue(u); err != nil {
		return fmt.Errorf("enqueue inbound: %w", err)
	}

	if err := s.ensureSchedule(u.ConversationID); err != nil {
		return err
	}

	if u.IsDirect {
		return s.ProcessConversation(ctx, u.ConversationID, true)
	}
	return nil
}

// ensureSchedule creates a schedule row for a conversation seen for the
// first time, due one batch interval out.
func (s *Scheduler) ensureSchedule(conversationID string) error {
	sched, err := s.scheds.Get(conversationID)
	if err != nil {
		return err
	}
	if sched != nil {
		return nil
	}
	return s.scheds.Upsert(&models.Schedule{
		ConversationID:  conversationID,
		NextProcessTime: time.Now().Add(s.cfg.BatchInterval()),
		PersonaPath:     s.cfg.Reply.DefaultPersonaPath,
	})
}

// ProcessConversation runs one full pass: extract topics from the
// unprocessed window, persist completed topics, mark their utterances
// processed, prune history, and decide whether to reply. When direct is true
// the reply gate is bypassed and a reply is always produced.
func (s *Scheduler) ProcessConversation(ctx context.Context, conversationID string, direct bool) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	windowSize := 2 * s.cfg.Queue.HistorySize

	replied := false
	for first := true; ; first = false {
		window, err := s.msgs.UnprocessedWindow(conversationID, windowSize)
		if err != nil {
			return fmt.Errorf("read window: %w", err)
		}
		if len(window) == 0 {
			if first && !direct {
				return s.advanceSchedule(conversationID, false)
			}
			break
		}

		batch, err := s.extractor.ExtractTopics(ctx, window)
		if err != nil {
			// Nothing marked processed; the next pass retries the window.
			return fmt.Errorf("extract topics: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		marked, err := s.persistBatch(ctx, conversationID, batch)
		if err != nil {
			return err
		}

		if _, err := s.msgs.PruneHistory(conversationID, s.cfg.Queue.HistorySize); err != nil {
			s.logger.Warn("prune history failed",
				"conversation_id", conversationID, "error", err)
		}

		// A full window that yielded progress means older messages are
		// still queued; keep draining before the reply gate runs.
		if len(window) == windowSize && marked > 0 {
			continue
		}

		if !direct {
			replied = s.maybeReply(ctx, conversationID, window, batch)
		}
		break
	}

	if direct {
		sent, err := s.reply(ctx, conversationID)
		if err != nil {
			s.logger.Error("direct reply failed",
				"conversation_id", conversationID, "error", err)
		} else {
			replied = sent
		}
	}

	return s.advanceSchedule(conversationID, replied)
}

// persistBatch stores completed topics in the graph and marks their
// utterances processed, returning how many were marked. Utterances claimed
// by both a completed and an ongoing topic stay unprocessed: the ongoing
// claim wins.
func (s *Scheduler) persistBatch(ctx context.Context, conversationID string, batch *models.TopicBatch) (int, error) {
	ongoing := make(map[string]bool)
	for _, topic := range batch.Ongoing {
		for _, id := range topic.MessageIDs {
			ongoing[id] = true
		}
	}

	marked := 0
	for i := range batch.Completed {
		topic := &batch.Completed[i]
		if _, err := s.graph.PersistCompletedTopic(ctx, conversationID, topic); err != nil {
			return marked, fmt.Errorf("persist topic %q: %w", topic.Title, err)
		}

		var toMark []string
		for _, id := range topic.MessageIDs {
			if ongoing[id] {
				s.logger.Warn("utterance claimed by completed and ongoing topic, keeping unprocessed",
					"conversation_id", conversationID,
					"utterance_id", id,
					"topic", topic.Title)
				continue
			}
			toMark = append(toMark, id)
		}
		n, err := s.msgs.MarkProcessed(toMark)
		if err != nil {
			return marked, fmt.Errorf("mark topic utterances: %w", err)
		}
		marked += int(n)
	}
	return marked, nil
}

// maybeReply runs the probabilistic reply gate over ongoing topics and sends
// a reply when one passes. Returns whether a reply was produced.
//
// The gate is suppressed outright when the agent already spoke in the window
// or when the window was truncated, meaning older unprocessed messages are
// still waiting and a reply would respond to a partial picture.
func (s *Scheduler) maybeReply(ctx context.Context, conversationID string, window []*models.Utterance, batch *models.TopicBatch) bool {
	if store.HasAgentMessage(window) {
		s.logger.Debug("reply suppressed: agent already in window",
			"conversation_id", conversationID)
		return false
	}
	if len(window) >= 2*s.cfg.Queue.HistorySize {
		s.logger.Debug("reply suppressed: window truncated",
			"conversation_id", conversationID)
		return false
	}

	for _, topic := range batch.Ongoing {
		p := topic.ContinuationProbability
		if p < s.cfg.Reply.Threshold {
			continue
		}
		if s.randFloat() > p {
			// First qualifying topic gets the only roll.
			return false
		}
		sent, err := s.reply(ctx, conversationID)
		if err != nil {
			s.logger.Error("reply failed",
				"conversation_id", conversationID, "error", err)
			return false
		}
		return sent
	}
	return false
}

// reply generates a persona reply from the recent window, records it in the
// queue, and hands it to the outbound channel. Reports whether a reply was
// actually emitted: an empty window or a reply discarded after cleaning is
// not a reply, so the caller schedules a batch pass instead of a follow-up.
func (s *Scheduler) reply(ctx context.Context, conversationID string) (bool, error) {
	window, err := s.msgs.RecentWindow(conversationID, s.cfg.Queue.HistorySize)
	if err != nil {
		return false, fmt.Errorf("read recent window: %w", err)
	}
	if len(window) == 0 {
		return false, nil
	}

	persona, err := s.loadPersona(conversationID)
	if err != nil {
		return false, err
	}

	transcript := extraction.FormatTranscript(window)
	prompt := fmt.Sprintf("%s\n\nRecent conversation:\n%s\nWrite %s's next message. Reply with the message only.",
		persona, transcript, s.agentName)

	out, err := s.llm.Complete(ctx, prompt,
		[]llm.Message{{Role: llm.RoleUser, Content: "Continue the conversation."}},
		llm.CompleteOptions{Temperature: 0.9})
	if err != nil {
		return false, fmt.Errorf("generate reply: %w", err)
	}

	text := CleanReply(out)
	if text == "" {
		s.logger.Warn("reply discarded after cleaning", "conversation_id", conversationID)
		return false, nil
	}

	if err := s.msgs.AppendAgentReply(conversationID, s.agentName, text); err != nil {
		return false, err
	}

	reply := &OutboundReply{
		ConversationID: conversationID,
		Chunks:         ChunkReply(text),
	}
	select {
	case s.outbound <- reply:
	default:
		s.logger.Warn("outbound channel full, dropping reply",
			"conversation_id", conversationID)
	}
	return true, nil
}

func (s *Scheduler) loadPersona(conversationID string) (string, error) {
	path := s.cfg.Reply.DefaultPersonaPath
	if sched, err := s.scheds.Get(conversationID); err == nil && sched != nil && sched.PersonaPath != "" {
		path = sched.PersonaPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("You are %s, a friendly chat participant.", s.agentName), nil
		}
		return "", fmt.Errorf("read persona %s: %w", path, err)
	}
	return string(data), nil
}

// advanceSchedule pushes the conversation's next processing time out: the
// short follow-up interval after a reply, the batch interval otherwise.
func (s *Scheduler) advanceSchedule(conversationID string, replied bool) error {
	interval := s.cfg.BatchInterval()
	if replied {
		interval = s.cfg.FollowupInterval()
	}

	sched, err := s.scheds.Get(conversationID)
	if err != nil {
		return err
	}
	personaPath := s.cfg.Reply.DefaultPersonaPath
	if sched != nil && sched.PersonaPath != "" {
		personaPath = sched.PersonaPath
	}

	return s.scheds.Upsert(&models.Schedule{
		ConversationID:  conversationID,
		NextProcessTime: time.Now().Add(interval),
		PersonaPath:     personaPath,
	})
}

// RunMaintenance processes every conversation whose schedule has come due.
// Conversations present in the queue without a schedule are registered for
// the next pass.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	convs, err := s.msgs.DistinctConversations()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range convs {
		if err := s.ensureSchedule(conv); err != nil {
			s.logger.Warn("ensure schedule failed", "conversation_id", conv, "error", err)
		}
	}

	due, err := s.scheds.Due(time.Now())
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ProcessConversation(ctx, sched.ConversationID, false); err != nil {
			s.logger.Error("scheduled processing failed",
				"conversation_id", sched.ConversationID, "error", err)
		}
	}
	return nil
}
