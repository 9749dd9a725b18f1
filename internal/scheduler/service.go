package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hikarukin/engram/internal/decay"
)

// Service runs the periodic jobs: a frequent tick that processes due
// conversations and a slower tick that offers the decay manager a chance to
// sweep. The decay manager applies its own interval gate, so the tick can
// fire more often than sweeps actually run.
type Service struct {
	scheduler *Scheduler
	decay     *decay.Manager
	deliverer Deliverer
	logger    *slog.Logger
	cron      *cron.Cron

	done chan struct{}
}

func NewService(s *Scheduler, d *decay.Manager, deliverer Deliverer, logger *slog.Logger) *Service {
	return &Service{
		scheduler: s,
		decay:     d,
		deliverer: deliverer,
		logger:    logger,
		cron:      cron.New(),
		done:      make(chan struct{}),
	}
}

// Start registers the cron jobs and launches the delivery loop. Jobs stop
// when ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every 1m", func() {
		if err := s.scheduler.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("maintenance tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register maintenance job: %w", err)
	}

	_, err = s.cron.AddFunc("@every 30m", func() {
		if _, err := s.decay.Sweep(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Error("decay tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register decay job: %w", err)
	}

	s.cron.Start()
	go s.deliveryLoop(ctx)

	s.logger.Info("scheduler service started")
	return nil
}

// deliveryLoop drains outbound replies, pausing between chunks to mimic
// typing.
func (s *Service) deliveryLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-s.scheduler.Outbound():
			if !ok {
				return
			}
			for i, chunk := range reply.Chunks {
				if i > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(DelayFor(chunk)):
					}
				}
				single := &OutboundReply{ConversationID: reply.ConversationID, Chunks: []string{chunk}}
				if err := s.deliverer.Deliver(ctx, single); err != nil {
					s.logger.Error("deliver chunk failed",
						"conversation_id", reply.ConversationID, "error", err)
					break
				}
			}
		}
	}
}

// Stop halts the cron jobs and waits for in-flight jobs and the delivery
// loop to finish.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	<-s.done
}

// LogDeliverer is the fallback Deliverer: it logs chunks instead of sending
// them anywhere. Useful when no platform adapter is attached.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d *LogDeliverer) Deliver(ctx context.Context, reply *OutboundReply) error {
	for _, chunk := range reply.Chunks {
		d.Logger.Info("outbound reply",
			"conversation_id", reply.ConversationID, "text", chunk)
	}
	return nil
}
