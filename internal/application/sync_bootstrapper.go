package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const DefaultFirstSyncTimeout = 5 * time.Minute

// SyncBootstrapper starts the sync loop and waits for the first sync to
// land before checking the key backup.
type SyncBootstrapper struct {
	events  ports.EventSource
	unlock  *BackupAutoUnlock
	state   *sessionState
	clock   ports.Clock
	emitter eventEmitter
	logger  zerolog.Logger

	// after arms the first-sync barrier; clock only stamps sync updates
	after func(time.Duration) <-chan time.Time

	mu   sync.Mutex
	stop func()
}

func NewSyncBootstrapper(events ports.EventSource, unlock *BackupAutoUnlock, state *sessionState, clock ports.Clock, emitter eventEmitter, logger zerolog.Logger) *SyncBootstrapper {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &SyncBootstrapper{
		events:  events,
		unlock:  unlock,
		state:   state,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		after:   time.After,
	}
}

// StartSync returns once the first sync update has arrived and the backup
// status is known. Without a first update before firstSyncTimeout it stops
// the loop and fails with domain.ErrTimeout.
func (s *SyncBootstrapper) StartSync(ctx context.Context, firstSyncTimeout time.Duration) error {
	if firstSyncTimeout <= 0 {
		firstSyncTimeout = DefaultFirstSyncTimeout
	}
	s.Stop()

	updates, unsubscribe := s.events.SubscribeSync()
	// the loop outlives the call that started it
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			unsubscribe()
			s.events.StopSyncLoop()
		})
	}
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	first := make(chan struct{})
	go s.consume(loopCtx, updates, first)

	if err := s.events.StartSyncLoop(loopCtx); err != nil {
		s.Stop()
		return fmt.Errorf("start sync loop: %w", err)
	}

	select {
	case <-first:
	case <-s.after(firstSyncTimeout):
		s.Stop()
		return fmt.Errorf("wait for first sync after %s: %w", firstSyncTimeout, domain.ErrTimeout)
	case <-ctx.Done():
		s.Stop()
		return fmt.Errorf("wait for first sync: %w", ctx.Err())
	}

	if needed, _ := s.unlock.RefreshStatus(ctx).Needed(); needed {
		s.unlock.TryAutoUnlock(ctx)
	}

	return nil
}

func (s *SyncBootstrapper) consume(ctx context.Context, updates <-chan domain.SyncUpdate, first chan struct{}) {
	received := false
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.state.recordSync(update, s.clock.Now())
			s.emitter.emit(Event{Kind: EventSyncReceived})
			if !received {
				received = true
				close(first)
				s.logger.Debug().Str("next_batch", update.NextBatch).Msg("first sync complete")
			}
		}
	}
}

// Stop cancels the sync subscription and the sync loop. It is safe to call
// when nothing is running.
func (s *SyncBootstrapper) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *SyncBootstrapper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
