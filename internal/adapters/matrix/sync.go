package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const subscriberBuffer = 16

var errSyncRunning = errors.New("sync loop already running")

type broadcaster[T any] struct {
	logger zerolog.Logger
	name   string

	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
}

func newBroadcaster[T any](logger zerolog.Logger, name string) *broadcaster[T] {
	return &broadcaster[T]{logger: logger, name: name, subs: make(map[int]chan T)}
}

func (b *broadcaster[T]) subscribe() (<-chan T, ports.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish never blocks; a subscriber whose buffer is full misses the value.
func (b *broadcaster[T]) publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- value:
		default:
			b.logger.Warn().Str("stream", b.name).Msg("dropping event for slow subscriber")
		}
	}
}

func (c *Client) SubscribeLoginState() (<-chan domain.LoginState, ports.CancelFunc) {
	return c.loginStates.subscribe()
}

func (c *Client) SubscribeSync() (<-chan domain.SyncUpdate, ports.CancelFunc) {
	return c.syncUpdates.subscribe()
}

// StartSyncLoop starts long-polling /sync in the background. The loop runs
// until ctx ends, StopSyncLoop is called or the server revokes the token.
func (c *Client) StartSyncLoop(ctx context.Context) error {
	if c.AccessToken() == "" {
		return fmt.Errorf("start sync: %w", domain.ErrNoSession)
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncCancel != nil {
		return errSyncRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.syncCancel = cancel
	c.syncDone = done

	go func() {
		defer close(done)
		defer c.clearSyncLoop(done)
		c.runSync(loopCtx)
	}()

	return nil
}

// StopSyncLoop stops the loop and waits for it to exit.
func (c *Client) StopSyncLoop() {
	c.syncMu.Lock()
	cancel, done := c.syncCancel, c.syncDone
	c.syncMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) clearSyncLoop(done chan struct{}) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncDone == done {
		c.syncCancel()
		c.syncCancel = nil
		c.syncDone = nil
	}
}

func (c *Client) runSync(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = min(500*time.Millisecond, c.retryMaxInterval)
	retry.MaxInterval = c.retryMaxInterval
	retry.MaxElapsedTime = 0

	var since string
	softLoggedOut := false
	for {
		if ctx.Err() != nil {
			return
		}

		update, err := c.syncOnce(ctx, since)
		if err == nil {
			retry.Reset()
			softLoggedOut = false
			since = update.NextBatch
			c.syncUpdates.publish(update)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		switch {
		case domain.IsSoftLogout(err):
			if !softLoggedOut {
				softLoggedOut = true
				c.logger.Info().Msg("server soft logged out the session")
				c.loginStates.publish(domain.LoginStateSoftLogout)
			}
		case domain.IsPermanentAuthFailure(err):
			c.logger.Warn().Err(err).Msg("server ended the session")
			c.loginStates.publish(domain.LoginStateLoggedOut)
			return
		default:
			c.logger.Warn().Err(err).Msg("sync request failed")
		}

		wait := retry.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]json.RawMessage `json:"join"`
	} `json:"rooms"`
	DeviceLists struct {
		Changed []string `json:"changed"`
	} `json:"device_lists"`
}

func (c *Client) syncOnce(ctx context.Context, since string) (domain.SyncUpdate, error) {
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(c.longPollTimeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}

	body, err := c.call(ctx, http.MethodGet, pathSync, true, nil, query)
	if err != nil {
		return domain.SyncUpdate{}, err
	}
	var response syncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return domain.SyncUpdate{}, fmt.Errorf("parse sync response: %w", err)
	}

	return domain.SyncUpdate{
		NextBatch:          response.NextBatch,
		JoinedRooms:        len(response.Rooms.Join),
		DeviceListsChanged: response.DeviceLists.Changed,
	}, nil
}
