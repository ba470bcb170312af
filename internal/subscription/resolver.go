// Package subscription keeps channel subscriptions current. The
// Resolver turns freshly submitted channel URLs into canonical channel
// identities, folding duplicates of the same channel as it goes. The
// Poller periodically lists each subscribed channel's latest uploads
// and queues the ones the user has not seen before.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribarr/scribarr/internal/channel"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// ChannelBrowser is the slice of the channel service the subscription
// loops use: identity resolution and upload listings.
type ChannelBrowser interface {
	Resolve(ctx context.Context, channelURL string) (*channel.Info, error)
	LatestVideoURLs(ctx context.Context, channelURL string, maxItems int) ([]string, error)
}

// Resolver promotes pending subscriptions to resolved by asking the
// channel service for the canonical channel identity. A subscription
// stays pending across failed attempts and is retried every pass, so
// a flaky upstream delays resolution rather than losing it.
type Resolver struct {
	mu sync.Mutex

	subs     repository.SubscriptionRepository
	channels ChannelBrowser
	logger   *slog.Logger

	interval       time.Duration
	resolveTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResolver creates a subscription resolver.
func NewResolver(subs repository.SubscriptionRepository, channels ChannelBrowser, cfg config.SubscriptionConfig, logger *slog.Logger) *Resolver {
	interval := cfg.ResolveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Resolver{
		subs:           subs,
		channels:       channels,
		logger:         logger.With("component", "subscription-resolver"),
		interval:       interval,
		resolveTimeout: timeout,
	}
}

// Start launches the resolve loop. The first pass runs immediately so
// subscriptions submitted while the service was down resolve on boot.
func (r *Resolver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return fmt.Errorf("subscription resolver already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("Subscription resolver started",
		"interval", r.interval,
		"resolve_timeout", r.resolveTimeout)
	return nil
}

// Stop cancels the loop and waits for the pass in flight to finish.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.ctx = nil
	r.cancel = nil

	r.logger.Info("Subscription resolver stopped")
}

func (r *Resolver) loop() {
	defer r.wg.Done()

	r.resolvePending(r.ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.resolvePending(r.ctx)
		}
	}
}

// resolvePending works through the pending subscriptions oldest-first.
func (r *Resolver) resolvePending(ctx context.Context) {
	pending, err := r.subs.ListPending(ctx)
	if err != nil {
		r.logger.Error("Failed to list pending subscriptions", "error", err)
		return
	}

	for _, sub := range pending {
		if ctx.Err() != nil {
			return
		}
		r.resolve(ctx, sub)
	}
}

// resolve settles one pending subscription: promote it when the
// channel is new to the user, merge it when the user already holds a
// resolved subscription to the same channel under another URL shape.
func (r *Resolver) resolve(ctx context.Context, sub *models.Subscription) {
	rctx, cancel := context.WithTimeout(ctx, r.resolveTimeout)
	info, err := r.channels.Resolve(rctx, sub.ChannelURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("Channel resolution failed",
			"subscription_id", sub.ID,
			"channel_url", sub.ChannelURL,
			"error", err)
		return
	}

	existing, err := r.subs.FindByUserAndChannelID(ctx, sub.UserID, info.ID)
	if err != nil {
		r.logger.Error("Failed to look up subscription by channel",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if existing != nil && existing.ID != sub.ID {
		r.merge(ctx, sub, existing)
		return
	}

	sub.MarkResolved(info.ID, info.Title)
	if err := r.subs.Update(ctx, sub); err != nil {
		r.logger.Error("Failed to save resolved subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	r.logger.Info("Subscription resolved",
		"subscription_id", sub.ID,
		"channel_id", info.ID,
		"channel_title", info.Title)
}

// merge folds a pending subscription into the resolved one the user
// already holds for the same channel. The resolved row survives and
// adopts the pending row's auto playlist when it has none of its own.
func (r *Resolver) merge(ctx context.Context, pending, resolved *models.Subscription) {
	if resolved.AutoPlaylistID == nil && pending.AutoPlaylistID != nil {
		resolved.AutoPlaylistID = pending.AutoPlaylistID
		if err := r.subs.Update(ctx, resolved); err != nil {
			r.logger.Error("Failed to adopt auto playlist",
				"subscription_id", resolved.ID, "error", err)
			return
		}
	}
	if err := r.subs.Delete(ctx, pending.ID); err != nil {
		r.logger.Error("Failed to delete duplicate subscription",
			"subscription_id", pending.ID, "error", err)
		return
	}
	r.logger.Info("Merged duplicate subscription",
		"subscription_id", pending.ID,
		"merged_into", resolved.ID,
		"channel_id", resolved.ChannelID)
}
