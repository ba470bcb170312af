package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// Poller sweeps every subscription on a long period, listing each
// channel's latest uploads and queueing the ones the user does not
// already have. Pending subscriptions are swept too: their channel URL
// is enough to list uploads even before the identity resolves.
type Poller struct {
	mu sync.Mutex

	subs      repository.SubscriptionRepository
	items     repository.ItemRepository
	playlists repository.PlaylistRepository
	channels  ChannelBrowser
	logger    *slog.Logger

	checkInterval time.Duration
	maxVideos     int
	fetchTimeout  time.Duration

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a subscription poller.
func NewPoller(subs repository.SubscriptionRepository, items repository.ItemRepository, playlists repository.PlaylistRepository, channels ChannelBrowser, cfg config.SubscriptionConfig, logger *slog.Logger) *Poller {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	maxVideos := cfg.MaxVideosPerChannel
	if maxVideos <= 0 {
		maxVideos = 10
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 90 * time.Second
	}
	return &Poller{
		subs:          subs,
		items:         items,
		playlists:     playlists,
		channels:      channels,
		logger:        logger.With("component", "subscription-poller"),
		checkInterval: interval,
		maxVideos:     maxVideos,
		fetchTimeout:  fetchTimeout,
	}
}

// Start schedules the sweep under cron and runs one immediately, so a
// fresh deployment does not wait a full period for its first check.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("subscription poller already started")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	c := cron.New()
	if _, err := c.AddFunc("@every "+p.checkInterval.String(), func() { p.sweep(p.ctx) }); err != nil {
		p.cancel()
		p.ctx, p.cancel = nil, nil
		return fmt.Errorf("scheduling subscription sweep: %w", err)
	}
	p.cron = c
	c.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweep(p.ctx)
	}()

	p.logger.Info("Subscription poller started",
		"check_interval", p.checkInterval,
		"max_videos_per_channel", p.maxVideos)
	return nil
}

// Stop halts the cron schedule, cancels the sweep in flight and waits
// for both to drain.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return
	}
	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()
	p.ctx = nil
	p.cancel = nil
	p.cron = nil

	p.logger.Info("Subscription poller stopped")
}

// sweep checks every subscription once.
func (p *Poller) sweep(ctx context.Context) {
	subs, err := p.allSubscriptions(ctx)
	if err != nil {
		p.logger.Error("Failed to list subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		p.check(ctx, sub)
	}
}

// allSubscriptions returns pending then resolved subscriptions, each
// oldest-first.
func (p *Poller) allSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	pending, err := p.subs.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	resolved, err := p.subs.ListResolved(ctx)
	if err != nil {
		return nil, err
	}
	return append(pending, resolved...), nil
}

// check lists one channel's latest uploads and queues the new ones.
// The checked timestamp is only stamped after a successful listing, so
// a failed sweep stays visibly overdue.
func (p *Poller) check(ctx context.Context, sub *models.Subscription) {
	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	urls, err := p.channels.LatestVideoURLs(fctx, sub.ChannelURL, p.maxVideos)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Channel check failed",
			"subscription_id", sub.ID,
			"channel_url", sub.ChannelURL,
			"error", err)
		return
	}

	queued := 0
	for _, url := range urls {
		created, err := p.enqueue(ctx, sub, url)
		if err != nil {
			p.logger.Error("Failed to queue discovered video",
				"subscription_id", sub.ID, "url", url, "error", err)
			continue
		}
		if created {
			queued++
		}
	}

	if sub.IsResolved() {
		linked, err := p.items.LinkChannelItems(ctx, sub.UserID, sub.ChannelID, sub.ID)
		if err != nil {
			p.logger.Error("Failed to back-link channel items",
				"subscription_id", sub.ID, "error", err)
		} else if linked > 0 {
			p.logger.Info("Linked earlier items to subscription",
				"subscription_id", sub.ID, "count", linked)
		}
	}

	if err := p.subs.TouchLastChecked(ctx, sub.ID, models.Now()); err != nil {
		p.logger.Error("Failed to stamp subscription check",
			"subscription_id", sub.ID, "error", err)
	}

	if queued > 0 {
		p.logger.Info("Queued new channel uploads",
			"subscription_id", sub.ID,
			"channel_title", sub.Title,
			"count", queued)
	}
}

// enqueue creates a pending item for an upload unless the user already
// has it, matching by canonical video ID first and exact URL second.
// Reports whether an item was created.
func (p *Poller) enqueue(ctx context.Context, sub *models.Subscription, url string) (bool, error) {
	videoID := models.ExtractVideoID(url)
	if videoID != "" {
		existing, err := p.items.GetByUserAndVideoID(ctx, sub.UserID, videoID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}
	}
	existing, err := p.items.GetByUserAndURL(ctx, sub.UserID, url)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	item := &models.Item{
		UserID:         sub.UserID,
		URL:            url,
		SourceVideoID:  videoID,
		Stage:          models.StagePending,
		ChannelID:      sub.ChannelID,
		ChannelTitle:   sub.Title,
		SubscriptionID: &sub.ID,
	}
	if err := p.items.Create(ctx, item); err != nil {
		return false, err
	}

	if sub.AutoPlaylistID != nil {
		if err := p.playlists.AppendItem(ctx, *sub.AutoPlaylistID, item.ID); err != nil {
			p.logger.Error("Failed to append to auto playlist",
				"subscription_id", sub.ID,
				"playlist_id", *sub.AutoPlaylistID,
				"item_id", item.ID,
				"error", err)
		}
	}
	return true, nil
}
