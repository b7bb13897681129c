package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/store"
)

type followerSource interface {
	Followers(ctx context.Context) ([]store.Instance, error)
}

type DispatcherConfig struct {
	// Actor is the local instance's global identifier.
	Actor           string
	MaxAttempts     int
	DeliveryTimeout time.Duration
	Backoff         BackoffConfig
}

// Dispatcher builds activities and delivers them to peer inboxes. Every
// delivery retries independently; a dead follower never blocks the rest.
type Dispatcher struct {
	cfg       DispatcherConfig
	client    *http.Client
	signer    Signer
	followers followerSource
	log       zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDispatcher(cfg DispatcherConfig, signer Signer, followers followerSource, log zerolog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Dispatcher{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.DeliveryTimeout},
		signer:    signer,
		followers: followers,
		log:       log.With().Str("component", "dispatcher").Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SendToFollowers fans an article activity out to every follower of the
// local instance. edit==nil announces a brand-new article (Create);
// otherwise one edit (Update). Deliveries run detached from the request
// context: the local edit already succeeded and must not be failed or
// blocked by slow peers.
func (d *Dispatcher) SendToFollowers(ctx context.Context, article store.Article, edit *store.Edit) {
	followers, err := d.followers.Followers(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("listing followers failed, skipping fan-out")
		return
	}

	activity := d.articleActivity(article, edit)
	for _, follower := range followers {
		if follower.Local {
			continue
		}
		inbox := follower.Inbox
		domain := follower.Domain
		go func() {
			deliverCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(d.cfg.MaxAttempts)*(d.cfg.DeliveryTimeout+d.cfg.Backoff.MaxDelay))
			defer cancel()
			if err := d.deliver(deliverCtx, inbox, activity); err != nil {
				d.log.Warn().Err(err).Str("follower", domain).
					Str("activity", activity.ID).Msg("delivery abandoned")
			}
		}()
	}
}

// SendToOrigin forwards an edit of a mirrored article to the instance
// holding the authoritative copy. Synchronous: the caller surfaces or
// queues the failure.
func (d *Dispatcher) SendToOrigin(ctx context.Context, article store.Article, edit store.Edit, origin store.Instance) error {
	activity := d.articleActivity(article, &edit)
	if err := d.deliver(ctx, origin.Inbox, activity); err != nil {
		return fmt.Errorf("%w: origin %s: %v", ErrDeliveryFailed, origin.Domain, err)
	}
	return nil
}

// SendFollow announces that the local instance wants the target's activities.
func (d *Dispatcher) SendFollow(ctx context.Context, target store.Instance) error {
	activity := Activity{
		ID:     uuid.NewString(),
		Kind:   KindFollow,
		Actor:  d.cfg.Actor,
		Object: ActivityObject{GlobalID: target.APID},
	}
	if err := d.deliver(ctx, target.Inbox, activity); err != nil {
		return fmt.Errorf("%w: follow %s: %v", ErrDeliveryFailed, target.Domain, err)
	}
	return nil
}

// SendAccept confirms a follow request back to the new follower.
func (d *Dispatcher) SendAccept(ctx context.Context, follower store.Instance, followActivityID string) error {
	activity := Activity{
		ID:     uuid.NewString(),
		Kind:   KindAccept,
		Actor:  d.cfg.Actor,
		Object: ActivityObject{GlobalID: followActivityID},
	}
	if err := d.deliver(ctx, follower.Inbox, activity); err != nil {
		return fmt.Errorf("%w: accept to %s: %v", ErrDeliveryFailed, follower.Domain, err)
	}
	return nil
}

func (d *Dispatcher) articleActivity(article store.Article, edit *store.Edit) Activity {
	if edit == nil {
		return Activity{
			ID:    uuid.NewString(),
			Kind:  KindCreateArticle,
			Actor: d.cfg.Actor,
			Object: ActivityObject{
				GlobalID:      article.APID,
				Title:         article.Title,
				Text:          article.Text,
				LatestVersion: article.LatestVersion,
			},
		}
	}
	return Activity{
		ID:    uuid.NewString(),
		Kind:  KindUpdateArticle,
		Actor: d.cfg.Actor,
		Object: ActivityObject{
			GlobalID:        edit.APID,
			Article:         article.APID,
			Title:           article.Title,
			Diff:            edit.Diff,
			Summary:         edit.Summary,
			PreviousVersion: edit.PreviousVersion,
			Hash:            edit.Hash,
			Created:         edit.Created,
		},
	}
}

func (d *Dispatcher) deliver(ctx context.Context, inbox string, activity Activity) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	signature := d.signer.Sign(payload)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.rngMu.Lock()
			delay := NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
			d.rngMu.Unlock()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.post(ctx, inbox, payload, signature)
		if lastErr == nil {
			return nil
		}
		d.log.Debug().Err(lastErr).Str("inbox", inbox).Int("attempt", attempt).
			Str("activity", activity.ID).Msg("delivery attempt failed")
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, inbox string, payload []byte, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ibis-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("inbox returned status %d", resp.StatusCode)
	}
	return nil
}
