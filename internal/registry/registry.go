// Package registry tracks follow relations between the local instance and
// its peers, in both directions.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/store"
)

// ErrSelfFollow is returned when the local instance is asked to follow itself.
var ErrSelfFollow = errors.New("instance cannot follow itself")

type registryStore interface {
	GetLocalInstance(ctx context.Context) (store.Instance, error)
	UpsertInstance(ctx context.Context, item store.Instance) (store.Instance, error)
	CreateFollow(ctx context.Context, followerID, targetID int64) (bool, error)
	AcceptFollow(ctx context.Context, followerID, targetID int64) error
	ListFollowers(ctx context.Context, targetID int64) ([]store.Instance, error)
}

// Registry owns the follow table. It never performs deliveries itself; the
// service layer pairs a registry change with the matching activity send.
type Registry struct {
	store registryStore
	log   zerolog.Logger
}

func New(st registryStore, log zerolog.Logger) *Registry {
	return &Registry{
		store: st,
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// Follow records that the local instance follows target. Repeated calls are
// no-ops; created reports whether the relation is new and an activity should
// go out.
func (r *Registry) Follow(ctx context.Context, target store.Instance) (created bool, err error) {
	local, err := r.store.GetLocalInstance(ctx)
	if err != nil {
		return false, fmt.Errorf("local instance: %w", err)
	}
	target, err = r.ensureInstance(ctx, target)
	if err != nil {
		return false, err
	}
	if target.ID == local.ID {
		return false, ErrSelfFollow
	}

	created, err = r.store.CreateFollow(ctx, local.ID, target.ID)
	if err != nil {
		return false, fmt.Errorf("create follow: %w", err)
	}
	if created {
		r.log.Info().Str("target", target.Domain).Msg("follow recorded")
	}
	return created, nil
}

// MarkAccepted flips the local instance's follow of target to accepted, after
// the target's Accept activity arrived.
func (r *Registry) MarkAccepted(ctx context.Context, target store.Instance) error {
	local, err := r.store.GetLocalInstance(ctx)
	if err != nil {
		return fmt.Errorf("local instance: %w", err)
	}
	target, err = r.ensureInstance(ctx, target)
	if err != nil {
		return err
	}
	if err := r.store.AcceptFollow(ctx, local.ID, target.ID); err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	r.log.Info().Str("target", target.Domain).Msg("follow accepted by peer")
	return nil
}

// AddFollower records an inbound follow: the peer wants this instance's
// activities. Idempotent, and immediately accepted on our side.
func (r *Registry) AddFollower(ctx context.Context, follower store.Instance) error {
	local, err := r.store.GetLocalInstance(ctx)
	if err != nil {
		return fmt.Errorf("local instance: %w", err)
	}
	follower, err = r.ensureInstance(ctx, follower)
	if err != nil {
		return err
	}
	if follower.ID == local.ID {
		return ErrSelfFollow
	}

	created, err := r.store.CreateFollow(ctx, follower.ID, local.ID)
	if err != nil {
		return fmt.Errorf("create follow: %w", err)
	}
	if err := r.store.AcceptFollow(ctx, follower.ID, local.ID); err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	if created {
		r.log.Info().Str("follower", follower.Domain).Msg("new follower")
	}
	return nil
}

// Followers lists every instance following the local one. The dispatcher
// fans article activities out to this set.
func (r *Registry) Followers(ctx context.Context) ([]store.Instance, error) {
	local, err := r.store.GetLocalInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("local instance: %w", err)
	}
	return r.store.ListFollowers(ctx, local.ID)
}

// ensureInstance persists the instance row if the caller only carried the
// fetched representation.
func (r *Registry) ensureInstance(ctx context.Context, item store.Instance) (store.Instance, error) {
	if item.ID != 0 {
		return item, nil
	}
	saved, err := r.store.UpsertInstance(ctx, item)
	if err != nil {
		return store.Instance{}, fmt.Errorf("persist instance %s: %w", item.Domain, err)
	}
	return saved, nil
}
