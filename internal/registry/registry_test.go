package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/store"
)

type fakeRegistryStore struct {
	getLocalInstance func(ctx context.Context) (store.Instance, error)
	upsertInstance   func(ctx context.Context, item store.Instance) (store.Instance, error)
	createFollow     func(ctx context.Context, followerID, targetID int64) (bool, error)
	acceptFollow     func(ctx context.Context, followerID, targetID int64) error
	listFollowers    func(ctx context.Context, targetID int64) ([]store.Instance, error)
}

func (f *fakeRegistryStore) GetLocalInstance(ctx context.Context) (store.Instance, error) {
	return f.getLocalInstance(ctx)
}

func (f *fakeRegistryStore) UpsertInstance(ctx context.Context, item store.Instance) (store.Instance, error) {
	return f.upsertInstance(ctx, item)
}

func (f *fakeRegistryStore) CreateFollow(ctx context.Context, followerID, targetID int64) (bool, error) {
	return f.createFollow(ctx, followerID, targetID)
}

func (f *fakeRegistryStore) AcceptFollow(ctx context.Context, followerID, targetID int64) error {
	return f.acceptFollow(ctx, followerID, targetID)
}

func (f *fakeRegistryStore) ListFollowers(ctx context.Context, targetID int64) ([]store.Instance, error) {
	return f.listFollowers(ctx, targetID)
}

func localInstance() store.Instance {
	return store.Instance{ID: 1, APID: "https://local.example", Domain: "local.example", Local: true}
}

func TestFollowCreatesRelationOnce(t *testing.T) {
	peer := store.Instance{ID: 2, APID: "https://peer.example", Domain: "peer.example"}
	calls := 0

	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
		createFollow: func(ctx context.Context, followerID, targetID int64) (bool, error) {
			calls++
			if followerID != 1 || targetID != 2 {
				t.Fatalf("follow recorded as %d -> %d", followerID, targetID)
			}
			return calls == 1, nil
		},
	}
	registry := New(st, zerolog.Nop())

	created, err := registry.Follow(context.Background(), peer)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if !created {
		t.Fatal("first follow should report created")
	}

	created, err = registry.Follow(context.Background(), peer)
	if err != nil {
		t.Fatalf("repeated Follow: %v", err)
	}
	if created {
		t.Fatal("repeated follow should not report created")
	}
}

func TestFollowPersistsUnsavedInstance(t *testing.T) {
	fetched := store.Instance{APID: "https://peer.example", Domain: "peer.example", Inbox: "https://peer.example/inbox"}

	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
		upsertInstance: func(ctx context.Context, item store.Instance) (store.Instance, error) {
			if item.APID != fetched.APID {
				t.Fatalf("unexpected upsert %+v", item)
			}
			item.ID = 9
			return item, nil
		},
		createFollow: func(ctx context.Context, followerID, targetID int64) (bool, error) {
			if targetID != 9 {
				t.Fatalf("follow should target the persisted row, got %d", targetID)
			}
			return true, nil
		},
	}
	registry := New(st, zerolog.Nop())

	if _, err := registry.Follow(context.Background(), fetched); err != nil {
		t.Fatalf("Follow: %v", err)
	}
}

func TestFollowRejectsSelf(t *testing.T) {
	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
	}
	registry := New(st, zerolog.Nop())

	_, err := registry.Follow(context.Background(), localInstance())
	if !errors.Is(err, ErrSelfFollow) {
		t.Fatalf("expected ErrSelfFollow, got %v", err)
	}
}

func TestAddFollowerRecordsAndAccepts(t *testing.T) {
	peer := store.Instance{ID: 3, APID: "https://peer.example", Domain: "peer.example"}
	var followCreated, followAccepted bool

	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
		createFollow: func(ctx context.Context, followerID, targetID int64) (bool, error) {
			if followerID != 3 || targetID != 1 {
				t.Fatalf("inbound follow recorded as %d -> %d", followerID, targetID)
			}
			followCreated = true
			return true, nil
		},
		acceptFollow: func(ctx context.Context, followerID, targetID int64) error {
			if followerID != 3 || targetID != 1 {
				t.Fatalf("accept recorded as %d -> %d", followerID, targetID)
			}
			followAccepted = true
			return nil
		},
	}
	registry := New(st, zerolog.Nop())

	if err := registry.AddFollower(context.Background(), peer); err != nil {
		t.Fatalf("AddFollower: %v", err)
	}
	if !followCreated || !followAccepted {
		t.Fatalf("created=%v accepted=%v, want both", followCreated, followAccepted)
	}
}

func TestMarkAcceptedFlipsOutboundFollow(t *testing.T) {
	peer := store.Instance{ID: 2, APID: "https://peer.example", Domain: "peer.example"}
	accepted := false

	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
		acceptFollow: func(ctx context.Context, followerID, targetID int64) error {
			if followerID != 1 || targetID != 2 {
				t.Fatalf("accept recorded as %d -> %d", followerID, targetID)
			}
			accepted = true
			return nil
		},
	}
	registry := New(st, zerolog.Nop())

	if err := registry.MarkAccepted(context.Background(), peer); err != nil {
		t.Fatalf("MarkAccepted: %v", err)
	}
	if !accepted {
		t.Fatal("accept not recorded")
	}
}

func TestFollowersListsLocalAudience(t *testing.T) {
	st := &fakeRegistryStore{
		getLocalInstance: func(ctx context.Context) (store.Instance, error) {
			return localInstance(), nil
		},
		listFollowers: func(ctx context.Context, targetID int64) ([]store.Instance, error) {
			if targetID != 1 {
				t.Fatalf("listed followers of %d, want 1", targetID)
			}
			return []store.Instance{{ID: 2, Domain: "peer.example"}}, nil
		},
	}
	registry := New(st, zerolog.Nop())

	followers, err := registry.Followers(context.Background())
	if err != nil {
		t.Fatalf("Followers: %v", err)
	}
	if len(followers) != 1 || followers[0].Domain != "peer.example" {
		t.Fatalf("unexpected followers %+v", followers)
	}
}
