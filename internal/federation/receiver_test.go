package federation

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mstcl/ibis/internal/resolver"
	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

type fakeReceiverStore struct {
	getArticleByAPID     func(ctx context.Context, apID string) (store.Article, error)
	updateArticleContent func(ctx context.Context, articleID int64, text, latestVersion string) error
	upsertEdit           func(ctx context.Context, item store.Edit) (store.Edit, error)
	getEditByAPID        func(ctx context.Context, apID string) (store.Edit, error)
	getEditByHash        func(ctx context.Context, articleID int64, hash string) (store.Edit, error)
	hasEditWithParent    func(ctx context.Context, articleID int64, previousVersion string) (bool, error)
	insertConflict       func(ctx context.Context, item store.Conflict) error
	ensureUserByName     func(ctx context.Context, name string) (store.User, error)
}

func newFakeReceiverStore() *fakeReceiverStore {
	return &fakeReceiverStore{
		getEditByAPID: func(ctx context.Context, apID string) (store.Edit, error) {
			return store.Edit{}, store.ErrNotFound
		},
		getEditByHash: func(ctx context.Context, articleID int64, hash string) (store.Edit, error) {
			return store.Edit{}, store.ErrNotFound
		},
		hasEditWithParent: func(ctx context.Context, articleID int64, previousVersion string) (bool, error) {
			return true, nil
		},
		ensureUserByName: func(ctx context.Context, name string) (store.User, error) {
			return store.User{ID: 7, Name: name}, nil
		},
		upsertEdit: func(ctx context.Context, item store.Edit) (store.Edit, error) {
			return item, nil
		},
	}
}

func (f *fakeReceiverStore) GetArticleByAPID(ctx context.Context, apID string) (store.Article, error) {
	return f.getArticleByAPID(ctx, apID)
}

func (f *fakeReceiverStore) UpdateArticleContent(ctx context.Context, articleID int64, text, latestVersion string) error {
	return f.updateArticleContent(ctx, articleID, text, latestVersion)
}

func (f *fakeReceiverStore) UpsertEdit(ctx context.Context, item store.Edit) (store.Edit, error) {
	return f.upsertEdit(ctx, item)
}

func (f *fakeReceiverStore) GetEditByAPID(ctx context.Context, apID string) (store.Edit, error) {
	return f.getEditByAPID(ctx, apID)
}

func (f *fakeReceiverStore) GetEditByHash(ctx context.Context, articleID int64, hash string) (store.Edit, error) {
	return f.getEditByHash(ctx, articleID, hash)
}

func (f *fakeReceiverStore) HasEditWithParent(ctx context.Context, articleID int64, previousVersion string) (bool, error) {
	return f.hasEditWithParent(ctx, articleID, previousVersion)
}

func (f *fakeReceiverStore) InsertConflict(ctx context.Context, item store.Conflict) error {
	return f.insertConflict(ctx, item)
}

func (f *fakeReceiverStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	return f.ensureUserByName(ctx, name)
}

type fakeObjectResolver struct {
	resolve func(ctx context.Context, id string) (resolver.Object, error)
	refresh func(ctx context.Context, id string) (resolver.Object, error)
}

func (f *fakeObjectResolver) Resolve(ctx context.Context, id string) (resolver.Object, error) {
	if f.resolve == nil {
		return resolver.Object{}, errors.New("unexpected Resolve call")
	}
	return f.resolve(ctx, id)
}

func (f *fakeObjectResolver) Refresh(ctx context.Context, id string) (resolver.Object, error) {
	if f.refresh == nil {
		return resolver.Object{}, errors.New("unexpected Refresh call")
	}
	return f.refresh(ctx, id)
}

type fakeFollowSink struct {
	addFollower  func(ctx context.Context, follower store.Instance) error
	markAccepted func(ctx context.Context, target store.Instance) error
}

func (f *fakeFollowSink) AddFollower(ctx context.Context, follower store.Instance) error {
	return f.addFollower(ctx, follower)
}

func (f *fakeFollowSink) MarkAccepted(ctx context.Context, target store.Instance) error {
	return f.markAccepted(ctx, target)
}

// fakeSender records fan-outs and delegates Accepts.
type fakeSender struct {
	sendAccept func(ctx context.Context, follower store.Instance, followActivityID string) error
	fanned     []store.Edit
}

func (f *fakeSender) SendToFollowers(ctx context.Context, article store.Article, edit *store.Edit) {
	if edit != nil {
		f.fanned = append(f.fanned, *edit)
	}
}

func (f *fakeSender) SendAccept(ctx context.Context, follower store.Instance, followActivityID string) error {
	return f.sendAccept(ctx, follower, followActivityID)
}

// makeDiff builds the patch text between two revisions and its version hash.
func makeDiff(t *testing.T, oldText, newText string) (diff, hash string) {
	t.Helper()
	dmp := diffmatchpatch.New()
	diff = dmp.PatchToText(dmp.PatchMake(oldText, newText))
	if diff == "" {
		t.Fatal("texts produced an empty diff")
	}
	sum := md5.Sum([]byte(diff))
	return diff, hex.EncodeToString(sum[:])
}

func signedActivity(t *testing.T, signer *HMACSigner, activity Activity) (payload []byte, signature string) {
	t.Helper()
	payload, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("marshal activity: %v", err)
	}
	return payload, signer.Sign(payload)
}

func newTestReceiver(st receiverStore, objects objectResolver, follows followSink, dispatcher activitySender, signer *HMACSigner) *Receiver {
	return NewReceiver(st, objects, version.NewChain(), follows, dispatcher, signer, zerolog.Nop())
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	signer := NewHMACSigner("secret")
	receiver := newTestReceiver(newFakeReceiverStore(), &fakeObjectResolver{}, &fakeFollowSink{}, &fakeSender{}, signer)

	payload, _ := signedActivity(t, signer, Activity{
		ID:     "act-1",
		Kind:   KindFollow,
		Actor:  "https://peer.example",
		Object: ActivityObject{GlobalID: "https://local.example"},
	})
	err := receiver.Receive(context.Background(), payload, "forged")
	if !errors.Is(err, resolver.ErrUntrustedSource) {
		t.Fatalf("expected ErrUntrustedSource, got %v", err)
	}
}

func TestReceiveRejectsMalformedPayload(t *testing.T) {
	signer := NewHMACSigner("secret")
	receiver := newTestReceiver(newFakeReceiverStore(), &fakeObjectResolver{}, &fakeFollowSink{}, &fakeSender{}, signer)

	payload := []byte("not json")
	err := receiver.Receive(context.Background(), payload, signer.Sign(payload))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReceiveUpdateAppliesCleanEdit(t *testing.T) {
	signer := NewHMACSigner("secret")
	articleAPID := "https://peer.example/article/Foo"
	diff, hash := makeDiff(t, "", "hello")

	article := store.Article{ID: 4, APID: articleAPID, Title: "Foo", LatestVersion: version.Root()}
	var savedEdit store.Edit
	var savedText, savedVersion string

	st := newFakeReceiverStore()
	st.getArticleByAPID = func(ctx context.Context, apID string) (store.Article, error) {
		if apID != articleAPID {
			t.Fatalf("unexpected article lookup %s", apID)
		}
		return article, nil
	}
	st.upsertEdit = func(ctx context.Context, item store.Edit) (store.Edit, error) {
		savedEdit = item
		return item, nil
	}
	st.updateArticleContent = func(ctx context.Context, articleID int64, text, latestVersion string) error {
		if articleID != article.ID {
			t.Fatalf("unexpected article id %d", articleID)
		}
		savedText, savedVersion = text, latestVersion
		return nil
	}

	sender := &fakeSender{}
	receiver := newTestReceiver(st, &fakeObjectResolver{}, &fakeFollowSink{}, sender, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:    "act-1",
		Kind:  KindUpdateArticle,
		Actor: "https://peer.example",
		Object: ActivityObject{
			GlobalID:        articleAPID + "/" + hash,
			Article:         articleAPID,
			Diff:            diff,
			Hash:            hash,
			PreviousVersion: version.Root(),
		},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if savedText != "hello" || savedVersion != hash {
		t.Fatalf("article advanced to (%q, %s), want (%q, %s)", savedText, savedVersion, "hello", hash)
	}
	if savedEdit.Hash != hash || savedEdit.CreatorID != 7 {
		t.Fatalf("edit not persisted correctly: %+v", savedEdit)
	}
	if len(sender.fanned) != 0 {
		t.Fatal("a mirrored article must not republish to followers")
	}
}

func TestReceiveUpdateOnLocalArticleFansOut(t *testing.T) {
	signer := NewHMACSigner("secret")
	articleAPID := "https://local.example/article/Foo"
	diff, hash := makeDiff(t, "", "hello")

	// Origin side of a forwarded mirror edit: the article lives here.
	article := store.Article{ID: 4, APID: articleAPID, Title: "Foo", LatestVersion: version.Root(), Local: true}

	st := newFakeReceiverStore()
	st.getArticleByAPID = func(ctx context.Context, apID string) (store.Article, error) {
		return article, nil
	}
	st.updateArticleContent = func(ctx context.Context, articleID int64, text, latestVersion string) error {
		return nil
	}

	sender := &fakeSender{}
	receiver := newTestReceiver(st, &fakeObjectResolver{}, &fakeFollowSink{}, sender, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:    "act-1",
		Kind:  KindUpdateArticle,
		Actor: "https://mirror.example",
		Object: ActivityObject{
			GlobalID:        articleAPID + "/" + hash,
			Article:         articleAPID,
			Diff:            diff,
			Hash:            hash,
			PreviousVersion: version.Root(),
		},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(sender.fanned) != 1 {
		t.Fatalf("followers saw %d updates, want 1", len(sender.fanned))
	}
	if sender.fanned[0].Hash != hash {
		t.Fatalf("republished edit %s, want %s", sender.fanned[0].Hash, hash)
	}
}

func TestReceiveUpdateRedeliveryIsNoOp(t *testing.T) {
	signer := NewHMACSigner("secret")
	diff, hash := makeDiff(t, "", "hello")
	editAPID := "https://peer.example/article/Foo/" + hash

	st := newFakeReceiverStore()
	st.getEditByAPID = func(ctx context.Context, apID string) (store.Edit, error) {
		if apID != editAPID {
			t.Fatalf("unexpected edit lookup %s", apID)
		}
		return store.Edit{APID: apID, Hash: hash}, nil
	}
	st.getArticleByAPID = func(ctx context.Context, apID string) (store.Article, error) {
		t.Fatal("redelivery must not touch the article")
		return store.Article{}, nil
	}

	receiver := newTestReceiver(st, &fakeObjectResolver{}, &fakeFollowSink{}, &fakeSender{}, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:    "act-1",
		Kind:  KindUpdateArticle,
		Actor: "https://peer.example",
		Object: ActivityObject{
			GlobalID:        editAPID,
			Article:         "https://peer.example/article/Foo",
			Diff:            diff,
			Hash:            hash,
			PreviousVersion: version.Root(),
		},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
}

func TestReceiveUpdateMissingAncestorRefetches(t *testing.T) {
	signer := NewHMACSigner("secret")
	articleAPID := "https://peer.example/article/Foo"

	_, hash1 := makeDiff(t, "", "hello")
	diff2, hash2 := makeDiff(t, "hello", "hello world")

	// Local mirror never saw the first edit.
	article := store.Article{ID: 4, APID: articleAPID, LatestVersion: version.Root()}
	refreshed := false
	var savedText, savedVersion string

	st := newFakeReceiverStore()
	st.getArticleByAPID = func(ctx context.Context, apID string) (store.Article, error) {
		return article, nil
	}
	st.updateArticleContent = func(ctx context.Context, articleID int64, text, latestVersion string) error {
		savedText, savedVersion = text, latestVersion
		return nil
	}

	objects := &fakeObjectResolver{
		refresh: func(ctx context.Context, id string) (resolver.Object, error) {
			refreshed = true
			// The refetch catches the mirror up to the origin's head.
			article.Text = "hello"
			article.LatestVersion = hash1
			return resolver.Object{Kind: resolver.KindArticle, Article: &article}, nil
		},
	}

	receiver := newTestReceiver(st, objects, &fakeFollowSink{}, &fakeSender{}, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:    "act-2",
		Kind:  KindUpdateArticle,
		Actor: "https://peer.example",
		Object: ActivityObject{
			GlobalID:        articleAPID + "/" + hash2,
			Article:         articleAPID,
			Diff:            diff2,
			Hash:            hash2,
			PreviousVersion: hash1,
		},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !refreshed {
		t.Fatal("expected an origin refetch")
	}
	if savedText != "hello world" || savedVersion != hash2 {
		t.Fatalf("article advanced to (%q, %s), want (%q, %s)", savedText, savedVersion, "hello world", hash2)
	}
}

func TestReceiveUpdateForkIsRecordedNotApplied(t *testing.T) {
	signer := NewHMACSigner("secret")
	articleAPID := "https://peer.example/article/Foo"

	_, headHash := makeDiff(t, "", "established text")
	forkDiff, forkHash := makeDiff(t, "", "competing text")

	article := store.Article{ID: 4, APID: articleAPID, Text: "established text", LatestVersion: headHash}
	var conflict store.Conflict
	var forkEdit store.Edit

	st := newFakeReceiverStore()
	st.getArticleByAPID = func(ctx context.Context, apID string) (store.Article, error) {
		return article, nil
	}
	st.updateArticleContent = func(ctx context.Context, articleID int64, text, latestVersion string) error {
		t.Fatal("fork must not rewrite article content")
		return nil
	}
	st.upsertEdit = func(ctx context.Context, item store.Edit) (store.Edit, error) {
		forkEdit = item
		return item, nil
	}
	st.insertConflict = func(ctx context.Context, item store.Conflict) error {
		conflict = item
		return nil
	}

	objects := &fakeObjectResolver{
		refresh: func(ctx context.Context, id string) (resolver.Object, error) {
			// Origin is already at the same head; nothing to catch up.
			return resolver.Object{Kind: resolver.KindArticle, Article: &article}, nil
		},
	}

	receiver := newTestReceiver(st, objects, &fakeFollowSink{}, &fakeSender{}, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:    "act-3",
		Kind:  KindUpdateArticle,
		Actor: "https://other.example",
		Object: ActivityObject{
			GlobalID:        articleAPID + "/" + forkHash,
			Article:         articleAPID,
			Diff:            forkDiff,
			Hash:            forkHash,
			PreviousVersion: version.Root(),
		},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if forkEdit.Hash != forkHash {
		t.Fatalf("forked edit not persisted: %+v", forkEdit)
	}
	if conflict.EditAPID != articleAPID+"/"+forkHash || conflict.Hash != forkHash {
		t.Fatalf("conflict not recorded: %+v", conflict)
	}
	if conflict.PreviousVersion != version.Root() {
		t.Fatalf("conflict parent = %s, want root", conflict.PreviousVersion)
	}
}

func TestReceiveFollowRecordsAndAccepts(t *testing.T) {
	signer := NewHMACSigner("secret")
	peer := store.Instance{ID: 2, APID: "https://peer.example", Domain: "peer.example", Inbox: "https://peer.example/inbox"}

	var added store.Instance
	var acceptedID string

	objects := &fakeObjectResolver{
		resolve: func(ctx context.Context, id string) (resolver.Object, error) {
			if id != peer.APID {
				t.Fatalf("unexpected resolve %s", id)
			}
			return resolver.Object{Kind: resolver.KindInstance, Instance: &peer}, nil
		},
	}
	follows := &fakeFollowSink{
		addFollower: func(ctx context.Context, follower store.Instance) error {
			added = follower
			return nil
		},
	}
	dispatcher := &fakeSender{
		sendAccept: func(ctx context.Context, follower store.Instance, followActivityID string) error {
			acceptedID = followActivityID
			return nil
		},
	}

	receiver := newTestReceiver(newFakeReceiverStore(), objects, follows, dispatcher, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:     "act-follow-1",
		Kind:   KindFollow,
		Actor:  peer.APID,
		Object: ActivityObject{GlobalID: "https://local.example"},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if added.APID != peer.APID {
		t.Fatalf("follower not recorded: %+v", added)
	}
	if acceptedID != "act-follow-1" {
		t.Fatalf("accept echoed %q, want the follow id", acceptedID)
	}
}

func TestReceiveAcceptMarksFollowAccepted(t *testing.T) {
	signer := NewHMACSigner("secret")
	peer := store.Instance{ID: 2, APID: "https://peer.example", Domain: "peer.example"}

	var marked store.Instance
	objects := &fakeObjectResolver{
		resolve: func(ctx context.Context, id string) (resolver.Object, error) {
			return resolver.Object{Kind: resolver.KindInstance, Instance: &peer}, nil
		},
	}
	follows := &fakeFollowSink{
		markAccepted: func(ctx context.Context, target store.Instance) error {
			marked = target
			return nil
		},
	}

	receiver := newTestReceiver(newFakeReceiverStore(), objects, follows, &fakeSender{}, signer)
	payload, signature := signedActivity(t, signer, Activity{
		ID:     "act-accept-1",
		Kind:   KindAccept,
		Actor:  peer.APID,
		Object: ActivityObject{GlobalID: "follow-activity-9"},
	})

	if err := receiver.Receive(context.Background(), payload, signature); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if marked.APID != peer.APID {
		t.Fatalf("accept not recorded: %+v", marked)
	}
}
