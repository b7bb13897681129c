package federation

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestActivityValidate(t *testing.T) {
	cases := []struct {
		name    string
		item    Activity
		wantErr bool
	}{
		{
			name: "valid create",
			item: Activity{
				ID:    "act-1",
				Kind:  KindCreateArticle,
				Actor: "https://a.example",
				Object: ActivityObject{
					GlobalID:      "https://a.example/article/Foo",
					Title:         "Foo",
					LatestVersion: "abc",
				},
			},
		},
		{
			name: "create missing title",
			item: Activity{
				ID:    "act-2",
				Kind:  KindCreateArticle,
				Actor: "https://a.example",
				Object: ActivityObject{
					GlobalID:      "https://a.example/article/Foo",
					LatestVersion: "abc",
				},
			},
			wantErr: true,
		},
		{
			name: "valid update",
			item: Activity{
				ID:    "act-3",
				Kind:  KindUpdateArticle,
				Actor: "https://a.example",
				Object: ActivityObject{
					GlobalID:        "https://a.example/article/Foo/def",
					Article:         "https://a.example/article/Foo",
					Diff:            "@@ -0,0 +1 @@\n+x\n",
					PreviousVersion: "abc",
					Hash:            "def",
				},
			},
		},
		{
			name: "update without baseline",
			item: Activity{
				ID:    "act-4",
				Kind:  KindUpdateArticle,
				Actor: "https://a.example",
				Object: ActivityObject{
					GlobalID: "https://a.example/article/Foo/def",
					Article:  "https://a.example/article/Foo",
					Diff:     "@@ -0,0 +1 @@\n+x\n",
					Hash:     "def",
				},
			},
			wantErr: true,
		},
		{
			name: "valid follow",
			item: Activity{
				ID:     "act-5",
				Kind:   KindFollow,
				Actor:  "https://b.example",
				Object: ActivityObject{GlobalID: "https://a.example"},
			},
		},
		{
			name:    "missing actor",
			item:    Activity{ID: "act-6", Kind: KindFollow, Object: ActivityObject{GlobalID: "https://a.example"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			item:    Activity{ID: "act-7", Kind: "Delete", Actor: "https://a.example"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.item.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHMACSignerRoundTrip(t *testing.T) {
	signer := NewHMACSigner("shared-secret")
	payload := []byte(`{"id":"act-1"}`)

	signature := signer.Sign(payload)
	if signature == "" {
		t.Fatal("empty signature")
	}
	if err := signer.Verify(payload, signature); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := signer.Verify([]byte(`{"id":"act-2"}`), signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	other := NewHMACSigner("different-secret")
	if err := other.Verify(payload, signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature across secrets, got %v", err)
	}
}

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
	}

	if got := NextBackoffDelay(cfg, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != 400*time.Millisecond {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := NextBackoffDelay(cfg, 4, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt 4 should cap at max: got %v", got)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))

	for attempt := 2; attempt <= 5; attempt++ {
		base := float64(cfg.InitialDelay) * pow(cfg.Multiplier, attempt-1)
		got := NextBackoffDelay(cfg, attempt, rng)
		if float64(got) < base*0.5 || float64(got) > base*1.5 {
			t.Fatalf("attempt %d: %v outside jitter bounds of base %v", attempt, got, time.Duration(base))
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
