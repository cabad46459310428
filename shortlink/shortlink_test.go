package shortlink

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/onnwee/ttsbot-control/store"
)

var slugRe = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"https://example.com/a?b=c", true},
		{"  http://example.com  ", true},
		{"ftp://example.com", false},
		{"example.com", false},
		{"/relative/path", false},
		{"https://", false},
		{"", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		_, err := ValidateURL(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateURL(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory())
	svc := NewService(repo, "https://tts.example.com/")

	c, err := svc.Create(ctx, "https://example.com/page")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !slugRe.MatchString(c.Slug) {
		t.Errorf("slug %q not 12 hex chars", c.Slug)
	}
	if c.ShortURL != "https://tts.example.com/s/"+c.Slug {
		t.Errorf("shortUrl = %s", c.ShortURL)
	}

	target, err := svc.Resolve(ctx, c.Slug)
	if err != nil || target != "https://example.com/page" {
		t.Fatalf("Resolve() = %q, %v", target, err)
	}
	l, _ := repo.GetShortLink(ctx, c.Slug)
	if l.Clicks != 1 {
		t.Errorf("clicks = %d, want 1", l.Clicks)
	}

	if _, err := svc.Resolve(ctx, "000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown slug err = %v", err)
	}
	if _, err := svc.Resolve(ctx, "../etc"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("malformed slug err = %v", err)
	}
}

type countingCreates struct {
	store.Backend
	creates int
}

func (c *countingCreates) Create(ctx context.Context, collection, id string, f store.Fields) error {
	c.creates++
	return c.Backend.Create(ctx, collection, id, f)
}

func TestInvalidURLWritesNothing(t *testing.T) {
	b := &countingCreates{Backend: store.NewMemory()}
	svc := NewService(store.NewRepo(b), "https://x")
	if _, err := svc.Create(context.Background(), "not a url"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("err = %v", err)
	}
	if b.creates != 0 {
		t.Errorf("creates = %d, want 0", b.creates)
	}
}

type failingIncrement struct{ store.Backend }

func (failingIncrement) Increment(context.Context, string, string, string, int64) error {
	return errors.New("quota exceeded")
}

func TestResolveToleratesIncrementFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewRepo(failingIncrement{store.NewMemory()}), "https://x")
	c, err := svc.Create(ctx, "https://example.com")
	if err != nil {
		t.Fatal(err)
	}
	target, err := svc.Resolve(ctx, c.Slug)
	if err != nil || target != "https://example.com" {
		t.Errorf("Resolve() = %q, %v", target, err)
	}
}
