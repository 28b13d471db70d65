package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/1Password/connect-sdk-go/onepassword"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeItems struct {
	items      map[string]*onepassword.Item // by title
	titleCalls int
	listErr    error
}

func (f *fakeItems) GetItemsByTitle(title, vault string) ([]onepassword.Item, error) {
	f.titleCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if item, ok := f.items[vault+"/"+title]; ok {
		return []onepassword.Item{{ID: item.ID, Title: item.Title}}, nil
	}
	return nil, nil
}

func (f *fakeItems) GetItem(id, vault string) (*onepassword.Item, error) {
	for _, item := range f.items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, errors.New("status 404: item not found")
}

func newFake() *fakeItems {
	return &fakeItems{items: map[string]*onepassword.Item{
		"infra/pingrelay-db": {
			ID:    "item-1",
			Title: "pingrelay-db",
			Fields: []*onepassword.ItemField{
				{ID: "username", Label: "username", Value: "pingrelay"},
				{ID: "f2", Label: "URL", Value: "postgres://pingrelay@db/pingrelay"},
			},
		},
	}}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		want    Reference
		wantErr bool
	}{
		{"op://infra/pingrelay-db/url", Reference{"infra", "pingrelay-db", "url"}, false},
		{"op://infra/pingrelay-db", Reference{}, true},
		{"op://infra//url", Reference{}, true},
		{"op://a/b/c/d", Reference{}, true},
		{"postgres://localhost", Reference{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReference) {
					t.Errorf("error = %v, want ErrInvalidReference", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestOnePasswordResolver(t *testing.T) {
	fake := newFake()
	r := newOnePasswordResolver(fake, testLogger())
	ctx := context.Background()

	// Field labels match case-insensitively
	v, err := r.Resolve(ctx, "op://infra/pingrelay-db/url")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "postgres://pingrelay@db/pingrelay" {
		t.Errorf("Resolve = %q", v)
	}

	r.Resolve(ctx, "op://infra/pingrelay-db/url")
	if fake.titleCalls != 1 {
		t.Errorf("expected cached second lookup, got %d calls", fake.titleCalls)
	}

	if v, _ := r.Resolve(ctx, "redis://localhost:6379"); v != "redis://localhost:6379" {
		t.Errorf("plain value changed: %q", v)
	}
}

func TestOnePasswordResolver_NotFound(t *testing.T) {
	r := newOnePasswordResolver(newFake(), testLogger())
	ctx := context.Background()

	for _, ref := range []string{
		"op://infra/missing/url",
		"op://infra/pingrelay-db/password",
		"op://other/pingrelay-db/url",
	} {
		if _, err := r.Resolve(ctx, ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%s) error = %v, want ErrSecretNotFound", ref, err)
		}
	}

	fake := newFake()
	fake.listErr = errors.New("connection refused")
	r = newOnePasswordResolver(fake, testLogger())
	_, err := r.Resolve(ctx, "op://infra/pingrelay-db/url")
	if err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("transport error should surface as is, got %v", err)
	}
}

func TestNewResolver(t *testing.T) {
	ctx := context.Background()

	r, err := NewResolver(Config{Backend: "auto"}, testLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if v, _ := r.Resolve(ctx, "postgres://x"); v != "postgres://x" {
		t.Errorf("passthrough changed value: %q", v)
	}
	if _, err := r.Resolve(ctx, "op://a/b/c"); !errors.Is(err, ErrNoBackend) {
		t.Errorf("reference without backend error = %v, want ErrNoBackend", err)
	}

	if _, err := NewResolver(Config{Backend: "1password"}, testLogger()); err == nil {
		t.Error("1password backend without host/token should fail")
	}
	if _, err := NewResolver(Config{Backend: "vault"}, testLogger()); err == nil {
		t.Error("unknown backend should fail")
	}

	r, err = NewResolver(Config{OnePassword: OnePasswordConfig{Host: "http://connect:8080", Token: "t"}}, testLogger())
	if err != nil {
		t.Fatalf("NewResolver auto with Connect: %v", err)
	}
	if _, ok := r.(*OnePasswordResolver); !ok {
		t.Errorf("auto with Connect configured returned %T", r)
	}
}
