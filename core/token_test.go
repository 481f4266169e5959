package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

type countingResolver struct {
	mu     sync.Mutex
	calls  int32
	tokens []string
	err    error
	block  chan struct{}
}

func (r *countingResolver) Resolve(ctx context.Context, sessionID schema.SessionID) (string, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	n := atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return "", r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	index := int(n) - 1
	if index >= len(r.tokens) {
		index = len(r.tokens) - 1
	}
	return r.tokens[index], nil
}

func TestTokenCacheResolvesOnce(t *testing.T) {
	resolver := &countingResolver{tokens: []string{"tok-a"}}
	cache := newTokenCache(resolver, "sess-1", nil)

	for i := 0; i < 3; i++ {
		token, err := cache.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if token != "tok-a" {
			t.Fatalf("expected tok-a, got %q", token)
		}
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected 1 resolve call, got %d", got)
	}
}

func TestTokenCacheInvalidateMatching(t *testing.T) {
	resolver := &countingResolver{tokens: []string{"tok-a", "tok-b"}}
	cache := newTokenCache(resolver, "sess-1", nil)

	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	cache.Invalidate("tok-a")
	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token after invalidate: %v", err)
	}
	if token != "tok-b" {
		t.Fatalf("expected re-resolved tok-b, got %q", token)
	}
}

func TestTokenCacheInvalidateStaleIgnored(t *testing.T) {
	resolver := &countingResolver{tokens: []string{"tok-a"}}
	cache := newTokenCache(resolver, "sess-1", nil)

	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	// A second channel reporting the token it used before the refresh
	// must not discard the fresh one.
	cache.Invalidate("tok-old")
	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-a" {
		t.Fatalf("expected cached tok-a to survive, got %q", token)
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected no extra resolve, got %d calls", got)
	}
}

func TestTokenCacheSingleFlight(t *testing.T) {
	resolver := &countingResolver{tokens: []string{"tok-a"}, block: make(chan struct{})}
	cache := newTokenCache(resolver, "sess-1", nil)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			if err != nil {
				t.Errorf("token: %v", err)
				return
			}
			results[i] = token
		}(i)
	}
	close(resolver.block)
	wg.Wait()

	for i, token := range results {
		if token != "tok-a" {
			t.Fatalf("caller %d got %q", i, token)
		}
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected single shared resolve, got %d", got)
	}
}

func TestTokenCacheResolveErrorNotCached(t *testing.T) {
	resolver := &countingResolver{err: errors.New("provider down")}
	cache := newTokenCache(resolver, "sess-1", nil)

	if _, err := cache.Token(context.Background()); err == nil {
		t.Fatalf("expected resolve error")
	}
	resolver.err = nil
	resolver.tokens = []string{"tok-a"}
	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("token after recovery: %v", err)
	}
	if token != "tok-a" {
		t.Fatalf("expected tok-a after recovery, got %q", token)
	}
}
