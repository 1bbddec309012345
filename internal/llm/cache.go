package llm

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
)

// ResponseStore persists responses across processes.
type ResponseStore interface {
	GetResponse(ctx context.Context, key string) (*Response, bool, error)
	PutResponse(ctx context.Context, key, model string, resp *Response) error
}

// CacheKey identifies a call by model and both prompts.
func CacheKey(model, system, prompt string) string {
	h := xxh3.HashString128(model + "\x00" + system + "\x00" + prompt)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// CachedGenerator consults an in-memory LRU, then an optional persistent
// store, before calling the wrapped generator. Cache hits cost nothing.
type CachedGenerator struct {
	next  Generator
	mem   *lru.Cache[string, Response]
	store ResponseStore
}

// NewCachedGenerator wraps next. store may be nil.
func NewCachedGenerator(next Generator, size int, store ResponseStore) (*CachedGenerator, error) {
	if size <= 0 {
		size = 256
	}
	mem, err := lru.New[string, Response](size)
	if err != nil {
		return nil, err
	}
	return &CachedGenerator{next: next, mem: mem, store: store}, nil
}

func (g *CachedGenerator) Generate(ctx context.Context, r Request) (*Response, error) {
	key := CacheKey(r.Model, r.System, r.Prompt)

	if hit, ok := g.mem.Get(key); ok {
		log.Debug("Response cache hit (memory): %s", key)
		return cachedCopy(hit), nil
	}

	if g.store != nil {
		hit, ok, err := g.store.GetResponse(ctx, key)
		if err != nil {
			log.Warn("Response cache read failed: %v", err)
		} else if ok {
			log.Debug("Response cache hit (store): %s", key)
			g.mem.Add(key, *hit)
			return cachedCopy(*hit), nil
		}
	}

	resp, err := g.next.Generate(ctx, r)
	if err != nil {
		return nil, err
	}

	g.mem.Add(key, *resp)
	if g.store != nil {
		if err := g.store.PutResponse(ctx, key, r.Model, resp); err != nil {
			log.Warn("Response cache write failed: %v", err)
		}
	}
	return resp, nil
}

func cachedCopy(r Response) *Response {
	r.Cached = true
	r.Cost = 0
	return &r
}
