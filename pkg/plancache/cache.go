// Package plancache - ограниченный кэш скомпилированных планов запросов.
//
// Ключ - xxh3-128 от слоя, отпечатка схемы, диалекта, вида плана и формы
// запроса без литералов. Одновременные промахи по одному ключу
// компилируются один раз (singleflight), ошибки компиляции не кэшируются.
package plancache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/ruslano69/featurestore/pkg/dialect"
)

// DefaultCapacity - число планов по умолчанию
const DefaultCapacity = 1024

// Key - структурный хеш формы запроса
type Key = xxh3.Uint128

// EventType - событие кэша для метрик
type EventType string

const (
	EventHit        EventType = "hit"
	EventMiss       EventType = "miss"
	EventShared     EventType = "shared" // ожидание чужой компиляции
	EventCompile    EventType = "compile"
	EventError      EventType = "error"
	EventEvict      EventType = "evict"
	EventInvalidate EventType = "invalidate"
)

// Config - настройки кэша
type Config struct {
	Capacity int `yaml:"capacity"`
	// OnEvent вызывается синхронно; не должен обращаться к кэшу
	OnEvent func(layer string, ev EventType) `yaml:"-"`
}

// Stats - счетчики кэша
type Stats struct {
	Hits        uint64
	Misses      uint64
	Compiles    uint64
	Errors      uint64
	Evictions   uint64
	Invalidated uint64
	Size        int
}

type entry struct {
	layer string
	plan  *dialect.Plan
}

// Cache - потокобезопасный LRU планов с single-flight компиляцией
type Cache struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[Key, entry]
	layers map[string]map[Key]struct{}
	group  singleflight.Group

	onEvent func(layer string, ev EventType)

	hits, misses, compiles, errors, evictions, invalidated atomic.Uint64
}

// New создает кэш
func New(cfg Config) (*Cache, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		layers:  make(map[string]map[Key]struct{}),
		onEvent: cfg.OnEvent,
	}
	lru, err := simplelru.NewLRU(capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("plan cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// KeyFor вычисляет ключ плана
func KeyFor(layer string, fingerprint uint64, dialectName string, kind dialect.PlanKind, s *dialect.Shape) Key {
	buf := make([]byte, 0, 128)
	buf = binary.AppendUvarint(buf, uint64(len(layer)))
	buf = append(buf, layer...)
	buf = binary.BigEndian.AppendUint64(buf, fingerprint)
	buf = binary.AppendUvarint(buf, uint64(len(dialectName)))
	buf = append(buf, dialectName...)
	buf = append(buf, byte(kind))
	buf = s.AppendKey(buf)
	return xxh3.Hash128(buf)
}

func (c *Cache) emit(layer string, ev EventType) {
	if c.onEvent != nil {
		c.onEvent(layer, ev)
	}
}

// onEvict вызывается под c.mu
func (c *Cache) onEvict(k Key, e entry) {
	if keys, ok := c.layers[e.layer]; ok {
		delete(keys, k)
		if len(keys) == 0 {
			delete(c.layers, e.layer)
		}
	}
}

func (c *Cache) lookup(k Key) (*dialect.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return e.plan, true
}

func (c *Cache) store(k Key, layer string, p *dialect.Plan) {
	c.mu.Lock()
	evicted := c.lru.Add(k, entry{layer: layer, plan: p})
	keys, ok := c.layers[layer]
	if !ok {
		keys = make(map[Key]struct{})
		c.layers[layer] = keys
	}
	keys[k] = struct{}{}
	c.mu.Unlock()
	if evicted {
		c.evictions.Add(1)
		c.emit(layer, EventEvict)
	}
}

// Get возвращает план из кэша или компилирует его. Пока идет компиляция,
// остальные запросившие тот же ключ ждут ее результат; ожидание
// прерывается отменой ctx, сама компиляция при этом продолжается.
func (c *Cache) Get(ctx context.Context, k Key, layer string, compile func() (*dialect.Plan, error)) (*dialect.Plan, error) {
	if p, ok := c.lookup(k); ok {
		c.hits.Add(1)
		c.emit(layer, EventHit)
		return p, nil
	}
	c.misses.Add(1)
	c.emit(layer, EventMiss)

	b := k.Bytes()
	ch := c.group.DoChan(string(b[:]), func() (any, error) {
		// план мог появиться, пока ключ не был занят
		if p, ok := c.lookup(k); ok {
			return p, nil
		}
		p, err := compile()
		if err != nil {
			c.errors.Add(1)
			c.emit(layer, EventError)
			return nil, err
		}
		c.compiles.Add(1)
		c.emit(layer, EventCompile)
		c.store(k, layer, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.emit(layer, EventShared)
		}
		return r.Val.(*dialect.Plan), nil
	}
}

// InvalidateLayer удаляет все планы слоя. Планы, компиляция которых
// идет сейчас, попадут в кэш под ключом старого отпечатка схемы и
// больше не будут запрошены.
func (c *Cache) InvalidateLayer(layer string) int {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.layers[layer]))
	for k := range c.layers[layer] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
	delete(c.layers, layer)
	c.mu.Unlock()

	if len(keys) > 0 {
		c.invalidated.Add(uint64(len(keys)))
		c.emit(layer, EventInvalidate)
	}
	return len(keys)
}

// Purge очищает кэш
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.layers = make(map[string]map[Key]struct{})
}

// Len - число планов в кэше
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats возвращает снимок счетчиков
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Compiles:    c.compiles.Load(),
		Errors:      c.errors.Load(),
		Evictions:   c.evictions.Load(),
		Invalidated: c.invalidated.Load(),
		Size:        c.Len(),
	}
}
