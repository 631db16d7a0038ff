// Package atlas implements the single-level-store page cache: a fixed-slot,
// LRU-managed window over the Atlas virtual region, demand-fetched from
// NVMe and written back on eviction.
package atlas

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/nvme"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

// DefaultSlots is the default number of cache slots.
const DefaultSlots = 256

// noSlot is the nil value of LRU slot links.
const noSlot = ^uint32(0)

type entryState uint8

const (
	stateInvalid entryState = iota
	stateClean
	stateDirty
	stateWriting
)

type entry struct {
	offset     uint64
	buf        *dma.Buffer
	state      entryState
	accessTime uint64
	pinned     bool
	prev, next uint32
}

// Config configures the cache.
type Config struct {
	Controller *nvme.Controller
	Mapper     dma.Mapper
	Voids      *void.Table

	// Slots 0 means DefaultSlots.
	Slots uint32
}

// Stats are cache effectiveness counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// New creates the cache. Page buffers come from one arena sized for the
// full slot table but are handed to slots lazily on first fault. The
// returned function releases the arena.
func New(config Config) (*Cache, func(), error) {
	if config.Slots == 0 {
		config.Slots = DefaultSlots
	}
	if config.Controller.BlockSize() != types.SectorSize {
		return nil, nil, errors.Errorf("namespace block size %d, cache requires %d",
			config.Controller.BlockSize(), types.SectorSize)
	}

	arena, closeArena, err := dma.NewArena(config.Mapper, types.PageSize, uint64(config.Slots))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "page arena allocation failed")
	}

	entries := make([]entry, config.Slots)
	for i := range entries {
		entries[i].prev = noSlot
		entries[i].next = noSlot
	}

	return &Cache{
		config:   config,
		entries:  entries,
		resident: map[uint64]uint32{},
		pagePool: dma.NewPool(arena),
		lruHead:  noSlot,
		lruTail:  noSlot,
	}, closeArena, nil
}

// Cache is the Atlas page cache. It is single-threaded: the LRU list and
// state transitions have no internal synchronization, so it must be owned
// by one goroutine or guarded by an external lock held across the NVMe
// submit/poll pair.
type Cache struct {
	config   Config
	entries  []entry
	resident map[uint64]uint32
	pagePool *dma.Pool

	lruHead uint32
	lruTail uint32
	clock   uint64
	stats   Stats
}

// FetchPage returns the resident page holding the page-aligned offset,
// fetching it from NVMe on a miss and evicting the least recently used
// unpinned page if the table is full.
func (c *Cache) FetchPage(ctx context.Context, offset uint64) ([]byte, error) {
	offset &^= types.PageSize - 1

	if slot, exists := c.resident[offset]; exists {
		c.touch(slot)
		c.stats.Hits++
		return c.entries[slot].buf.Bytes(), nil
	}
	c.stats.Misses++

	slot, err := c.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	e := &c.entries[slot]
	if e.buf == nil {
		buf, err := c.pagePool.Acquire()
		if err != nil {
			// Cannot happen while slot count equals pool population.
			return nil, errors.WithStack(err)
		}
		e.buf = buf
	}

	lba := types.LBA(offset / types.SectorSize)
	if err := c.config.Controller.Read(ctx, lba, types.BlocksPerPage, e.buf); err != nil {
		c.pagePool.Release(e.buf)
		e.buf = nil
		return nil, c.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			offset, uint64(lba), "page fetch failed")
	}

	e.offset = offset
	e.state = stateClean
	c.resident[offset] = slot
	c.pushHead(slot)
	c.bump(slot)

	return e.buf.Bytes(), nil
}

// MarkDirty transitions a resident clean page to dirty. Not-resident and
// writing pages are left alone.
func (c *Cache) MarkDirty(offset uint64) {
	offset &^= types.PageSize - 1
	slot, exists := c.resident[offset]
	if !exists {
		return
	}
	if c.entries[slot].state == stateClean {
		c.entries[slot].state = stateDirty
	}
}

// Pin prevents the page at offset from being evicted. Returns false if the
// page is not resident.
func (c *Cache) Pin(offset uint64) bool {
	slot, exists := c.resident[offset&^uint64(types.PageSize-1)]
	if !exists {
		return false
	}
	c.entries[slot].pinned = true
	return true
}

// Unpin makes the page at offset evictable again.
func (c *Cache) Unpin(offset uint64) {
	if slot, exists := c.resident[offset&^uint64(types.PageSize-1)]; exists {
		c.entries[slot].pinned = false
	}
}

// FlushAll writes back every dirty page and then flushes the NVMe volatile
// cache. Pages whose writeback fails stay dirty for retry; the returned
// error aggregates the failures.
func (c *Cache) FlushAll(ctx context.Context) error {
	var failures uint64
	var lastID types.VoidID
	for slot := range c.entries {
		if c.entries[slot].state != stateDirty {
			continue
		}
		if err := c.writeback(ctx, uint32(slot)); err != nil {
			failures++
			lastID = void.IDOf(err)
		}
	}

	if err := c.config.Controller.Flush(ctx); err != nil {
		failures++
		lastID = void.IDOf(err)
	}

	if failures > 0 {
		return c.config.Voids.Fail(void.ReasonPropagated, lastID,
			failures, 0, "flush incomplete")
	}
	return nil
}

// Shutdown writes back all dirty pages and invalidates the table. The
// arena close function returned by New releases the page memory itself.
func (c *Cache) Shutdown(ctx context.Context) error {
	if err := c.FlushAll(ctx); err != nil {
		return err
	}
	for slot := range c.entries {
		e := &c.entries[slot]
		if e.state == stateInvalid {
			continue
		}
		c.unlink(uint32(slot))
		delete(c.resident, e.offset)
		c.pagePool.Release(e.buf)
		e.buf = nil
		e.state = stateInvalid
		e.pinned = false
	}
	return nil
}

// HandleFault serves a page fault at a virtual address. Addresses outside
// the Atlas region are not handled and return false. Page-table mapping is
// the VMM's job; the cache only guarantees the backing buffer is resident.
func (c *Cache) HandleFault(ctx context.Context, addr uint64) (bool, error) {
	if addr < types.AtlasOrigin || addr >= types.AtlasOrigin+types.AtlasSize {
		return false, nil
	}
	_, err := c.FetchPage(ctx, addr-types.AtlasOrigin)
	return true, err
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

func (c *Cache) acquireSlot(ctx context.Context) (uint32, error) {
	for slot := range c.entries {
		if c.entries[slot].state == stateInvalid {
			return uint32(slot), nil
		}
	}

	// Evict from the LRU tail, skipping pinned entries.
	for slot := c.lruTail; slot != noSlot; slot = c.entries[slot].prev {
		if c.entries[slot].pinned {
			continue
		}
		if err := c.evict(ctx, slot); err != nil {
			return 0, err
		}
		return slot, nil
	}

	// Every slot pinned. A policy decision, not a fault: the caller must
	// unpin or abort, so no archaeology record is created.
	return 0, errors.New("cache full: all entries pinned")
}

func (c *Cache) evict(ctx context.Context, slot uint32) error {
	e := &c.entries[slot]
	if e.state == stateDirty {
		if err := c.writeback(ctx, slot); err != nil {
			return err
		}
	}

	c.unlink(slot)
	delete(c.resident, e.offset)
	c.pagePool.Release(e.buf)
	e.buf = nil
	e.state = stateInvalid
	c.stats.Evictions++
	return nil
}

// writeback runs the dirty page through the writing state: NVMe write, no
// flush (flushes are batched by FlushAll). Failure puts the page back to
// dirty for retry.
func (c *Cache) writeback(ctx context.Context, slot uint32) error {
	e := &c.entries[slot]
	e.state = stateWriting

	lba := types.LBA(e.offset / types.SectorSize)
	if err := c.config.Controller.Write(ctx, lba, types.BlocksPerPage, e.buf); err != nil {
		e.state = stateDirty
		return c.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			e.offset, uint64(lba), "writeback failed")
	}

	e.state = stateClean
	c.stats.Writebacks++
	return nil
}

func (c *Cache) touch(slot uint32) {
	c.unlink(slot)
	c.pushHead(slot)
	c.bump(slot)
}

func (c *Cache) bump(slot uint32) {
	c.clock++
	c.entries[slot].accessTime = c.clock
}

func (c *Cache) pushHead(slot uint32) {
	e := &c.entries[slot]
	e.prev = noSlot
	e.next = c.lruHead
	if c.lruHead != noSlot {
		c.entries[c.lruHead].prev = slot
	}
	c.lruHead = slot
	if c.lruTail == noSlot {
		c.lruTail = slot
	}
}

func (c *Cache) unlink(slot uint32) {
	e := &c.entries[slot]
	if e.prev != noSlot {
		c.entries[e.prev].next = e.next
	} else if c.lruHead == slot {
		c.lruHead = e.next
	}
	if e.next != noSlot {
		c.entries[e.next].prev = e.prev
	} else if c.lruTail == slot {
		c.lruTail = e.prev
	}
	e.prev = noSlot
	e.next = noSlot
}
