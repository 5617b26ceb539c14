package session

import (
	"container/list"
	"sync"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
)

// metadataCacheEntry is the value stored in queue's list.Element, kept
// alongside its key so eviction can delete it from elements too.
type metadataCacheEntry struct {
	infoHash core.InfoHashV1
	mi       *metainfo.MetaInfo
}

// metadataCache is a bounded, least-recently-touched-evicted map from info
// hash to retrieved metadata, so two torrents sharing an info hash (or one
// re-added after removal) don't have to re-fetch metadata from peers.
// Modeled directly on lib/store/base/lru_file_map.go's container/list-backed
// LRU: a front-of-queue-is-freshest doubly linked list plus a map for O(1)
// lookup, since no pack dependency offers a generic LRU and the teacher's
// own answer to "I need an LRU" is to write this exact shape by hand.
type metadataCache struct {
	mu       sync.Mutex
	size     int
	queue    *list.List
	elements map[core.InfoHashV1]*list.Element
}

// newMetadataCache creates a cache bounded to size entries.
func newMetadataCache(size int) *metadataCache {
	return &metadataCache{
		size:     size,
		queue:    list.New(),
		elements: make(map[core.InfoHashV1]*list.Element),
	}
}

// Get returns the cached metadata for infoHash, touching it as most
// recently used.
func (c *metadataCache) Get(infoHash core.InfoHashV1) (*metainfo.MetaInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.elements[infoHash]
	if !ok {
		return nil, false
	}
	c.queue.MoveToFront(e)
	return e.Value.(*metadataCacheEntry).mi, true
}

// Put stores mi under infoHash, evicting the least-recently-touched entry
// if the cache is at capacity.
func (c *metadataCache) Put(infoHash core.InfoHashV1, mi *metainfo.MetaInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.elements[infoHash]; ok {
		e.Value.(*metadataCacheEntry).mi = mi
		c.queue.MoveToFront(e)
		return
	}

	e := c.queue.PushFront(&metadataCacheEntry{infoHash: infoHash, mi: mi})
	c.elements[infoHash] = e

	for c.queue.Len() > c.size {
		oldest := c.queue.Back()
		if oldest == nil {
			break
		}
		c.queue.Remove(oldest)
		delete(c.elements, oldest.Value.(*metadataCacheEntry).infoHash)
	}
}

// Delete removes infoHash's entry, if any.
func (c *metadataCache) Delete(infoHash core.InfoHashV1) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.elements[infoHash]; ok {
		c.queue.Remove(e)
		delete(c.elements, infoHash)
	}
}

// Len reports how many entries the cache currently holds.
func (c *metadataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}
