// Package syncutil provides keyed locking for in-process stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLock serializes work per key (a user id, a payment reference) using a
// fixed pool of channel-backed shards. Distinct keys can share a shard, so
// callers must never hold two keys at once unless they acquire them with
// LockMany.
type KeyLock struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
			k.shards[i] <- struct{}{}
		}
	})
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Lock acquires key or returns ctx.Err() if ctx ends first.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	return k.LockMany(ctx, key)
}

// LockMany acquires every key's shard in ascending shard order, so two
// callers locking overlapping sets cannot deadlock.
func (k *KeyLock) LockMany(ctx context.Context, keys ...string) (func(), error) {
	k.init()

	var idx [shardCount]bool
	for _, key := range keys {
		idx[shardOf(key)] = true
	}

	held := make([]int, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.shards[held[i]] <- struct{}{}
		}
	}

	for i := 0; i < shardCount; i++ {
		if !idx[i] {
			continue
		}
		select {
		case <-k.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
