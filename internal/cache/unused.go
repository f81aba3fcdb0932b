package cache

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Unused is a capacity-bounded list of idle entries, oldest evicted first.
// It is not safe for concurrent use; the vnode table lock guards it.
type Unused[K comparable, V any] struct {
	lru      *simplelru.LRU[K, V]
	capacity int
	evicted  uint64
}

// NewUnused creates a list holding at most capacity entries.
// A capacity of zero (or Disabled) keeps nothing.
func NewUnused[K comparable, V any](capacity int) (*Unused[K, V], error) {
	if capacity < 0 {
		return nil, fmt.Errorf("invalid unused list capacity %d", capacity)
	}
	if Disabled {
		capacity = 0
	}
	u := &Unused[K, V]{capacity: capacity}
	if capacity > 0 {
		lru, err := simplelru.NewLRU[K, V](capacity, nil)
		if err != nil {
			return nil, err
		}
		u.lru = lru
	}
	return u, nil
}

// Push adds an entry. If the list was full, the oldest entry is removed and
// returned so the caller can release it. With capacity zero the pushed entry
// itself is returned.
func (u *Unused[K, V]) Push(key K, value V) (V, bool) {
	if u.lru == nil {
		u.evicted++
		return value, true
	}
	var (
		old V
		ok  bool
	)
	if !u.lru.Contains(key) && u.lru.Len() >= u.capacity {
		_, old, ok = u.lru.RemoveOldest()
		if ok {
			u.evicted++
		}
	}
	u.lru.Add(key, value)
	return old, ok
}

// Remove drops key, reporting whether it was present.
func (u *Unused[K, V]) Remove(key K) bool {
	if u.lru == nil {
		return false
	}
	return u.lru.Remove(key)
}

// Contains reports whether key is on the list.
func (u *Unused[K, V]) Contains(key K) bool {
	return u.lru != nil && u.lru.Contains(key)
}

// Len returns the number of entries.
func (u *Unused[K, V]) Len() int {
	if u.lru == nil {
		return 0
	}
	return u.lru.Len()
}

// Cap returns the capacity.
func (u *Unused[K, V]) Cap() int {
	return u.capacity
}

// Evicted returns how many entries were pushed out by the bound.
func (u *Unused[K, V]) Evicted() uint64 {
	return u.evicted
}
