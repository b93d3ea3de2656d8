package router

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// OrderIndex remembers which composite id an exchange order id was
// confirmed for, so fills that arrive without a client order id can still
// be routed. A nil index remembers nothing.
type OrderIndex struct {
	cache *lru.Cache
}

// NewOrderIndex creates an index holding at most size entries. A size of
// zero or less disables the index.
func NewOrderIndex(size int) (*OrderIndex, error) {
	if size <= 0 {
		return nil, nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create order index: %w", err)
	}
	return &OrderIndex{cache: cache}, nil
}

// Remember maps orderID to composite
func (i *OrderIndex) Remember(orderID, composite string) {
	if i == nil || orderID == "" {
		return
	}
	i.cache.Add(orderID, composite)
}

// Lookup returns the composite id recorded for orderID
func (i *OrderIndex) Lookup(orderID string) (string, bool) {
	if i == nil {
		return "", false
	}
	v, ok := i.cache.Get(orderID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget drops orderID
func (i *OrderIndex) Forget(orderID string) {
	if i == nil {
		return
	}
	i.cache.Remove(orderID)
}

// Len returns the number of remembered orders
func (i *OrderIndex) Len() int {
	if i == nil {
		return 0
	}
	return i.cache.Len()
}
