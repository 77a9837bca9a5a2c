package domain

import (
	"fmt"
	"math"
)

// Allocate returns an order key strictly between prev and next. A nil bound
// means the key is unbounded on that side.
//
//	both   -> (prev+next)/2
//	prev   -> prev+1
//	next   -> next/2, or next-1 when next <= 0
//	none   -> 1
//
// ErrPositionExhausted is returned once float64 resolution cannot produce a
// distinct key; callers renumber the container and retry.
func Allocate(prev, next *float64) (float64, error) {
	switch {
	case prev != nil && next != nil:
		if !(*prev < *next) {
			return 0, fmt.Errorf("%w: bounds %v and %v are not ordered", ErrInvalidTarget, *prev, *next)
		}
		mid := *prev/2 + *next/2
		if mid <= *prev || mid >= *next {
			return 0, ErrPositionExhausted
		}
		return mid, nil
	case prev != nil:
		key := *prev + 1
		if key <= *prev || math.IsInf(key, 0) {
			return 0, ErrPositionExhausted
		}
		return key, nil
	case next != nil:
		key := *next / 2
		if *next <= 0 {
			key = *next - 1
		}
		if key >= *next || math.IsInf(key, 0) {
			return 0, ErrPositionExhausted
		}
		return key, nil
	}
	return 1.0, nil
}

// AllocateAt allocates a key for a new child placed at index among siblings,
// which must be sorted by key. The index is clamped to [0, len(siblings)].
func AllocateAt(siblings []Item, index int) (float64, error) {
	prev, next := Neighbors(siblings, index)
	return Allocate(prev, next)
}

// Neighbors returns the keys surrounding the gap at index, clamped.
func Neighbors(siblings []Item, index int) (prev, next *float64) {
	index = ClampIndex(index, len(siblings))
	if index > 0 {
		k := siblings[index-1].OrderKey
		prev = &k
	}
	if index < len(siblings) {
		k := siblings[index].OrderKey
		next = &k
	}
	return prev, next
}

// ClampIndex limits index to [0, n].
func ClampIndex(index, n int) int {
	if index < 0 {
		return 0
	}
	if index > n {
		return n
	}
	return index
}

// ValidKey reports whether key can be stored as an order key.
func ValidKey(key float64) bool {
	return !math.IsNaN(key) && !math.IsInf(key, 0)
}
