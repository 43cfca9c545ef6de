// Package util
//
// This file provides a priority queue with key-based access, used to order
// blocked lock waiters.
//
// A binary heap is combined with a hash map, which gives
//   - O(log n) Push, Pop and Remove
//   - O(1) lookups and existence checks by key
//
// Ordering: higher Priority first, equal priorities in ascending Seq (arrival)
// order. Seq is assigned by the queue, so callers only pass key, value and
// priority.
//
// The queue is not thread-safe; callers hold their own lock.
//
// Example usage:
//
//	q := NewMapHeap[uuid.UUID, *waiter]()
//	q.Add(req.ID, w, req.Priority)
//	for q.Len() > 0 {
//	    next, _ := q.Peek()
//	    if !compatible(next.Value) {
//	        break
//	    }
//	    q.PopItem()
//	}
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is an entry of a MapHeap.
type HeapItem[K comparable, V any] struct {
	Key      K
	Value    V
	Priority uint8
	Seq      uint64
	index    int
}

func (i *HeapItem[K, V]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d, Seq: %d}", i.Key, i.Priority, i.Seq)
}

// MapHeap is a priority queue with O(1) access by key.
type MapHeap[K comparable, V any] struct {
	items    []*HeapItem[K, V]
	itemsMap map[K]*HeapItem[K, V]
	seq      uint64
}

// NewMapHeap creates a new, empty queue.
func NewMapHeap[K comparable, V any]() *MapHeap[K, V] {
	return &MapHeap[K, V]{
		items:    make([]*HeapItem[K, V], 0),
		itemsMap: make(map[K]*HeapItem[K, V]),
	}
}

// Len returns the number of items in the queue (part of heap.Interface)
func (q *MapHeap[K, V]) Len() int { return len(q.items) }

// Less orders by priority (descending) then arrival (ascending) (part of heap.Interface)
func (q *MapHeap[K, V]) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (q *MapHeap[K, V]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface, use Add instead)
func (q *MapHeap[K, V]) Push(x any) {
	it := x.(*HeapItem[K, V])
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.itemsMap[it.Key] = it
}

// Pop removes the last item of the backing slice (part of heap.Interface, use PopItem instead)
func (q *MapHeap[K, V]) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.itemsMap, it.Key)
	return it
}

// Add inserts a new item. An existing key keeps its arrival position and only
// gets value and priority updated.
func (q *MapHeap[K, V]) Add(key K, value V, priority uint8) *HeapItem[K, V] {
	if it, exists := q.itemsMap[key]; exists {
		it.Value = value
		it.Priority = priority
		heap.Fix(q, it.index)
		return it
	}

	q.seq++
	it := &HeapItem[K, V]{
		Key:      key,
		Value:    value,
		Priority: priority,
		Seq:      q.seq,
	}
	heap.Push(q, it)
	return it
}

// PopItem removes and returns the first item in queue order.
func (q *MapHeap[K, V]) PopItem() (*HeapItem[K, V], bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(q).(*HeapItem[K, V]), true
}

// RemoveByKey removes an item by its key
func (q *MapHeap[K, V]) RemoveByKey(key K) (*HeapItem[K, V], bool) {
	it, exists := q.itemsMap[key]
	if !exists {
		return nil, false
	}
	heap.Remove(q, it.index)
	return it, true
}

// Peek returns the first item without removing it
func (q *MapHeap[K, V]) Peek() (*HeapItem[K, V], bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Contains checks if a key exists in the queue
func (q *MapHeap[K, V]) Contains(key K) bool {
	_, exists := q.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (q *MapHeap[K, V]) GetByKey(key K) (*HeapItem[K, V], bool) {
	it, exists := q.itemsMap[key]
	return it, exists
}
