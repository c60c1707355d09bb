package xnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerHeap_OrdersByExpiry(t *testing.T) {
	h := NewTimerHeap()
	h.Push(3, 300)
	h.Push(1, 100)
	h.Push(2, 200)

	var order []int32
	for h.Len() > 0 {
		e, ok := h.Pop()
		require.True(t, ok)
		order = append(order, e.ID)
	}
	assert.Equal(t, []int32{1, 2, 3}, order)
}

func TestTimerHeap_TiesBrokenByInsertionOrder(t *testing.T) {
	h := NewTimerHeap()
	h.Push(10, 500)
	h.Push(11, 500)
	h.Push(12, 500)

	var order []int32
	for h.Len() > 0 {
		e, ok := h.Pop()
		require.True(t, ok)
		order = append(order, e.ID)
	}
	assert.Equal(t, []int32{10, 11, 12}, order)
}

func TestTimerHeap_AllowsDuplicateIDs(t *testing.T) {
	h := NewTimerHeap()
	h.Push(7, 100)
	h.Push(7, 50)

	first, ok := h.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(50), first.Expire)
	assert.Equal(t, int32(7), first.ID)

	second, ok := h.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(100), second.Expire)
	assert.Equal(t, int32(7), second.ID)

	assert.Equal(t, 0, h.Len())
}

func TestTimerHeap_TopDoesNotRemove(t *testing.T) {
	h := NewTimerHeap()
	h.Push(1, 42)
	top, ok := h.Top()
	require.True(t, ok)
	assert.Equal(t, uint64(42), top.Expire)
	assert.Equal(t, 1, h.Len())
}

func TestTimerHeap_EmptyReturnsFalse(t *testing.T) {
	h := NewTimerHeap()
	_, ok := h.Top()
	assert.False(t, ok)
	_, ok = h.Pop()
	assert.False(t, ok)
}
