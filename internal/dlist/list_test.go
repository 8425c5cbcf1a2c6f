package dlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(l *List[int]) []int {
	var out []int
	l.Each(func(_ Handle, v *int) bool {
		out = append(out, *v)
		return true
	})
	return out
}

func TestPushBackOrder(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)
	assert.Equal(t, []int{1, 2, 3}, collect(l))
	assert.Equal(t, 3, l.Len())
}

func TestPushFrontOrder(t *testing.T) {
	l := New[int]()
	l.PushFront(1)
	l.PushFront(2)
	l.PushFront(3)
	assert.Equal(t, []int{3, 2, 1}, collect(l))
}

func TestInsertBeforeAfter(t *testing.T) {
	l := New[int]()
	h1 := l.PushBack(1)
	h3 := l.PushBack(3)
	l.InsertBefore(h3, 2)
	l.InsertAfter(h1, 99)
	assert.Equal(t, []int{1, 99, 2, 3}, collect(l))
}

func TestUnlinkMidList(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	h2 := l.PushBack(2)
	l.PushBack(3)
	l.Unlink(h2)
	assert.Equal(t, []int{1, 3}, collect(l))
	assert.Equal(t, 2, l.Len())

	// slot reuse
	h4 := l.PushBack(4)
	assert.Equal(t, []int{1, 3, 4}, collect(l))
	require.True(t, l.IsLast(h4))
}

func TestUnlinkInvalidIsNoop(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	l.Unlink(Invalid)
	l.Unlink(Handle(99))
	assert.Equal(t, 1, l.Len())
}

func TestEachSafeDuringUnlink(t *testing.T) {
	l := New[int]()
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}
	var seen []int
	l.Each(func(h Handle, v *int) bool {
		seen = append(seen, *v)
		if *v%2 == 0 {
			l.Unlink(h)
		}
		return true
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, []int{1, 3}, collect(l))
}

func TestFrontBackNextPrev(t *testing.T) {
	l := New[int]()
	_, ok := l.Front()
	assert.False(t, ok)

	h1 := l.PushBack(10)
	h2 := l.PushBack(20)
	front, ok := l.Front()
	require.True(t, ok)
	assert.Equal(t, h1, front)

	back, ok := l.Back()
	require.True(t, ok)
	assert.Equal(t, h2, back)

	next, ok := l.Next(h1)
	require.True(t, ok)
	assert.Equal(t, h2, next)

	prev, ok := l.Prev(h2)
	require.True(t, ok)
	assert.Equal(t, h1, prev)
}

func TestIsEmpty(t *testing.T) {
	l := New[int]()
	assert.True(t, l.IsEmpty())
	h := l.PushBack(1)
	assert.False(t, l.IsEmpty())
	l.Unlink(h)
	assert.True(t, l.IsEmpty())
}
