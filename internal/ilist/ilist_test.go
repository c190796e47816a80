package ilist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(l *List) []int {
	var out []int
	l.Each(func(n *Node) bool {
		out = append(out, n.Index)
		return true
	})
	return out
}

func TestList_PushBackAndOrder(t *testing.T) {
	var l List
	a := &Node{Index: 1}
	b := &Node{Index: 2}
	c := &Node{Index: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []int{1, 2, 3}, collect(&l))
	assert.True(t, a.Linked())
	assert.Same(t, a, l.Front())
}

func TestList_RemoveMiddle(t *testing.T) {
	var l List
	a, b, c := &Node{Index: 1}, &Node{Index: 2}, &Node{Index: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	l.Remove(b)
	assert.Equal(t, 2, l.Len())
	assert.False(t, b.Linked())
	assert.Equal(t, []int{1, 3}, collect(&l))
}

func TestList_RemoveHeadUpdatesFront(t *testing.T) {
	var l List
	a, b := &Node{Index: 1}, &Node{Index: 2}
	l.PushBack(a)
	l.PushBack(b)

	l.Remove(a)
	assert.Same(t, b, l.Front())
	assert.Equal(t, 1, l.Len())
}

func TestList_RemoveSoleElementEmptiesList(t *testing.T) {
	var l List
	a := &Node{Index: 1}
	l.PushBack(a)
	l.Remove(a)
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
}

func TestList_Advance(t *testing.T) {
	var l List
	a, b, c := &Node{Index: 1}, &Node{Index: 2}, &Node{Index: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	l.Advance()
	assert.Same(t, b, l.Front())
	l.Advance()
	assert.Same(t, c, l.Front())
	l.Advance()
	assert.Same(t, a, l.Front())
}

func TestList_AdvanceEmptyOrSingleIsNoop(t *testing.T) {
	var empty List
	empty.Advance()
	assert.Nil(t, empty.Front())

	var one List
	a := &Node{Index: 1}
	one.PushBack(a)
	one.Advance()
	assert.Same(t, a, one.Front())
}

func TestList_PushBackTwicePanics(t *testing.T) {
	var l List
	a := &Node{Index: 1}
	l.PushBack(a)
	assert.Panics(t, func() { l.PushBack(a) })
}

func TestList_RemoveUnlinkedPanics(t *testing.T) {
	var l List
	a := &Node{Index: 1}
	assert.Panics(t, func() { l.Remove(a) })
}

func TestList_EachStopsEarly(t *testing.T) {
	var l List
	a, b, c := &Node{Index: 1}, &Node{Index: 2}, &Node{Index: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	var seen []int
	l.Each(func(n *Node) bool {
		seen = append(seen, n.Index)
		return n.Index != 2
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestList_EachRemoveCurrent(t *testing.T) {
	var l List
	a, b, c := &Node{Index: 1}, &Node{Index: 2}, &Node{Index: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	var seen []int
	l.Each(func(n *Node) bool {
		seen = append(seen, n.Index)
		if n.Index == 2 {
			l.Remove(n)
		}
		return true
	})
	require.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []int{1, 3}, collect(&l))
}
