// Package ilist implements an intrusive, circular, doubly-linked list
// keyed by integer index rather than pointer, matching the ready-queue
// structure the original scheduler builds directly out of task control
// blocks (each TCB carries its own next/prev links; there is no
// separate node allocation). A hand-rolled list is used instead of
// container/list because the list's storage must live inside the
// existing TCB table — there is no element to box a TCB pointer into,
// and container/list's interface{} payload would just add an
// allocation and a type assertion on every traversal.
//
// Every node may belong to at most one list at a time; this is checked
// at runtime rather than assumed, matching the caller-visible invariant
// that a task never appears on two ready queues simultaneously.
package ilist

// Node is the embeddable link pair. Zero value is an unlinked node.
// Index identifies the owning element (e.g. a task id) for diagnostics;
// it is never interpreted by this package.
type Node struct {
	next, prev *Node
	linked     bool
	Index      int
}

// Linked reports whether the node is currently a member of some list.
func (n *Node) Linked() bool { return n.linked }

// List is a circular doubly-linked list of *Node. The zero value is an
// empty list ready to use.
type List struct {
	head *Node
	n    int
}

// Len returns the number of nodes currently on the list.
func (l *List) Len() int { return l.n }

// Front returns the head node, or nil if the list is empty.
func (l *List) Front() *Node { return l.head }

// PushBack appends node at the tail. Panics if node is already linked
// to some list — a double-link is always a caller bug (the scheduler
// invariant that a task sits on at most one ready queue), never a
// recoverable runtime condition.
func (l *List) PushBack(node *Node) {
	if node.linked {
		panic("ilist: node is already linked")
	}
	if l.head == nil {
		node.next = node
		node.prev = node
		l.head = node
	} else {
		tail := l.head.prev
		node.prev = tail
		node.next = l.head
		tail.next = node
		l.head.prev = node
	}
	node.linked = true
	l.n++
}

// Remove unlinks node from the list. Panics if node is not linked, or
// if l is empty (so node must be linked to some other list). Membership
// of a non-empty l is not verified: callers are expected to know which
// list a node belongs to, since unlinking a node that sits on another
// list corrupts both lists.
func (l *List) Remove(node *Node) {
	if !node.linked {
		panic("ilist: node is not linked")
	}
	if l.head == nil {
		panic("ilist: node is not on this (empty) list")
	}
	if node.next == node {
		// sole element
		l.head = nil
	} else {
		node.prev.next = node.next
		node.next.prev = node.prev
		if l.head == node {
			l.head = node.next
		}
	}
	node.next = nil
	node.prev = nil
	node.linked = false
	l.n--
}

// Advance rotates the list so its current second element becomes the
// head, i.e. round-robins the "current" position. A no-op on an empty
// or single-element list. Mirrors the original scheduler's
// round_robin_next, which simply advances the per-priority queue
// pointer to ->next rather than moving any data.
func (l *List) Advance() {
	if l.head == nil || l.head.next == l.head {
		return
	}
	l.head = l.head.next
}

// Each calls fn for every node on the list, in order starting from
// Front, stopping early if fn returns false. Safe against fn removing
// the current node from l (the next pointer is captured before the
// call), but not against fn mutating any other list.
func (l *List) Each(fn func(*Node) bool) {
	if l.head == nil {
		return
	}
	n := l.head
	for i, count := 0, l.n; i < count; i++ {
		next := n.next
		if !fn(n) {
			return
		}
		n = next
	}
}
