// Package klist implements the intrusive doubly-linked list used by every
// long-lived object in the core: frame descriptors, vmareas, slabs, threads,
// processes, timers. The shape follows the kernel's own list_head: a
// sentinel head node that is never itself a member, O(1) insert/remove, and
// no allocation on insertion.
package klist

// Node is an intrusive list link embedded in a list member. Unlike the
// original's list_head + container_of macro, Node carries a typed back
// pointer to its owner so a caller can recover the owning value without
// unsafe pointer arithmetic.
type Node[T any] struct {
	prev, next *Node[T]
	owner      *T
}

// List is a circular sentinel head, matching DECLARE_LIST / list_init:
// an empty list points to itself in both directions.
type List[T any] struct {
	head Node[T]
}

// New returns an initialized empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.head.prev = &l.head
	l.head.next = &l.head
	return l
}

// Init resets l to the empty state. Matches list_init.
func (l *List[T]) Init() {
	l.head.prev = &l.head
	l.head.next = &l.head
}

// Empty reports whether the list has no members. Matches list_empty.
func (l *List[T]) Empty() bool {
	return l.head.next == &l.head
}

// InitNode detaches node into a self-referential state so Empty(node) (via
// IsLinked) and Remove are both well defined before first insertion. Matches
// list_entry_init.
func InitNode[T any](n *Node[T], owner *T) {
	n.prev = n
	n.next = n
	n.owner = owner
}

// IsLinked reports whether n is currently a member of some list.
func IsLinked[T any](n *Node[T]) bool {
	return n.next != n
}

// Owner recovers the value that embeds n.
func Owner[T any](n *Node[T]) *T {
	return n.owner
}

func insert[T any](prev, next, entry *Node[T]) {
	next.prev = entry
	entry.next = next
	entry.prev = prev
	prev.next = entry
}

// AddHead inserts entry immediately after the head (LIFO position). Matches
// list_add_head.
func (l *List[T]) AddHead(entry *Node[T]) {
	insert(&l.head, l.head.next, entry)
}

// AddTail inserts entry immediately before the head (FIFO position). Matches
// list_add_tail.
func (l *List[T]) AddTail(entry *Node[T]) {
	insert(l.head.prev, &l.head, entry)
}

// Add is an alias for AddTail: the original's list_add is defined as
// list_add_tail.
func (l *List[T]) Add(entry *Node[T]) {
	l.AddTail(entry)
}

// Remove unlinks entry from whatever list it belongs to and returns it to
// the self-referential state. Matches list_remove.
func Remove[T any](entry *Node[T]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	entry.prev = entry
	entry.next = entry
}

// Front returns the first member's node, or nil if l is empty.
func (l *List[T]) Front() *Node[T] {
	if l.Empty() {
		return nil
	}
	return l.head.next
}

// Next returns the node following n within its list, or nil once the
// sentinel head is reached.
func (l *List[T]) Next(n *Node[T]) *Node[T] {
	if n.next == &l.head {
		return nil
	}
	return n.next
}

// ForEach calls fn for every member in order, front to back. fn may remove
// the current node from l (the next pointer is captured before the call),
// matching list_foreach_safe.
func (l *List[T]) ForEach(fn func(owner *T)) {
	entry := l.head.next
	for entry != &l.head {
		next := entry.next
		fn(entry.owner)
		entry = next
	}
}
