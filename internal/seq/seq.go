// Package seq implements the ordered sequence used for list-valued
// store entries: a doubly-linked list of owned byte strings supporting
// both-end push/pop, negative indexing, and nearest-endpoint range
// slicing.
package seq

// Node is one element of a Sequence. Callers that need LRU-style
// promotion (MoveToHead) or point deletion (Remove) hold onto the
// *Node returned by push operations.
type Node struct {
	prev, next *Node
	Value      string
}

// Sequence is a doubly-linked list of strings.
type Sequence struct {
	head, tail *Node
	length     int
}

// New returns an empty sequence.
func New() *Sequence {
	return &Sequence{}
}

// Len returns the number of elements.
func (s *Sequence) Len() int { return s.length }

// PushHead inserts value at the front, returning its node.
func (s *Sequence) PushHead(value string) *Node {
	n := &Node{Value: value, next: s.head}
	if s.head != nil {
		s.head.prev = n
	} else {
		s.tail = n
	}
	s.head = n
	s.length++
	return n
}

// PushTail inserts value at the back, returning its node.
func (s *Sequence) PushTail(value string) *Node {
	n := &Node{Value: value, prev: s.tail}
	if s.tail != nil {
		s.tail.next = n
	} else {
		s.head = n
	}
	s.tail = n
	s.length++
	return n
}

// PopHead removes and returns the front element. ok is false on an
// empty sequence.
func (s *Sequence) PopHead() (value string, ok bool) {
	if s.head == nil {
		return "", false
	}
	n := s.head
	s.head = n.next
	if s.head != nil {
		s.head.prev = nil
	} else {
		s.tail = nil
	}
	s.length--
	return n.Value, true
}

// PopTail removes and returns the back element. ok is false on an
// empty sequence.
func (s *Sequence) PopTail() (value string, ok bool) {
	if s.tail == nil {
		return "", false
	}
	n := s.tail
	s.tail = n.prev
	if s.tail != nil {
		s.tail.next = nil
	} else {
		s.head = nil
	}
	s.length--
	return n.Value, true
}

// normalize rewrites a negative index as length+index; callers check
// the result against [0, length) themselves.
func (s *Sequence) normalize(index int) int {
	if index < 0 {
		index += s.length
	}
	return index
}

// Index returns the element at position i, with negative i counting
// from the tail (-1 is the last element). ok is false when |i| is out
// of range. Traversal starts from whichever end is closer to avoid an
// O(length) walk from the wrong side.
func (s *Sequence) Index(i int) (value string, ok bool) {
	idx := s.normalize(i)
	if idx < 0 || idx >= s.length {
		return "", false
	}

	var n *Node
	if idx < s.length/2 {
		n = s.head
		for k := 0; k < idx; k++ {
			n = n.next
		}
	} else {
		n = s.tail
		for k := s.length - 1; k > idx; k-- {
			n = n.prev
		}
	}
	return n.Value, true
}

// Range returns the inclusive slice [start, stop], with negative
// endpoints rewritten relative to the tail, start clamped up to 0 and
// stop clamped down to length-1. An empty slice is returned when
// start > stop or the sequence is empty.
func (s *Sequence) Range(start, stop int) []string {
	if s.length == 0 {
		return nil
	}

	start = s.normalize(start)
	stop = s.normalize(stop)

	if start < 0 {
		start = 0
	}
	if stop >= s.length {
		stop = s.length - 1
	}
	if start > stop {
		return nil
	}

	out := make([]string, 0, stop-start+1)
	var n *Node
	if start < s.length/2 {
		n = s.head
		for i := 0; i < start; i++ {
			n = n.next
		}
	} else {
		n = s.tail
		for i := s.length - 1; i > start; i-- {
			n = n.prev
		}
	}
	for i := start; i <= stop; i++ {
		out = append(out, n.Value)
		n = n.next
	}
	return out
}

// MoveToHead detaches node and reinserts it at the front, for LRU-style
// recency promotion. A no-op if node is already the head.
func (s *Sequence) MoveToHead(node *Node) {
	if node == s.head {
		return
	}
	s.detach(node)
	node.prev = nil
	node.next = s.head
	if s.head != nil {
		s.head.prev = node
	} else {
		s.tail = node
	}
	s.head = node
}

// Remove detaches node from the sequence.
func (s *Sequence) Remove(node *Node) {
	s.detach(node)
	s.length--
}

func (s *Sequence) detach(node *Node) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if s.head == node {
		s.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else if s.tail == node {
		s.tail = node.prev
	}
	node.prev, node.next = nil, nil
}
