package dht

import (
	"container/list"
)

// contactQueue is the FIFO of nodes still to visit during one walk. Every
// address is admitted at most once per walk and the queue never grows past
// its cap.
type contactQueue struct {
	lst     *list.List
	visited map[string]struct{}
	cap     int
}

func newContactQueue(cap int) *contactQueue {
	return &contactQueue{
		lst:     list.New(),
		visited: map[string]struct{}{},
		cap:     cap,
	}
}

func (q *contactQueue) Push(n Node) bool {
	k := n.Key()
	if _, ok := q.visited[k]; ok {
		return false
	}
	if q.lst.Len() >= q.cap {
		return false
	}
	q.visited[k] = struct{}{}
	q.lst.PushBack(n)
	return true
}

func (q *contactQueue) Pop() (Node, bool) {
	elm := q.lst.Front()
	if elm == nil {
		return Node{}, false
	}
	return q.lst.Remove(elm).(Node), true
}

func (q *contactQueue) Len() int {
	return q.lst.Len()
}
