package notify

import "sync/atomic"

type node struct {
	msg  Message
	next *node
}

// queue is a lock-free multi-producer stack drained by a single consumer.
type queue struct {
	head atomic.Pointer[node]
}

func (q *queue) push(m Message) {
	n := &node{msg: m}
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// drain takes everything present and returns it oldest first. Pushes racing
// with drain land in the next batch.
func (q *queue) drain() []Message {
	n := q.head.Swap(nil)
	var out []Message
	for ; n != nil; n = n.next {
		out = append(out, n.msg)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (q *queue) empty() bool {
	return q.head.Load() == nil
}
