package mqtt

import "log"

// queuedMsg stores a serialized MQTT message for replay after reconnection.
type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	latest   bool // only the newest value on this topic matters
}

// offlineQueue holds messages published while disconnected, oldest first.
// Periodic values (latest) replace any queued value on the same topic so
// they cannot crowd sequence events out of the queue.
// Not safe for concurrent use; the caller synchronizes.
type offlineQueue struct {
	msgs     []queuedMsg
	capacity int
	dropped  int // messages discarded since last drain
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{
		msgs:     make([]queuedMsg, 0, capacity),
		capacity: capacity,
	}
}

func (q *offlineQueue) push(msg queuedMsg) {
	if msg.latest {
		for i := range q.msgs {
			if q.msgs[i].latest && q.msgs[i].topic == msg.topic {
				q.msgs[i] = msg
				return
			}
		}
	}
	if len(q.msgs) == q.capacity {
		if q.dropped == 0 {
			log.Printf("mqtt: offline queue full (%d messages), dropping oldest", q.capacity)
		}
		q.dropped++
		copy(q.msgs, q.msgs[1:])
		q.msgs = q.msgs[:len(q.msgs)-1]
	}
	q.msgs = append(q.msgs, msg)
}

// drain returns every queued message and how many were dropped.
func (q *offlineQueue) drain() ([]queuedMsg, int) {
	if len(q.msgs) == 0 {
		dropped := q.dropped
		q.dropped = 0
		return nil, dropped
	}
	out := make([]queuedMsg, len(q.msgs))
	copy(out, q.msgs)
	dropped := q.dropped
	q.msgs = q.msgs[:0]
	q.dropped = 0
	return out, dropped
}

func (q *offlineQueue) len() int {
	return len(q.msgs)
}
