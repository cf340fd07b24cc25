package server

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/quarkdb/quarkdb/lib/resp"
)

// Publisher fans out pubsub messages and MONITOR broadcasts. Monitor
// registrations are latched on: a connection stays registered until it
// detaches.
type Publisher struct {
	monitors *xsync.MapOf[string, *PendingQueue]

	mtx      sync.Mutex
	channels map[string]map[*PendingQueue]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{
		monitors: xsync.NewMapOf[string, *PendingQueue](),
		channels: make(map[string]map[*PendingQueue]struct{}),
	}
}

// RegisterMonitor latches a connection into the monitor broadcast list.
func (p *Publisher) RegisterMonitor(conn *Connection) {
	p.monitors.Store(conn.ID(), conn.Queue())
}

// BroadcastMonitor sends every received command to each registered monitor
// as a status reply.
func (p *Publisher) BroadcastMonitor(origin *Connection, req resp.Request) {
	payload := resp.Status(origin.Describe() + ": " + req.String())

	p.monitors.Range(func(id string, queue *PendingQueue) bool {
		if origin != nil && origin.ID() == id {
			return true
		}
		if !queue.AppendIfAttached(payload) {
			p.monitors.Delete(id)
		}
		return true
	})
}

// Subscribe registers the queue on a channel and returns its subscription
// count.
func (p *Publisher) Subscribe(queue *PendingQueue, channel string) int64 {
	p.mtx.Lock()
	subscribers, ok := p.channels[channel]
	if !ok {
		subscribers = make(map[*PendingQueue]struct{})
		p.channels[channel] = subscribers
	}
	subscribers[queue] = struct{}{}
	p.mtx.Unlock()

	return queue.Subscribe(channel)
}

func (p *Publisher) Unsubscribe(queue *PendingQueue, channel string) int64 {
	p.mtx.Lock()
	if subscribers, ok := p.channels[channel]; ok {
		delete(subscribers, queue)
		if len(subscribers) == 0 {
			delete(p.channels, channel)
		}
	}
	p.mtx.Unlock()

	return queue.Unsubscribe(channel)
}

// Publish delivers a message to every subscriber, returning how many
// received it. Detached queues are pruned.
func (p *Publisher) Publish(channel, payload string) int64 {
	p.mtx.Lock()
	subscribers := make([]*PendingQueue, 0, len(p.channels[channel]))
	for queue := range p.channels[channel] {
		subscribers = append(subscribers, queue)
	}
	p.mtx.Unlock()

	var delivered int64
	for _, queue := range subscribers {
		message := resp.Message(queue.HasPushTypesActive(), channel, payload)
		if queue.AppendIfAttached(message) {
			delivered++
		} else {
			p.mtx.Lock()
			if set, ok := p.channels[channel]; ok {
				delete(set, queue)
			}
			p.mtx.Unlock()
		}
	}
	return delivered
}
