package server

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quarkdb/quarkdb/lib/resp"
)

// pendingRequest is one slot in a connection's ordered response queue.
// Either rawResp is already formatted (reads that did not need consensus,
// pre-computed errors), or the slot waits for the journal entry at index to
// be applied.
type pendingRequest struct {
	request resp.Request
	rawResp resp.EncodedResponse
	index   int64 // -1 for raw responses and deferred reads
	// execute is set for reads queued behind an in-flight write; the read
	// runs once every preceding write has been applied, so it observes
	// those writes.
	execute func(resp.Request) resp.EncodedResponse
}

// PendingQueue keeps the ordered queue of pending requests of one
// connection. It can outlive the connection: a client may disconnect with
// writes still in flight in the journal. Responses enqueued after detach
// are discarded.
type PendingQueue struct {
	mtx       sync.Mutex
	conn      *Connection
	pending   []pendingRequest
	lastIndex int64

	supportsPushTypes atomic.Bool
	subscriptions     map[string]struct{}
}

func newPendingQueue(conn *Connection) *PendingQueue {
	return &PendingQueue{conn: conn, lastIndex: -1, subscriptions: make(map[string]struct{})}
}

// DetachConnection breaks the queue -> connection back-pointer on close.
func (q *PendingQueue) DetachConnection() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.conn = nil
}

// AppendResponse enqueues an already-formatted response, flushing
// immediately when nothing is blocked ahead of it.
func (q *PendingQueue) AppendResponse(raw resp.EncodedResponse) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.appendResponseLocked(raw)
}

func (q *PendingQueue) appendResponseLocked(raw resp.EncodedResponse) {
	if len(q.pending) == 0 {
		if q.conn != nil {
			q.conn.writer.Send(raw.Value())
		}
		return
	}
	q.pending = append(q.pending, pendingRequest{rawResp: raw, index: -1})
}

// AppendIfAttached enqueues a response only while the connection is alive,
// used by pubsub and monitor broadcasts.
func (q *PendingQueue) AppendIfAttached(raw resp.EncodedResponse) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.conn == nil {
		return false
	}
	q.appendResponseLocked(raw)
	if len(q.pending) == 0 && q.conn != nil {
		q.conn.writer.Flush()
	}
	return true
}

// AddPendingWrite reserves the next queue slot for the journal entry at
// index. Indexes must arrive in increasing order.
func (q *PendingQueue) AddPendingWrite(request resp.Request, index int64) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if index <= q.lastIndex {
		panic("pending queue indexes must be monotonically increasing")
	}
	q.lastIndex = index
	q.pending = append(q.pending, pendingRequest{request: request, index: index})
}

// FulfillWrite stores the response computed for the journal entry at index
// and flushes every leading queue slot that is ready.
func (q *PendingQueue) FulfillWrite(index int64, raw resp.EncodedResponse) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for i := range q.pending {
		if q.pending[i].index == index {
			q.pending[i].rawResp = raw
			break
		}
	}
	q.flushReadyLocked()
}

func (q *PendingQueue) flushReadyLocked() {
	flushed := false
	for len(q.pending) > 0 {
		head := &q.pending[0]
		if head.rawResp.Empty() {
			if head.execute == nil {
				break
			}
			head.rawResp = head.execute(head.request)
			head.execute = nil
		}
		if q.conn != nil {
			q.conn.writer.Send(head.rawResp.Value())
			flushed = true
		}
		q.pending = q.pending[1:]
	}
	if flushed && q.conn != nil {
		q.conn.writer.Flush()
	}
}

// AddDeferredRead enqueues a read behind the connection's in-flight
// writes. With nothing pending, the read executes immediately.
func (q *PendingQueue) AddDeferredRead(request resp.Request, execute func(resp.Request) resp.EncodedResponse) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if len(q.pending) == 0 {
		q.appendResponseLocked(execute(request))
		return
	}
	q.pending = append(q.pending, pendingRequest{request: request, index: -1, execute: execute})
}

// FlushAll answers every still-pending slot with the given response; used
// when the leader steps down with requests in flight.
func (q *PendingQueue) FlushAll(raw resp.EncodedResponse) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for range q.pending {
		if q.conn != nil {
			q.conn.writer.Send(raw.Value())
		}
	}
	q.pending = nil
	q.lastIndex = -1
	if q.conn != nil {
		q.conn.writer.Flush()
	}
}

// BlockedWrites counts queue slots still waiting on the journal.
func (q *PendingQueue) BlockedWrites() int64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var count int64
	for _, item := range q.pending {
		if item.index >= 0 && item.rawResp.Empty() {
			count++
		}
	}
	return count
}

// ActivatePushTypes promotes the connection to RESP3 push replies. There is
// no way back, by protocol contract.
func (q *PendingQueue) ActivatePushTypes() {
	q.supportsPushTypes.Store(true)
}

func (q *PendingQueue) HasPushTypesActive() bool {
	return q.supportsPushTypes.Load()
}

// Subscribe registers a channel subscription, returning the new count.
func (q *PendingQueue) Subscribe(channel string) int64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.subscriptions[channel] = struct{}{}
	return int64(len(q.subscriptions))
}

func (q *PendingQueue) Unsubscribe(channel string) int64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscriptions, channel)
	return int64(len(q.subscriptions))
}

func (q *PendingQueue) IsSubscribed(channel string) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	_, ok := q.subscriptions[channel]
	return ok
}

// Connection tracks per-client state on top of one TCP link.
type Connection struct {
	writer *resp.BufferedWriter
	parser *resp.Parser

	uuid        string
	description string
	localhost   bool

	Monitor           atomic.Bool
	RaftStaleReads    atomic.Bool
	RaftAuthorization atomic.Bool

	nameMtx    sync.Mutex
	clientName string

	pendingQueue *PendingQueue
}

func NewConnection(link net.Conn) *Connection {
	conn := &Connection{
		writer:      resp.NewBufferedWriter(link),
		parser:      resp.NewParser(resp.NewBufferedReader(link)),
		uuid:        uuid.NewString(),
		description: link.RemoteAddr().String(),
	}
	conn.localhost = strings.HasPrefix(conn.description, "127.0.0.1:") ||
		strings.HasPrefix(conn.description, "[::1]:")
	conn.pendingQueue = newPendingQueue(conn)
	return conn
}

func (c *Connection) ID() string        { return c.uuid }
func (c *Connection) Describe() string  { return c.description }
func (c *Connection) IsLocalhost() bool { return c.localhost }

func (c *Connection) Queue() *PendingQueue { return c.pendingQueue }

// Fetch reads the next request off the link.
func (c *Connection) Fetch() (resp.Request, error) {
	return c.parser.Fetch()
}

func (c *Connection) SetName(name string) {
	c.nameMtx.Lock()
	defer c.nameMtx.Unlock()
	c.clientName = name
}

func (c *Connection) Name() string {
	c.nameMtx.Lock()
	defer c.nameMtx.Unlock()
	return c.clientName
}

// SetMonitor latches the connection into monitor mode. Intentionally
// one-way, matching the protocol.
func (c *Connection) SetMonitor() {
	c.Monitor.Store(true)
}

// Send writes a formatted response into the ordered queue.
func (c *Connection) Send(response resp.EncodedResponse) {
	c.pendingQueue.AppendResponse(response)
}

func (c *Connection) Flush() {
	c.writer.Flush()
}

// FlushGuard flushes the connection on scope exit.
func (c *Connection) FlushGuard() *resp.FlushGuard {
	return resp.NewFlushGuard(c.writer)
}

// Close detaches the pending queue; in-flight writes will discard their
// responses.
func (c *Connection) Close() {
	c.pendingQueue.DetachConnection()
}
