package raft

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quarkdb/quarkdb/lib/resp"
)

// Version is the software version announced in handshakes and RAFT_INFO.
const Version = "1.0.0"

var errTalkerShutdown = errors.New("talker shut down")

// replyFuture is a one-shot container for a pending RPC response.
type replyFuture struct {
	ch chan *resp.Reply
}

func newReplyFuture() *replyFuture {
	return &replyFuture{ch: make(chan *resp.Reply, 1)}
}

func (f *replyFuture) fulfill(reply *resp.Reply) {
	select {
	case f.ch <- reply:
	default:
	}
}

// Get waits for the response up to the timeout. A nil reply means the
// connection died or the deadline passed.
func (f *replyFuture) Get(timeout time.Duration) *resp.Reply {
	select {
	case reply := <-f.ch:
		return reply
	case <-time.After(timeout):
		return nil
	}
}

// Poll returns the response if it has already arrived.
func (f *replyFuture) Poll() (*resp.Reply, bool) {
	select {
	case reply := <-f.ch:
		return reply, true
	default:
		return nil, false
	}
}

// Talker is a pipelined RESP client towards one peer. Requests are written
// in order and responses matched FIFO to their futures; a broken connection
// fails every pending future and the next send reconnects.
type Talker struct {
	target  Server
	contact ContactDetails
	name    string
	log     Logger

	mtx      sync.Mutex
	conn     net.Conn
	pending  []*replyFuture
	shutdown bool
}

func NewTalker(target Server, contact ContactDetails, name string, logger Logger) *Talker {
	return &Talker{target: target, contact: contact, name: name, log: logger}
}

func (t *Talker) Close() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.shutdown = true
	t.dropConnectionLocked()
}

func (t *Talker) dropConnectionLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	for _, future := range t.pending {
		future.fulfill(nil)
	}
	t.pending = nil
}

// ensureConnectionLocked dials the peer and performs the handshake.
func (t *Talker) ensureConnectionLocked() error {
	if t.shutdown {
		return errTalkerShutdown
	}
	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", t.target.String(), t.contact.Timeouts.Heartbeat)
	if err != nil {
		return err
	}

	t.conn = conn
	go t.readLoop(conn)

	// The handshake must be the first command on every inter-node
	// connection. Its reply is consumed by the read loop like any other.
	handshake := resp.Request{"RAFT_HANDSHAKE", Version, t.contact.ClusterID, t.contact.Timeouts.String()}
	future := newReplyFuture()
	t.pending = append(t.pending, future)
	if _, err := conn.Write([]byte(resp.EncodeRequest(handshake))); err != nil {
		t.dropConnectionLocked()
		return err
	}

	return nil
}

// readLoop drains replies from one connection, fulfilling futures FIFO.
func (t *Talker) readLoop(conn net.Conn) {
	reader := resp.NewReplyReader(resp.NewBufferedReader(conn))

	for {
		reply, err := reader.Fetch()
		if err != nil {
			t.mtx.Lock()
			if t.conn == conn {
				t.dropConnectionLocked()
			}
			t.mtx.Unlock()
			return
		}

		t.mtx.Lock()
		if t.conn != conn {
			t.mtx.Unlock()
			return
		}
		if len(t.pending) == 0 {
			// The peer sent an unsolicited reply; the connection state is
			// unknowable, drop it.
			t.dropConnectionLocked()
			t.mtx.Unlock()
			return
		}
		future := t.pending[0]
		t.pending = t.pending[1:]
		t.mtx.Unlock()

		future.fulfill(reply)
	}
}

// send writes one request and returns a future for its response.
func (t *Talker) send(req resp.Request) *replyFuture {
	future := newReplyFuture()

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if err := t.ensureConnectionLocked(); err != nil {
		future.fulfill(nil)
		return future
	}

	t.pending = append(t.pending, future)
	if _, err := t.conn.Write([]byte(resp.EncodeRequest(req))); err != nil {
		t.dropConnectionLocked()
		return future
	}

	return future
}

// ---------------------------------------------------------------------------
// RPCs
// ---------------------------------------------------------------------------

func (t *Talker) Heartbeat(term Term, leader Server) *replyFuture {
	return t.send(resp.Request{"RAFT_HEARTBEAT", itoa(term), leader.String()})
}

func (t *Talker) AppendEntries(term Term, leader Server, prevIndex LogIndex, prevTerm Term, commitIndex LogIndex, entries []string) *replyFuture {
	req := make(resp.Request, 0, 7+len(entries))
	req = append(req, "RAFT_APPEND_ENTRIES", itoa(term), leader.String(),
		itoa(prevIndex), itoa(prevTerm), itoa(commitIndex), strconv.Itoa(len(entries)))
	req = append(req, entries...)
	return t.send(req)
}

func (t *Talker) RequestVote(votereq VoteRequest, preVote bool) *replyFuture {
	command := "RAFT_REQUEST_VOTE"
	if preVote {
		command = "RAFT_REQUEST_PRE_VOTE"
	}
	return t.send(resp.Request{command, itoa(votereq.Term), votereq.Candidate.String(),
		itoa(votereq.LastIndex), itoa(votereq.LastTerm)})
}

func (t *Talker) Fetch(index LogIndex) *replyFuture {
	return t.send(resp.Request{"RAFT_FETCH", itoa(index)})
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

func replyStrings(reply *resp.Reply) ([]string, bool) {
	if reply == nil || reply.Kind != resp.ReplyArray {
		return nil, false
	}
	out := make([]string, 0, len(reply.Elements))
	for _, element := range reply.Elements {
		switch element.Kind {
		case resp.ReplyString, resp.ReplyStatus:
			out = append(out, element.Str)
		case resp.ReplyInteger:
			out = append(out, strconv.FormatInt(element.Int, 10))
		default:
			return nil, false
		}
	}
	return out, true
}

// ParseHeartbeatResponse decodes [term, recognized, err].
func ParseHeartbeatResponse(reply *resp.Reply) (HeartbeatResponse, error) {
	fields, ok := replyStrings(reply)
	if !ok || len(fields) != 3 {
		return HeartbeatResponse{}, fmt.Errorf("cannot parse heartbeat response")
	}

	term, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("cannot parse heartbeat response term %q", fields[0])
	}

	return HeartbeatResponse{
		Term:               term,
		RecognizedAsLeader: fields[1] == "1",
		Err:                fields[2],
	}, nil
}

// ParseAppendEntriesResponse decodes [term, logSize, outcome, err].
func ParseAppendEntriesResponse(reply *resp.Reply) (AppendEntriesResponse, error) {
	fields, ok := replyStrings(reply)
	if !ok || len(fields) != 4 {
		return AppendEntriesResponse{}, fmt.Errorf("cannot parse append entries response")
	}

	term, err1 := strconv.ParseInt(fields[0], 10, 64)
	logSize, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return AppendEntriesResponse{}, fmt.Errorf("cannot parse append entries response %v", fields)
	}

	return AppendEntriesResponse{
		Term:    term,
		LogSize: logSize,
		Outcome: fields[2] == "1",
		Err:     fields[3],
	}, nil
}

// ParseVoteResponse decodes [term, granted|refused|veto].
func ParseVoteResponse(reply *resp.Reply) (VoteResponse, error) {
	fields, ok := replyStrings(reply)
	if !ok || len(fields) != 2 {
		return VoteResponse{}, fmt.Errorf("cannot parse vote response")
	}

	term, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return VoteResponse{}, fmt.Errorf("cannot parse vote response term %q", fields[0])
	}

	vote, ok := ParseVote(fields[1])
	if !ok {
		return VoteResponse{}, fmt.Errorf("cannot parse vote %q", fields[1])
	}

	return VoteResponse{Term: term, Vote: vote}, nil
}

// Execute sends an arbitrary command over the handshaked link; the
// resilverer uses this to drive the QUARKDB_RESILVERING_* protocol.
func (t *Talker) Execute(req resp.Request) *replyFuture {
	return t.send(req)
}
