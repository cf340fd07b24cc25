package server

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/quarkdb/quarkdb/lib/resp"
)

// Dispatcher consumes one request on behalf of a connection. The three
// implementations are the standalone dispatcher, the raft dispatcher, and
// the node wrapper that routes QUARKDB_* administration.
type Dispatcher interface {
	Dispatch(conn *Connection, req resp.Request)
}

// Logger is the server's minimal logging surface.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// Server owns the listening socket and the per-connection goroutines.
type Server struct {
	addr       string
	dispatcher Dispatcher
	tracker    *InFlightTracker
	publisher  *Publisher
	log        Logger

	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
}

func New(addr string, dispatcher Dispatcher, tracker *InFlightTracker, publisher *Publisher, logger Logger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		tracker:    tracker,
		publisher:  publisher,
		log:        logger,
		shutdown:   make(chan struct{}),
	}
}

func (s *Server) Publisher() *Publisher { return s.publisher }

// Start binds the socket and launches the accept loop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	if s.log != nil {
		s.log.Info("listening on %s", s.addr)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		link, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if s.log != nil {
				s.log.Error("accept failed: %v", err)
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConnection(link)
		}()
	}
}

func (s *Server) serveConnection(link net.Conn) {
	conn := NewConnection(link)
	defer link.Close()
	defer conn.Close()

	for {
		req, err := conn.Fetch()
		if err != nil {
			return
		}
		if len(req) == 0 {
			continue
		}

		command := req.Command()
		metrics.GetOrCreateCounter(fmt.Sprintf(`quarkdb_commands_total{command=%q}`, command)).Inc()

		if conn.Monitor.Load() {
			// A monitor connection only listens; drop anything it sends.
			continue
		}

		if !s.tracker.Acquire() {
			conn.Send(resp.Err("unavailable"))
			conn.Flush()
			continue
		}

		s.publisher.BroadcastMonitor(conn, req)
		s.dispatcher.Dispatch(conn, req)
		conn.Flush()
		s.tracker.Release()

		select {
		case <-s.shutdown:
			return
		default:
		}
	}
}

// HandleConnectionCommand services control and pubsub commands that touch
// only connection-local state. Returns false when the command is not of
// that kind.
func HandleConnectionCommand(conn *Connection, req resp.Request, publisher *Publisher) bool {
	switch req.Command() {
	case "PING":
		if len(req) > 2 {
			conn.Send(resp.ErrArgs(req[0]))
			return true
		}
		if len(req) == 2 {
			conn.Send(resp.String(req[1]))
			return true
		}
		conn.Send(resp.Pong())
		return true

	case "CLIENT":
		handleClientCommand(conn, req)
		return true

	case "MONITOR":
		publisher.RegisterMonitor(conn)
		conn.SetMonitor()
		conn.Send(resp.OK())
		return true

	case "ACTIVATE_PUSH_TYPES":
		conn.Queue().ActivatePushTypes()
		conn.Send(resp.OK())
		return true

	case "ACTIVATE_STALE_READS":
		conn.RaftStaleReads.Store(true)
		conn.Send(resp.OK())
		return true

	case "DEBUG":
		if len(req) != 2 {
			conn.Send(resp.ErrArgs(req[0]))
			return true
		}
		switch strings.ToLower(req[1]) {
		case "segfault":
			panic("DEBUG segfault requested")
		case "kill", "terminate":
			os.Exit(1)
		}
		conn.Send(resp.Err("unknown argument '" + req[1] + "'"))
		return true

	case "SUBSCRIBE":
		if len(req) < 2 {
			conn.Send(resp.ErrArgs(req[0]))
			return true
		}
		push := conn.Queue().HasPushTypesActive()
		for _, channel := range req[1:] {
			count := publisher.Subscribe(conn.Queue(), channel)
			conn.Send(resp.SubscriptionEvent(push, "subscribe", channel, count))
		}
		return true

	case "UNSUBSCRIBE":
		if len(req) < 2 {
			conn.Send(resp.ErrArgs(req[0]))
			return true
		}
		push := conn.Queue().HasPushTypesActive()
		for _, channel := range req[1:] {
			count := publisher.Unsubscribe(conn.Queue(), channel)
			conn.Send(resp.SubscriptionEvent(push, "unsubscribe", channel, count))
		}
		return true

	case "PUBLISH":
		if len(req) != 3 {
			conn.Send(resp.ErrArgs(req[0]))
			return true
		}
		conn.Send(resp.Integer(publisher.Publish(req[1], req[2])))
		return true
	}

	return false
}

func handleClientCommand(conn *Connection, req resp.Request) {
	if len(req) < 2 {
		conn.Send(resp.ErrArgs(req[0]))
		return
	}

	switch strings.ToUpper(req[1]) {
	case "SETNAME":
		if len(req) != 3 {
			conn.Send(resp.ErrArgs(req[0]))
			return
		}
		conn.SetName(req[2])
		conn.Send(resp.OK())
	case "GETNAME":
		conn.Send(resp.String(conn.Name()))
	case "ID":
		conn.Send(resp.String(conn.ID()))
	default:
		conn.Send(resp.Err("unknown CLIENT subcommand '" + req[1] + "'"))
	}
}

// StandaloneDispatcher serves a single-node deployment: no consensus, all
// writes apply immediately out-of-band.
type StandaloneDispatcher struct {
	redis     *RedisDispatcher
	publisher *Publisher
}

func NewStandaloneDispatcher(redis *RedisDispatcher, publisher *Publisher) *StandaloneDispatcher {
	return &StandaloneDispatcher{redis: redis, publisher: publisher}
}

func (d *StandaloneDispatcher) Dispatch(conn *Connection, req resp.Request) {
	if HandleConnectionCommand(conn, req, d.publisher) {
		return
	}

	command := req.Command()
	kind, known := CommandTable[command]
	if !known {
		conn.Send(resp.Err("unknown command '" + req[0] + "'"))
		return
	}

	switch kind {
	case KindRead:
		conn.Send(d.redis.DispatchRead(req))
	case KindWrite:
		rewritten, ok := d.redis.TimestampLeaseRequest(req)
		if !ok {
			conn.Send(resp.ErrArgs(req[0]))
			return
		}
		conn.Send(d.redis.DispatchWrite(rewritten, 0))
	case KindRaft:
		conn.Send(resp.Err("raft not enabled on this node"))
	default:
		conn.Send(resp.Err("internal dispatching error for '" + req[0] + "'"))
	}
}
