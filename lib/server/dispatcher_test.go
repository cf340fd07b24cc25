package server

import (
	"strings"
	"testing"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/sm"
)

func testDispatcher(t *testing.T) *RedisDispatcher {
	t.Helper()
	machine, err := sm.Open(t.TempDir(), sm.Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("sm.Open: %v", err)
	}
	t.Cleanup(func() { machine.Close() })
	return NewRedisDispatcher(machine)
}

func TestDispatcherSetGet(t *testing.T) {
	dispatcher := testDispatcher(t)

	if got := dispatcher.DispatchWrite(resp.Request{"SET", "asdf", "1234"}, 1); got.Value() != "+OK\r\n" {
		t.Errorf("SET = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"GET", "asdf"}); got.Value() != "$4\r\n1234\r\n" {
		t.Errorf("GET = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"GET", "missing"}); got.Value() != "$-1\r\n" {
		t.Errorf("GET missing = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"GET"}); !strings.HasPrefix(got.Value(), "-ERR wrong number of arguments") {
		t.Errorf("GET without key = %q", got.Value())
	}
}

func TestDispatcherWrongType(t *testing.T) {
	dispatcher := testDispatcher(t)

	dispatcher.DispatchWrite(resp.Request{"SET", "key", "value"}, 1)
	got := dispatcher.DispatchWrite(resp.Request{"SADD", "key", "member"}, 2)
	if !strings.HasPrefix(got.Value(), "-ERR WRONGTYPE") {
		t.Errorf("SADD on string = %q", got.Value())
	}
}

func TestDispatcherSetCommands(t *testing.T) {
	dispatcher := testDispatcher(t)

	if got := dispatcher.DispatchWrite(resp.Request{"SADD", "myset", "a", "b", "c"}, 1); got.Value() != ":3\r\n" {
		t.Errorf("SADD = %q", got.Value())
	}
	expected := "*3\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n"
	if got := dispatcher.DispatchRead(resp.Request{"SMEMBERS", "myset"}); got.Value() != expected {
		t.Errorf("SMEMBERS = %q, want %q", got.Value(), expected)
	}
	if got := dispatcher.DispatchWrite(resp.Request{"SREM", "myset", "a", "b"}, 2); got.Value() != ":2\r\n" {
		t.Errorf("SREM = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"SCARD", "myset"}); got.Value() != ":1\r\n" {
		t.Errorf("SCARD = %q", got.Value())
	}
}

func TestDispatcherHScanCursorFormat(t *testing.T) {
	dispatcher := testDispatcher(t)

	pairs := resp.Request{"HMSET", "hash"}
	for _, i := range []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"} {
		pairs = append(pairs, "f"+i, "v"+i)
	}
	if got := dispatcher.DispatchWrite(pairs, 1); got.Value() != "+OK\r\n" {
		t.Fatalf("HMSET = %q", got.Value())
	}

	got := dispatcher.DispatchRead(resp.Request{"HSCAN", "hash", "0", "COUNT", "3"})
	expected := resp.Scan("next:f4", []string{"f1", "v1", "f2", "v2", "f3", "v3"}).Value()
	if got.Value() != expected {
		t.Errorf("HSCAN = %q, want %q", got.Value(), expected)
	}

	got = dispatcher.DispatchRead(resp.Request{"HSCAN", "hash", "next:f4", "COUNT", "3"})
	expected = resp.Scan("next:f7", []string{"f4", "v4", "f5", "v5", "f6", "v6"}).Value()
	if got.Value() != expected {
		t.Errorf("second HSCAN = %q, want %q", got.Value(), expected)
	}

	// Only "0" and "next:" cursors are acceptable.
	got = dispatcher.DispatchRead(resp.Request{"HSCAN", "hash", "f4", "COUNT", "3"})
	if !strings.HasPrefix(got.Value(), "-ERR invalid cursor") {
		t.Errorf("bare cursor accepted: %q", got.Value())
	}
}

func TestDispatcherDequeAliases(t *testing.T) {
	dispatcher := testDispatcher(t)

	if got := dispatcher.DispatchWrite(resp.Request{"LPUSH", "L", "i1", "i2", "i3", "i4"}, 1); got.Value() != ":4\r\n" {
		t.Errorf("LPUSH = %q", got.Value())
	}
	if got := dispatcher.DispatchWrite(resp.Request{"LPOP", "L"}, 2); got.Value() != "$2\r\ni4\r\n" {
		t.Errorf("LPOP = %q", got.Value())
	}
	if got := dispatcher.DispatchWrite(resp.Request{"RPOP", "L"}, 3); got.Value() != "$2\r\ni1\r\n" {
		t.Errorf("RPOP = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"LLEN", "L"}); got.Value() != ":2\r\n" {
		t.Errorf("LLEN = %q", got.Value())
	}
}

func TestDispatcherHIncrByMulti(t *testing.T) {
	dispatcher := testDispatcher(t)

	got := dispatcher.DispatchWrite(resp.Request{"HINCRBYMULTI", "h1", "f", "3", "h2", "g", "4"}, 1)
	if got.Value() != ":7\r\n" {
		t.Errorf("HINCRBYMULTI = %q, want :7", got.Value())
	}

	got = dispatcher.DispatchWrite(resp.Request{"HINCRBYMULTI", "h1", "f", "-5", "h2", "g", "20", "h4", "k", "13"}, 2)
	if got.Value() != ":35\r\n" {
		t.Errorf("second HINCRBYMULTI = %q, want :35", got.Value())
	}

	if got := dispatcher.DispatchRead(resp.Request{"HGET", "h1", "f"}); got.Value() != "$2\r\n-2\r\n" {
		t.Errorf("HGET h1 f = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"HGET", "h2", "g"}); got.Value() != "$2\r\n24\r\n" {
		t.Errorf("HGET h2 g = %q", got.Value())
	}
	if got := dispatcher.DispatchRead(resp.Request{"HGET", "h4", "k"}); got.Value() != "$2\r\n13\r\n" {
		t.Errorf("HGET h4 k = %q", got.Value())
	}
}

func TestDispatcherMalformedWriteConsumesIndex(t *testing.T) {
	dispatcher := testDispatcher(t)

	// A malformed entry must still advance last-applied through a no-op.
	got := dispatcher.DispatchWrite(resp.Request{"SET", "only-key"}, 1)
	if !strings.HasPrefix(got.Value(), "-ERR wrong number of arguments") {
		t.Errorf("malformed SET = %q", got.Value())
	}
	if dispatcher.Machine().LastApplied() != 1 {
		t.Errorf("last applied = %d, want 1", dispatcher.Machine().LastApplied())
	}
}

func TestDispatcherLeaseTimestamping(t *testing.T) {
	dispatcher := testDispatcher(t)

	rewritten, ok := dispatcher.TimestampLeaseRequest(resp.Request{"LEASE_ACQUIRE", "key", "holder", "10000"})
	if !ok || rewritten.Command() != "TIMESTAMPED_LEASE_ACQUIRE" || len(rewritten) != 5 {
		t.Fatalf("rewritten = %v", rewritten)
	}

	got := dispatcher.DispatchWrite(rewritten, 1)
	if got.Value() != "+ACQUIRED\r\n" {
		t.Errorf("lease acquire = %q", got.Value())
	}

	// Non-lease writes pass through untouched.
	passthrough, ok := dispatcher.TimestampLeaseRequest(resp.Request{"SET", "a", "b"})
	if !ok || passthrough.Command() != "SET" {
		t.Errorf("passthrough = %v", passthrough)
	}
}

func TestPublisherMonitorBroadcast(t *testing.T) {
	publisher := NewPublisher()

	monitorConn, monitorClient := testConnection(t)
	publisher.RegisterMonitor(monitorConn)

	originConn, _ := testConnection(t)

	received := make(chan string, 1)
	go func() {
		received <- readAll(t, monitorClient, 10)
	}()

	publisher.BroadcastMonitor(originConn, resp.Request{"SET", "k", "v"})

	got := <-received
	if !strings.Contains(got, "SET") || !strings.Contains(got, "\"k\"") {
		t.Errorf("monitor broadcast = %q", got)
	}
}

func TestPublisherPubsub(t *testing.T) {
	publisher := NewPublisher()

	subConn, subClient := testConnection(t)
	count := publisher.Subscribe(subConn.Queue(), "events")
	if count != 1 {
		t.Errorf("subscription count = %d", count)
	}

	received := make(chan string, 1)
	go func() {
		received <- readAll(t, subClient, len(resp.Message(false, "events", "hello").Value()))
	}()

	if delivered := publisher.Publish("events", "hello"); delivered != 1 {
		t.Errorf("delivered = %d", delivered)
	}

	expected := resp.Message(false, "events", "hello").Value()
	if got := <-received; got != expected {
		t.Errorf("message = %q, want %q", got, expected)
	}

	if count := publisher.Unsubscribe(subConn.Queue(), "events"); count != 0 {
		t.Errorf("count after unsubscribe = %d", count)
	}
	if delivered := publisher.Publish("events", "again"); delivered != 0 {
		t.Errorf("delivered after unsubscribe = %d", delivered)
	}
}
