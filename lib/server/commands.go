// Package server implements the client-facing side of a node: the TCP
// accept loop, per-connection request pipelines, the redis command
// dispatcher over the state machine, and the pending queues that tie
// response ordering to journal commit progress.
package server

// CommandKind classifies how a command travels through the system.
type CommandKind int

const (
	// KindRead is served locally from the state machine.
	KindRead CommandKind = iota
	// KindWrite must go through consensus before applying.
	KindWrite
	// KindControl affects only this connection or node.
	KindControl
	// KindRaft is an inter-node RPC or raft control command.
	KindRaft
	// KindQuarkdb is node administration.
	KindQuarkdb
	// KindPubsub handles subscriptions and message publishing.
	KindPubsub
)

// CommandTable maps the uppercase command name to its classification.
var CommandTable = map[string]CommandKind{
	"GET":    KindRead,
	"EXISTS": KindRead,
	"KEYS":   KindRead,
	"SCAN":   KindRead,

	"HGET":    KindRead,
	"HEXISTS": KindRead,
	"HKEYS":   KindRead,
	"HGETALL": KindRead,
	"HLEN":    KindRead,
	"HVALS":   KindRead,
	"HSCAN":   KindRead,

	"SISMEMBER": KindRead,
	"SMEMBERS":  KindRead,
	"SCARD":     KindRead,
	"SSCAN":     KindRead,

	"LLEN": KindRead,

	"LHLEN": KindRead,
	"LHGET": KindRead,

	"CONFIG_GET":    KindRead,
	"CONFIG_GETALL": KindRead,

	"SET":      KindWrite,
	"DEL":      KindWrite,
	"FLUSHALL": KindWrite,

	"HSET":         KindWrite,
	"HMSET":        KindWrite,
	"HSETNX":       KindWrite,
	"HDEL":         KindWrite,
	"HINCRBY":      KindWrite,
	"HINCRBYFLOAT": KindWrite,
	"HINCRBYMULTI": KindWrite,
	"HCLONE":       KindWrite,

	"SADD":  KindWrite,
	"SREM":  KindWrite,
	"SMOVE": KindWrite,

	"LPUSH": KindWrite,
	"RPUSH": KindWrite,
	"LPOP":  KindWrite,
	"RPOP":  KindWrite,

	"DEQUE_PUSH_FRONT": KindWrite,
	"DEQUE_PUSH_BACK":  KindWrite,
	"DEQUE_POP_FRONT":  KindWrite,
	"DEQUE_POP_BACK":   KindWrite,
	"DEQUE_TRIM_FRONT": KindWrite,

	"LHSET":  KindWrite,
	"LHMSET": KindWrite,
	"LHDEL":  KindWrite,

	"CONFIG_SET": KindWrite,

	"LEASE_ACQUIRE": KindWrite,
	"LEASE_GET":     KindWrite,
	"LEASE_RELEASE": KindWrite,

	"TIMESTAMPED_LEASE_ACQUIRE": KindWrite,
	"TIMESTAMPED_LEASE_GET":     KindWrite,
	"TIMESTAMPED_LEASE_RELEASE": KindWrite,

	"PING":                 KindControl,
	"CLIENT":               KindControl,
	"MONITOR":              KindControl,
	"ACTIVATE_PUSH_TYPES":  KindControl,
	"ACTIVATE_STALE_READS": KindControl,
	"DEBUG":                KindControl,

	"SUBSCRIBE":   KindPubsub,
	"UNSUBSCRIBE": KindPubsub,
	"PUBLISH":     KindPubsub,

	"RAFT_HANDSHAKE":          KindRaft,
	"RAFT_HEARTBEAT":          KindRaft,
	"RAFT_APPEND_ENTRIES":     KindRaft,
	"RAFT_REQUEST_VOTE":       KindRaft,
	"RAFT_REQUEST_PRE_VOTE":   KindRaft,
	"RAFT_FETCH":              KindRaft,
	"RAFT_FETCH_LAST":         KindRaft,
	"RAFT_JOURNAL_SCAN":       KindRaft,
	"RAFT_INFO":               KindRaft,
	"RAFT_ADD_OBSERVER":       KindRaft,
	"RAFT_REMOVE_MEMBER":      KindRaft,
	"RAFT_PROMOTE_OBSERVER":   KindRaft,
	"RAFT_DEMOTE_TO_OBSERVER": KindRaft,
	"RAFT_ATTEMPT_COUP":       KindRaft,

	"QUARKDB_INFO":                  KindQuarkdb,
	"QUARKDB_VERSION":               KindQuarkdb,
	"QUARKDB_HEALTH":                KindQuarkdb,
	"QUARKDB_CHECKPOINT":            KindQuarkdb,
	"QUARKDB_MANUAL_COMPACTION":     KindQuarkdb,
	"QUARKDB_VERIFY_CHECKSUM":       KindQuarkdb,
	"QUARKDB_BULKLOAD_FINALIZE":     KindQuarkdb,
	"QUARKDB_START_RESILVERING":     KindQuarkdb,
	"QUARKDB_RESILVERING_COPY_FILE": KindQuarkdb,
	"QUARKDB_FINISH_RESILVERING":    KindQuarkdb,
	"QUARKDB_CANCEL_RESILVERING":    KindQuarkdb,
}

// IsWrite reports whether the command mutates the state machine.
func IsWrite(command string) bool {
	kind, ok := CommandTable[command]
	return ok && kind == KindWrite
}

// IsRead reports whether the command is a state-machine read.
func IsRead(command string) bool {
	kind, ok := CommandTable[command]
	return ok && kind == KindRead
}
