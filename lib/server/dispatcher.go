package server

import (
	"errors"
	"strconv"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// scanCursorPrefix is the wire format of non-initial cursors. Only "0" and
// "next:<field>" are valid; anything else is rejected for client
// compatibility.
const scanCursorPrefix = "next:"

func parseCursor(raw string) (string, bool) {
	if raw == "0" || raw == "" {
		return "", true
	}
	if len(raw) > len(scanCursorPrefix) && raw[:len(scanCursorPrefix)] == scanCursorPrefix {
		return raw[len(scanCursorPrefix):], true
	}
	return "", false
}

func encodeCursor(next string) string {
	if next == "" {
		return "0"
	}
	return scanCursorPrefix + next
}

// RedisDispatcher executes data commands against the state machine. Writes
// carry the journal index they commit under; index 0 marks out-of-band
// writes in standalone mode.
type RedisDispatcher struct {
	machine *sm.StateMachine
}

func NewRedisDispatcher(machine *sm.StateMachine) *RedisDispatcher {
	return &RedisDispatcher{machine: machine}
}

func (d *RedisDispatcher) Machine() *sm.StateMachine { return d.machine }

func fromError(err error) resp.EncodedResponse {
	if err == nil {
		return resp.OK()
	}
	return resp.Err(err.Error())
}

// DispatchRead serves a read command from the state machine.
func (d *RedisDispatcher) DispatchRead(req resp.Request) resp.EncodedResponse {
	command := req.Command()

	switch command {
	case "GET":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		value, err := d.machine.Get(req[1])
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null()
		}
		if err != nil {
			return fromError(err)
		}
		return resp.String(value)

	case "EXISTS":
		if len(req) < 2 {
			return resp.ErrArgs(req[0])
		}
		count, err := d.machine.Exists(req[1:])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(count)

	case "KEYS":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		keys, err := d.machine.Keys(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(keys)

	case "SCAN":
		if len(req) != 2 && len(req) != 4 && len(req) != 6 {
			return resp.ErrArgs(req[0])
		}
		cursor, ok := parseCursor(req[1])
		if !ok {
			return resp.Err("invalid cursor")
		}
		pattern := "*"
		count := int64(100)
		for i := 2; i+1 < len(req); i += 2 {
			switch {
			case equalsIgnoreCase(req[i], "MATCH"):
				pattern = req[i+1]
			case equalsIgnoreCase(req[i], "COUNT"):
				parsed, err := strconv.ParseInt(req[i+1], 10, 64)
				if err != nil || parsed <= 0 {
					return resp.Err("value is not an integer or out of range")
				}
				count = parsed
			default:
				return resp.Err("syntax error")
			}
		}
		next, results, err := d.machine.Scan(cursor, pattern, count)
		if err != nil {
			return fromError(err)
		}
		return resp.Scan(encodeCursor(next), results)

	case "HGET":
		if len(req) != 3 {
			return resp.ErrArgs(req[0])
		}
		value, err := d.machine.HGet(req[1], req[2])
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null()
		}
		if err != nil {
			return fromError(err)
		}
		return resp.String(value)

	case "HEXISTS":
		if len(req) != 3 {
			return resp.ErrArgs(req[0])
		}
		exists, err := d.machine.HExists(req[1], req[2])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(boolToInt(exists))

	case "HKEYS":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		keys, err := d.machine.HKeys(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(keys)

	case "HGETALL":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		res, err := d.machine.HGetall(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(res)

	case "HLEN":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		size, err := d.machine.HLen(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(size)

	case "HVALS":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		vals, err := d.machine.HVals(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(vals)

	case "HSCAN":
		if len(req) != 3 && len(req) != 5 {
			return resp.ErrArgs(req[0])
		}
		cursor, ok := parseCursor(req[2])
		if !ok {
			return resp.Err("invalid cursor")
		}
		count := int64(100)
		if len(req) == 5 {
			if !equalsIgnoreCase(req[3], "COUNT") {
				return resp.Err("syntax error")
			}
			parsed, err := strconv.ParseInt(req[4], 10, 64)
			if err != nil || parsed <= 0 {
				return resp.Err("value is not an integer or out of range")
			}
			count = parsed
		}
		next, res, err := d.machine.HScan(req[1], cursor, count)
		if err != nil {
			return fromError(err)
		}
		return resp.Scan(encodeCursor(next), res)

	case "SISMEMBER":
		if len(req) != 3 {
			return resp.ErrArgs(req[0])
		}
		ok, err := d.machine.SIsMember(req[1], req[2])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(boolToInt(ok))

	case "SMEMBERS":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		members, err := d.machine.SMembers(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(members)

	case "SCARD":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		count, err := d.machine.SCard(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(count)

	case "SSCAN":
		if len(req) != 3 && len(req) != 5 {
			return resp.ErrArgs(req[0])
		}
		cursor, ok := parseCursor(req[2])
		if !ok {
			return resp.Err("invalid cursor")
		}
		count := int64(100)
		if len(req) == 5 {
			if !equalsIgnoreCase(req[3], "COUNT") {
				return resp.Err("syntax error")
			}
			parsed, err := strconv.ParseInt(req[4], 10, 64)
			if err != nil || parsed <= 0 {
				return resp.Err("value is not an integer or out of range")
			}
			count = parsed
		}
		next, res, err := d.machine.SScan(req[1], cursor, count)
		if err != nil {
			return fromError(err)
		}
		return resp.Scan(encodeCursor(next), res)

	case "LLEN":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		size, err := d.machine.DequeLen(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(size)

	case "LHLEN":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		size, err := d.machine.LHLen(req[1])
		if err != nil {
			return fromError(err)
		}
		return resp.Integer(size)

	case "LHGET":
		if len(req) != 3 && len(req) != 4 {
			return resp.ErrArgs(req[0])
		}
		hint := ""
		if len(req) == 4 {
			hint = req[3]
		}
		value, err := d.machine.LHGet(req[1], req[2], hint)
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null()
		}
		if err != nil {
			return fromError(err)
		}
		return resp.String(value)

	case "CONFIG_GET":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		value, err := d.machine.ConfigGet(req[1])
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null()
		}
		if err != nil {
			return fromError(err)
		}
		return resp.String(value)

	case "CONFIG_GETALL":
		if len(req) != 1 {
			return resp.ErrArgs(req[0])
		}
		res, err := d.machine.ConfigGetall()
		if err != nil {
			return fromError(err)
		}
		return resp.Vector(res)
	}

	return resp.Err("unknown command '" + req[0] + "'")
}

// DispatchWrite applies a write command under the given journal index.
// Malformed entries still consume the index through a no-op so that
// lastApplied keeps advancing.
func (d *RedisDispatcher) DispatchWrite(req resp.Request, index int64) resp.EncodedResponse {
	response, consumed := d.dispatchWrite(req, index)
	if !consumed && index > 0 {
		d.machine.Noop(index)
	}
	return response
}

func (d *RedisDispatcher) dispatchWrite(req resp.Request, index int64) (resp.EncodedResponse, bool) {
	command := req.Command()

	switch command {
	case "SET":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		return fromError(d.machine.Set(req[1], req[2], index)), true

	case "DEL":
		if len(req) < 2 {
			return resp.ErrArgs(req[0]), false
		}
		removed, err := d.machine.Del(req[1:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(removed), true

	case "FLUSHALL":
		if len(req) != 1 {
			return resp.ErrArgs(req[0]), false
		}
		return fromError(d.machine.Flushall(index)), true

	case "HSET":
		if len(req) != 4 {
			return resp.ErrArgs(req[0]), false
		}
		created, err := d.machine.HSet(req[1], req[2], req[3], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(boolToInt(created)), true

	case "HMSET":
		if len(req) < 4 || len(req)%2 != 0 {
			return resp.ErrArgs(req[0]), false
		}
		if err := d.machine.HMSet(req[1], req[2:], index); err != nil {
			return fromError(err), true
		}
		return resp.OK(), true

	case "HSETNX":
		if len(req) != 4 {
			return resp.ErrArgs(req[0]), false
		}
		created, err := d.machine.HSetNX(req[1], req[2], req[3], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(boolToInt(created)), true

	case "HDEL":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		removed, err := d.machine.HDel(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(removed), true

	case "HINCRBY":
		if len(req) != 4 {
			return resp.ErrArgs(req[0]), false
		}
		result, err := d.machine.HIncrBy(req[1], req[2], req[3], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(result), true

	case "HINCRBYFLOAT":
		if len(req) != 4 {
			return resp.ErrArgs(req[0]), false
		}
		result, err := d.machine.HIncrByFloat(req[1], req[2], req[3], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.String(strconv.FormatFloat(result, 'f', -1, 64)), true

	case "HINCRBYMULTI":
		// Triplets of (key, field, delta), all applied in one transaction;
		// the reply is the sum of the individual results.
		if len(req) < 4 || (len(req)-1)%3 != 0 {
			return resp.ErrArgs(req[0]), false
		}
		staging := d.machine.NewStagingArea()
		var sum int64
		var firstErr error
		for i := 1; i+2 < len(req); i += 3 {
			result, err := d.machine.StagedHIncrBy(staging, req[i], req[i+1], req[i+2])
			if err != nil {
				firstErr = err
				break
			}
			sum += result
		}
		if err := staging.Commit(index); err != nil {
			return fromError(err), true
		}
		if firstErr != nil {
			return fromError(firstErr), true
		}
		return resp.Integer(sum), true

	case "HCLONE":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		return fromError(d.machine.HClone(req[1], req[2], index)), true

	case "SADD":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		added, err := d.machine.SAdd(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(added), true

	case "SREM":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		removed, err := d.machine.SRem(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(removed), true

	case "SMOVE":
		if len(req) != 4 {
			return resp.ErrArgs(req[0]), false
		}
		moved, err := d.machine.SMove(req[1], req[2], req[3], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(boolToInt(moved)), true

	case "LPUSH", "DEQUE_PUSH_FRONT":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		length, err := d.machine.DequePushFront(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(length), true

	case "RPUSH", "DEQUE_PUSH_BACK":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		length, err := d.machine.DequePushBack(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(length), true

	case "LPOP", "DEQUE_POP_FRONT":
		if len(req) != 2 {
			return resp.ErrArgs(req[0]), false
		}
		item, err := d.machine.DequePopFront(req[1], index)
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null(), true
		}
		if err != nil {
			return fromError(err), true
		}
		return resp.String(item), true

	case "RPOP", "DEQUE_POP_BACK":
		if len(req) != 2 {
			return resp.ErrArgs(req[0]), false
		}
		item, err := d.machine.DequePopBack(req[1], index)
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Null(), true
		}
		if err != nil {
			return fromError(err), true
		}
		return resp.String(item), true

	case "DEQUE_TRIM_FRONT":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		removed, err := d.machine.DequeTrimFront(req[1], req[2], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(removed), true

	case "LHSET":
		if len(req) != 5 {
			return resp.ErrArgs(req[0]), false
		}
		created, err := d.machine.LHSet(req[1], req[2], req[3], req[4], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(boolToInt(created)), true

	case "LHMSET":
		if len(req) < 5 || (len(req)-2)%3 != 0 {
			return resp.ErrArgs(req[0]), false
		}
		if err := d.machine.LHMSet(req[1], req[2:], index); err != nil {
			return fromError(err), true
		}
		return resp.OK(), true

	case "LHDEL":
		if len(req) < 3 {
			return resp.ErrArgs(req[0]), false
		}
		removed, err := d.machine.LHDel(req[1], req[2:], index)
		if err != nil {
			return fromError(err), true
		}
		return resp.Integer(removed), true

	case "CONFIG_SET":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		return fromError(d.machine.ConfigSet(req[1], req[2], index)), true

	case "TIMESTAMPED_LEASE_ACQUIRE":
		// key holder duration clock - the clock was stamped by the leader so
		// every replica applies the same value.
		if len(req) != 5 {
			return resp.ErrArgs(req[0]), false
		}
		duration, err1 := strconv.ParseUint(req[3], 10, 64)
		clock, err2 := strconv.ParseUint(req[4], 10, 64)
		if err1 != nil || err2 != nil {
			return resp.Err("value is not an integer or out of range"), false
		}
		status, info, err := d.machine.LeaseAcquire(req[1], req[2], sm.ClockValue(clock), duration, index)
		if err != nil {
			return fromError(err), true
		}
		switch status {
		case sm.LeaseAcquired:
			return resp.Status("ACQUIRED"), true
		case sm.LeaseRenewed:
			return resp.Status("RENEWED"), true
		case sm.LeaseFailedDueToOtherOwner:
			return resp.Err("lease held by '" + info.Holder + "'"), true
		default:
			return fromError(sm.ErrWrongType), true
		}

	case "TIMESTAMPED_LEASE_GET":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		clock, err := strconv.ParseUint(req[2], 10, 64)
		if err != nil {
			return resp.Err("value is not an integer or out of range"), false
		}
		info, err2 := d.machine.LeaseGet(req[1], sm.ClockValue(clock), index)
		if errors.Is(err2, sm.ErrNotFound) {
			return resp.Null(), true
		}
		if err2 != nil {
			return fromError(err2), true
		}
		return resp.Vector([]string{
			"HOLDER: " + info.Holder,
			"DEADLINE: " + strconv.FormatUint(uint64(info.Deadline), 10),
		}), true

	case "TIMESTAMPED_LEASE_RELEASE":
		if len(req) != 3 {
			return resp.ErrArgs(req[0]), false
		}
		clock, err := strconv.ParseUint(req[2], 10, 64)
		if err != nil {
			return resp.Err("value is not an integer or out of range"), false
		}
		err = d.machine.LeaseRelease(req[1], sm.ClockValue(clock), index)
		if errors.Is(err, sm.ErrNotFound) {
			return resp.Err("lease not found"), true
		}
		return fromError(err), true
	}

	return resp.Err("unknown command '" + req[0] + "'"), false
}

// TimestampLeaseRequest rewrites a client lease command into its
// timestamped form, stamping the current dynamic clock. Every replica then
// applies identical timestamps.
func (d *RedisDispatcher) TimestampLeaseRequest(req resp.Request) (resp.Request, bool) {
	clock := strconv.FormatUint(uint64(d.machine.DynamicClock()), 10)

	switch req.Command() {
	case "LEASE_ACQUIRE":
		if len(req) != 4 {
			return nil, false
		}
		return resp.Request{"TIMESTAMPED_LEASE_ACQUIRE", req[1], req[2], req[3], clock}, true
	case "LEASE_GET":
		if len(req) != 2 {
			return nil, false
		}
		return resp.Request{"TIMESTAMPED_LEASE_GET", req[1], clock}, true
	case "LEASE_RELEASE":
		if len(req) != 2 {
			return nil, false
		}
		return resp.Request{"TIMESTAMPED_LEASE_RELEASE", req[1], clock}, true
	}
	return req, true
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func equalsIgnoreCase(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
