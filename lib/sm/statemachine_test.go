package sm

import (
	"errors"
	"fmt"
	"testing"
)

func openTestMachine(t *testing.T) *StateMachine {
	t.Helper()
	machine, err := Open(t.TempDir(), Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { machine.Close() })
	return machine
}

func TestSetGet(t *testing.T) {
	machine := openTestMachine(t)

	if err := machine.Set("asdf", "1234", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, err := machine.Get("asdf")
	if err != nil || value != "1234" {
		t.Errorf("Get = (%q, %v), want (\"1234\", nil)", value, err)
	}

	if _, err := machine.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}

	if machine.LastApplied() != 1 {
		t.Errorf("LastApplied = %d, want 1", machine.LastApplied())
	}
}

func TestWrongTypeRejected(t *testing.T) {
	machine := openTestMachine(t)

	if err := machine.Set("key", "value", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := machine.HSet("key", "f", "v", 2); !errors.Is(err, ErrWrongType) {
		t.Errorf("HSet on string key = %v, want ErrWrongType", err)
	}
	if _, err := machine.SAdd("key", []string{"a"}, 3); !errors.Is(err, ErrWrongType) {
		t.Errorf("SAdd on string key = %v, want ErrWrongType", err)
	}
	if _, err := machine.SMembers("key"); !errors.Is(err, ErrWrongType) {
		t.Errorf("SMembers on string key = %v, want ErrWrongType", err)
	}
}

func TestAtMostOnceApplication(t *testing.T) {
	machine := openTestMachine(t)

	if err := machine.Set("k", "v1", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("re-applying index 1 did not panic")
		}
	}()
	machine.Set("k", "v2", 1)
}

func TestSetOperations(t *testing.T) {
	machine := openTestMachine(t)

	added, err := machine.SAdd("myset", []string{"a", "b", "c"}, 1)
	if err != nil || added != 3 {
		t.Fatalf("SAdd = (%d, %v), want (3, nil)", added, err)
	}

	members, err := machine.SMembers("myset")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	expected := []string{"a", "b", "c"}
	if len(members) != 3 {
		t.Fatalf("SMembers = %v", members)
	}
	for i := range expected {
		if members[i] != expected[i] {
			t.Errorf("SMembers[%d] = %q, want %q", i, members[i], expected[i])
		}
	}

	removed, err := machine.SRem("myset", []string{"a", "b"}, 2)
	if err != nil || removed != 2 {
		t.Fatalf("SRem = (%d, %v), want (2, nil)", removed, err)
	}

	card, err := machine.SCard("myset")
	if err != nil || card != 1 {
		t.Errorf("SCard = (%d, %v), want (1, nil)", card, err)
	}
}

func TestSMove(t *testing.T) {
	machine := openTestMachine(t)

	machine.SAdd("src", []string{"x", "y"}, 1)
	machine.SAdd("dst", []string{"y"}, 2)

	moved, err := machine.SMove("src", "dst", "x", 3)
	if err != nil || !moved {
		t.Fatalf("SMove = (%v, %v)", moved, err)
	}

	if card, _ := machine.SCard("src"); card != 1 {
		t.Errorf("src card = %d, want 1", card)
	}
	if card, _ := machine.SCard("dst"); card != 2 {
		t.Errorf("dst card = %d, want 2", card)
	}

	moved, err = machine.SMove("src", "dst", "missing", 4)
	if err != nil || moved {
		t.Errorf("SMove(missing) = (%v, %v), want (false, nil)", moved, err)
	}
}

func TestHashOperations(t *testing.T) {
	machine := openTestMachine(t)

	index := LogIndex(1)
	for i := 1; i <= 9; i++ {
		created, err := machine.HSet("hash", fmt.Sprintf("f%d", i), fmt.Sprintf("v%d", i), index)
		if err != nil || !created {
			t.Fatalf("HSet f%d = (%v, %v)", i, created, err)
		}
		index++
	}

	size, err := machine.HLen("hash")
	if err != nil || size != 9 {
		t.Fatalf("HLen = (%d, %v), want (9, nil)", size, err)
	}

	cursor, res, err := machine.HScan("hash", "", 3)
	if err != nil {
		t.Fatalf("HScan: %v", err)
	}
	if cursor != "f4" {
		t.Errorf("HScan cursor = %q, want \"f4\"", cursor)
	}
	expected := []string{"f1", "v1", "f2", "v2", "f3", "v3"}
	if len(res) != len(expected) {
		t.Fatalf("HScan results = %v", res)
	}
	for i := range expected {
		if res[i] != expected[i] {
			t.Errorf("HScan result[%d] = %q, want %q", i, res[i], expected[i])
		}
	}

	cursor, res, err = machine.HScan("hash", "f4", 3)
	if err != nil || cursor != "f7" {
		t.Errorf("second HScan cursor = (%q, %v), want (\"f7\", nil)", cursor, err)
	}
	if len(res) != 6 || res[0] != "f4" || res[5] != "v6" {
		t.Errorf("second HScan results = %v", res)
	}

	cursor, res, err = machine.HScan("hash", "f7", 3)
	if err != nil || cursor != "" || len(res) != 6 {
		t.Errorf("final HScan = (%q, %v, %v)", cursor, res, err)
	}
}

func TestHIncrBy(t *testing.T) {
	machine := openTestMachine(t)

	result, err := machine.HIncrBy("h1", "f", "3", 1)
	if err != nil || result != 3 {
		t.Fatalf("HIncrBy = (%d, %v), want (3, nil)", result, err)
	}

	result, err = machine.HIncrBy("h1", "f", "-5", 2)
	if err != nil || result != -2 {
		t.Fatalf("HIncrBy = (%d, %v), want (-2, nil)", result, err)
	}

	value, err := machine.HGet("h1", "f")
	if err != nil || value != "-2" {
		t.Errorf("HGet = (%q, %v), want (\"-2\", nil)", value, err)
	}

	machine.HSet("h1", "text", "not-a-number", 3)
	_, err = machine.HIncrBy("h1", "text", "1", 4)
	var m *MalformedError
	if !errors.As(err, &m) {
		t.Errorf("HIncrBy on non-numeric = %v, want MalformedError", err)
	}

	_, err = machine.HIncrBy("h1", "f", "xyz", 5)
	if !errors.As(err, &m) {
		t.Errorf("HIncrBy with bad delta = %v, want MalformedError", err)
	}
}

func TestDequeOperations(t *testing.T) {
	machine := openTestMachine(t)

	length, err := machine.DequePushFront("L", []string{"i1", "i2", "i3", "i4"}, 1)
	if err != nil || length != 4 {
		t.Fatalf("DequePushFront = (%d, %v), want (4, nil)", length, err)
	}

	item, err := machine.DequePopFront("L", 2)
	if err != nil || item != "i4" {
		t.Errorf("DequePopFront = (%q, %v), want (\"i4\", nil)", item, err)
	}

	item, err = machine.DequePopBack("L", 3)
	if err != nil || item != "i1" {
		t.Errorf("DequePopBack = (%q, %v), want (\"i1\", nil)", item, err)
	}

	size, err := machine.DequeLen("L")
	if err != nil || size != 2 {
		t.Errorf("DequeLen = (%d, %v), want (2, nil)", size, err)
	}
}

func TestDequeTrimFront(t *testing.T) {
	machine := openTestMachine(t)

	machine.DequePushBack("q", []string{"a", "b", "c", "d", "e"}, 1)

	removed, err := machine.DequeTrimFront("q", "2", 2)
	if err != nil || removed != 3 {
		t.Fatalf("DequeTrimFront = (%d, %v), want (3, nil)", removed, err)
	}

	if size, _ := machine.DequeLen("q"); size != 2 {
		t.Errorf("DequeLen after trim = %d, want 2", size)
	}

	item, _ := machine.DequePopFront("q", 3)
	if item != "d" {
		t.Errorf("first remaining item = %q, want \"d\"", item)
	}
}

// Empty collections must lose their descriptors; a re-created key starts
// fresh with a new type.
func TestDescriptorLifecycle(t *testing.T) {
	machine := openTestMachine(t)

	machine.SAdd("k", []string{"a"}, 1)
	machine.SRem("k", []string{"a"}, 2)

	count, err := machine.Exists([]string{"k"})
	if err != nil || count != 0 {
		t.Fatalf("Exists after emptying = (%d, %v), want (0, nil)", count, err)
	}

	// The key can now be reused with another type.
	if err := machine.Set("k", "value", 3); err != nil {
		t.Errorf("Set on recycled key: %v", err)
	}
}

func TestKeysAndScan(t *testing.T) {
	machine := openTestMachine(t)

	machine.Set("one:a", "1", 1)
	machine.Set("one:b", "2", 2)
	machine.Set("two:c", "3", 3)

	keys, err := machine.Keys("one:*")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys = (%v, %v)", keys, err)
	}

	next, results, err := machine.Scan("", "one:*", 100)
	if err != nil || next != "" {
		t.Fatalf("Scan = (%q, %v, %v)", next, results, err)
	}
	if len(results) != 2 || results[0] != "one:a" || results[1] != "one:b" {
		t.Errorf("Scan results = %v", results)
	}

	// A count of 1 must return a cursor pointing at the next descriptor.
	next, results, err = machine.Scan("", "*", 1)
	if err != nil || next == "" || len(results) != 1 {
		t.Errorf("bounded Scan = (%q, %v, %v)", next, results, err)
	}
}

func TestConfigSurvivesFlushall(t *testing.T) {
	machine := openTestMachine(t)

	machine.ConfigSet("raft.resilvering", "true", 1)
	machine.Set("userdata", "x", 2)

	if err := machine.Flushall(3); err != nil {
		t.Fatalf("Flushall: %v", err)
	}

	if _, err := machine.Get("userdata"); !errors.Is(err, ErrNotFound) {
		t.Errorf("user data survived flushall: %v", err)
	}

	value, err := machine.ConfigGet("raft.resilvering")
	if err != nil || value != "true" {
		t.Errorf("ConfigGet after flushall = (%q, %v), want (\"true\", nil)", value, err)
	}
}

func TestLocalityHash(t *testing.T) {
	machine := openTestMachine(t)

	created, err := machine.LHSet("lh", "field", "hintA", "v1", 1)
	if err != nil || !created {
		t.Fatalf("LHSet = (%v, %v)", created, err)
	}

	// Correct hint, fast path.
	value, err := machine.LHGet("lh", "field", "hintA")
	if err != nil || value != "v1" {
		t.Errorf("LHGet(correct hint) = (%q, %v)", value, err)
	}

	// Wrong hint falls back through the index.
	value, err = machine.LHGet("lh", "field", "wrong")
	if err != nil || value != "v1" {
		t.Errorf("LHGet(wrong hint) = (%q, %v)", value, err)
	}

	// Hint change keeps size constant and relocates the body.
	created, err = machine.LHSet("lh", "field", "hintB", "v2", 2)
	if err != nil || created {
		t.Fatalf("LHSet(hint change) = (%v, %v), want (false, nil)", created, err)
	}
	if size, _ := machine.LHLen("lh"); size != 1 {
		t.Errorf("LHLen = %d, want 1", size)
	}
	value, err = machine.LHGet("lh", "field", "hintB")
	if err != nil || value != "v2" {
		t.Errorf("LHGet after hint change = (%q, %v)", value, err)
	}

	removed, err := machine.LHDel("lh", []string{"field"}, 3)
	if err != nil || removed != 1 {
		t.Errorf("LHDel = (%d, %v), want (1, nil)", removed, err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	machine := openTestMachine(t)

	status, info, err := machine.LeaseAcquire("lease", "holder-1", 100, 50, 1)
	if err != nil || status != LeaseAcquired {
		t.Fatalf("LeaseAcquire = (%v, %+v, %v)", status, info, err)
	}
	if info.Deadline != 150 {
		t.Errorf("lease deadline = %d, want 150", info.Deadline)
	}

	// Same holder extends.
	status, info, err = machine.LeaseAcquire("lease", "holder-1", 120, 50, 2)
	if err != nil || status != LeaseRenewed || info.Deadline != 170 {
		t.Errorf("renewal = (%v, %+v, %v)", status, info, err)
	}

	// Different holder is refused and learns about the owner.
	status, info, err = machine.LeaseAcquire("lease", "holder-2", 130, 50, 3)
	if err != nil || status != LeaseFailedDueToOtherOwner || info.Holder != "holder-1" {
		t.Errorf("contended acquire = (%v, %+v, %v)", status, info, err)
	}

	// Clock advance past the deadline expires the lease.
	if err := machine.AdvanceClock(200, 4); err != nil {
		t.Fatalf("AdvanceClock: %v", err)
	}
	if _, err := machine.LeaseGet("lease", 0, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("lease survived expiration: %v", err)
	}

	// A new holder may now acquire.
	status, _, err = machine.LeaseAcquire("lease", "holder-2", 210, 50, 6)
	if err != nil || status != LeaseAcquired {
		t.Errorf("post-expiry acquire = (%v, %v)", status, err)
	}
}

func TestLeaseReleaseMissing(t *testing.T) {
	machine := openTestMachine(t)

	err := machine.LeaseRelease("absent", 10, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LeaseRelease(absent) = %v, want ErrNotFound", err)
	}
}

func TestHClone(t *testing.T) {
	machine := openTestMachine(t)

	machine.HMSet("src", []string{"a", "1", "b", "2"}, 1)

	if err := machine.HClone("src", "dst", 2); err != nil {
		t.Fatalf("HClone: %v", err)
	}
	if res, _ := machine.HGetall("dst"); len(res) != 4 {
		t.Errorf("cloned hash = %v", res)
	}

	err := machine.HClone("src", "dst", 3)
	var m *MalformedError
	if !errors.As(err, &m) {
		t.Errorf("HClone onto existing target = %v, want MalformedError", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	machine, err := Open(dir, Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	machine.Set("durable", "yes", 1)
	machine.Close()

	machine, err = Open(dir, Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer machine.Close()

	if machine.LastApplied() != 1 {
		t.Errorf("LastApplied after reopen = %d, want 1", machine.LastApplied())
	}
	if value, _ := machine.Get("durable"); value != "yes" {
		t.Errorf("value lost across reopen: %q", value)
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		str     string
		match   bool
	}{
		{"*", "anything", true},
		{"prefix-*", "prefix-abc", true},
		{"prefix-*", "other", false},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"[ab]x", "ax", true},
		{"[ab]x", "cx", false},
		{"[^a]x", "bx", true},
		{"[a-c]x", "bx", true},
		{"a*c", "abbbc", true},
		{"a*c", "ab", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.str, func(t *testing.T) {
			if got := matchPattern(tt.pattern, tt.str); got != tt.match {
				t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.str, got, tt.match)
			}
		})
	}
}

func TestExtractPatternPrefix(t *testing.T) {
	if got := extractPatternPrefix("fixed-prefix-*"); got != "fixed-prefix-" {
		t.Errorf("extractPatternPrefix = %q", got)
	}
	if got := extractPatternPrefix("no-wildcards"); got != "no-wildcards" {
		t.Errorf("extractPatternPrefix = %q", got)
	}
	if got := extractPatternPrefix("?leading"); got != "" {
		t.Errorf("extractPatternPrefix = %q", got)
	}
}
