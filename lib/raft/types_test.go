package raft

import (
	"testing"

	"github.com/quarkdb/quarkdb/lib/resp"
)

func TestEntrySerializationRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"simple", Entry{Term: 5, Request: resp.Request{"SET", "asdf", "1234"}}},
		{"empty-tokens", Entry{Term: 0, Request: resp.Request{"PING", ""}}},
		{"binary", Entry{Term: 12, Request: resp.Request{"SET", "k\x00ey", "\xff\xfe\r\n"}}},
		{"membership", Entry{Term: 3, Request: resp.Request{"JOURNAL_UPDATE_MEMBERS", "a:1,b:2|c:3", "cluster-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.entry.Serialize()

			decoded, err := DeserializeEntry(data)
			if err != nil {
				t.Fatalf("DeserializeEntry: %v", err)
			}
			if !decoded.Equal(&tt.entry) {
				t.Errorf("round trip mismatch: %+v vs %+v", decoded, tt.entry)
			}
			if EntryTerm(data) != tt.entry.Term {
				t.Errorf("EntryTerm = %d, want %d", EntryTerm(data), tt.entry.Term)
			}
		})
	}
}

func TestDeserializeEntryCorrupted(t *testing.T) {
	if _, err := DeserializeEntry("short"); err == nil {
		t.Errorf("truncated entry accepted")
	}

	entry := Entry{Term: 1, Request: resp.Request{"SET", "k", "v"}}
	data := entry.Serialize()
	if _, err := DeserializeEntry(data[:len(data)-1]); err == nil {
		t.Errorf("entry with truncated token accepted")
	}
}

func TestEntryShapes(t *testing.T) {
	marker := Entry{Term: 2, Request: resp.Request{"JOURNAL_LEADERSHIP_MARKER", "2", "host:7777"}}
	if !marker.IsLeadershipMarker() || marker.IsMembershipUpdate() {
		t.Errorf("marker misclassified")
	}

	update := Entry{Term: 2, Request: resp.Request{"JOURNAL_UPDATE_MEMBERS", "a:1|", "cid"}}
	if !update.IsMembershipUpdate() || update.IsLeadershipMarker() {
		t.Errorf("membership update misclassified")
	}

	ordinary := Entry{Term: 2, Request: resp.Request{"SET", "k", "v"}}
	if ordinary.IsMembershipUpdate() || ordinary.IsLeadershipMarker() {
		t.Errorf("ordinary entry misclassified")
	}
}

func TestParseServer(t *testing.T) {
	srv, err := ParseServer("example.cern.ch:7777")
	if err != nil || srv.Hostname != "example.cern.ch" || srv.Port != 7777 {
		t.Errorf("ParseServer = (%+v, %v)", srv, err)
	}

	if _, err := ParseServer("no-port"); err == nil {
		t.Errorf("server without port accepted")
	}
	if _, err := ParseServer(":123"); err == nil {
		t.Errorf("server without hostname accepted")
	}

	servers, err := ParseServers("a:1,b:2,c:3")
	if err != nil || len(servers) != 3 {
		t.Fatalf("ParseServers = (%v, %v)", servers, err)
	}
	if SerializeServers(servers) != "a:1,b:2,c:3" {
		t.Errorf("SerializeServers = %q", SerializeServers(servers))
	}
}

func TestMembersSerialization(t *testing.T) {
	members := Members{
		Nodes:     []Server{{"a", 1}, {"b", 2}},
		Observers: []Server{{"c", 3}},
	}

	parsed, err := ParseMembers(members.Serialize())
	if err != nil {
		t.Fatalf("ParseMembers: %v", err)
	}
	if len(parsed.Nodes) != 2 || len(parsed.Observers) != 1 || parsed.Observers[0] != (Server{"c", 3}) {
		t.Errorf("parsed members mismatch: %+v", parsed)
	}

	// No observers
	solo := Members{Nodes: []Server{{"a", 1}}}
	parsed, err = ParseMembers(solo.Serialize())
	if err != nil || len(parsed.Observers) != 0 || len(parsed.Nodes) != 1 {
		t.Errorf("members without observers mismatch: %+v, %v", parsed, err)
	}
}

func TestMembersOperations(t *testing.T) {
	members := Members{Nodes: []Server{{"a", 1}, {"b", 2}}}

	if err := members.AddObserver(Server{"c", 3}); err != nil {
		t.Fatalf("AddObserver: %v", err)
	}
	if err := members.AddObserver(Server{"c", 3}); err == nil {
		t.Errorf("duplicate observer accepted")
	}
	if err := members.AddObserver(Server{"a", 1}); err == nil {
		t.Errorf("existing node accepted as observer")
	}

	if err := members.PromoteObserver(Server{"c", 3}); err != nil {
		t.Fatalf("PromoteObserver: %v", err)
	}
	if !members.IsFullMember(Server{"c", 3}) {
		t.Errorf("promoted observer is not a full member")
	}

	if err := members.DemoteToObserver(Server{"b", 2}); err != nil {
		t.Fatalf("DemoteToObserver: %v", err)
	}
	if members.IsFullMember(Server{"b", 2}) || !members.IsMember(Server{"b", 2}) {
		t.Errorf("demotion did not work: %+v", members)
	}

	if err := members.RemoveMember(Server{"b", 2}); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if members.IsMember(Server{"b", 2}) {
		t.Errorf("removed member still present")
	}
	if err := members.RemoveMember(Server{"x", 9}); err == nil {
		t.Errorf("removing a non-member succeeded")
	}
}

func TestQuorumSize(t *testing.T) {
	tests := []struct{ members, quorum int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {7, 4},
	}
	for _, tt := range tests {
		if got := QuorumSize(tt.members); got != tt.quorum {
			t.Errorf("QuorumSize(%d) = %d, want %d", tt.members, got, tt.quorum)
		}
	}
}

func TestReplicaUpToDate(t *testing.T) {
	replica := ReplicaStatus{Target: Server{"a", 1}, Online: true, LogSize: 100}
	if !replica.UpToDate(200) {
		t.Errorf("replica lagging 100 entries should be up-to-date")
	}
	if replica.UpToDate(100 + upToDateThreshold) {
		t.Errorf("replica lagging %d entries should not be up-to-date", upToDateThreshold)
	}

	offline := ReplicaStatus{Target: Server{"a", 1}, Online: false, LogSize: 100}
	if offline.UpToDate(100) {
		t.Errorf("offline replica counted as up-to-date")
	}
}

func TestTimeoutsParsing(t *testing.T) {
	parsed, err := ParseTimeouts("1000:1500:250")
	if err != nil || parsed != DefaultTimeouts {
		t.Errorf("ParseTimeouts = (%+v, %v)", parsed, err)
	}
	if parsed.String() != "1000:1500:250" {
		t.Errorf("Timeouts.String = %q", parsed.String())
	}

	if _, err := ParseTimeouts("1000:1500"); err == nil {
		t.Errorf("two-field timeouts accepted")
	}
	if _, err := ParseTimeouts("a:b:c"); err == nil {
		t.Errorf("non-numeric timeouts accepted")
	}

	for i := 0; i < 100; i++ {
		random := TightTimeouts.Random()
		if random < TightTimeouts.Low || random > TightTimeouts.High {
			t.Fatalf("random timeout %s outside [%s, %s]", random, TightTimeouts.Low, TightTimeouts.High)
		}
	}
}
