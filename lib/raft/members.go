package raft

import (
	"fmt"
	"strings"
)

// Members is the current cluster composition: full voters plus observers.
// Observers are replicated to, but have no vote and do not count towards
// quorum.
type Members struct {
	Nodes     []Server
	Observers []Server
}

// Membership adds the epoch: the log index at which this member set took
// effect.
type Membership struct {
	Nodes     []Server
	Observers []Server
	Epoch     LogIndex
}

// Serialize renders "node1,node2|observer1". The format is carried inside
// membership-update journal entries.
func (m *Members) Serialize() string {
	return SerializeServers(m.Nodes) + "|" + SerializeServers(m.Observers)
}

func ParseMembers(data string) (Members, error) {
	idx := strings.IndexByte(data, '|')
	if idx < 0 {
		return Members{}, fmt.Errorf("cannot parse members %q", data)
	}

	nodes, err := ParseServers(data[:idx])
	if err != nil {
		return Members{}, fmt.Errorf("cannot parse members %q: %w", data, err)
	}
	observers, err := ParseServers(data[idx+1:])
	if err != nil {
		return Members{}, fmt.Errorf("cannot parse members %q: %w", data, err)
	}

	return Members{Nodes: nodes, Observers: observers}, nil
}

func (m *Members) clone() Members {
	return Members{
		Nodes:     append([]Server(nil), m.Nodes...),
		Observers: append([]Server(nil), m.Observers...),
	}
}

func (m *Members) IsMember(srv Server) bool {
	return containsServer(m.Nodes, srv) || containsServer(m.Observers, srv)
}

func (m *Members) IsFullMember(srv Server) bool {
	return containsServer(m.Nodes, srv)
}

// AddObserver registers a new observer, refusing duplicates.
func (m *Members) AddObserver(observer Server) error {
	if m.IsMember(observer) {
		return fmt.Errorf("%s is already a member of the cluster", observer)
	}
	m.Observers = append(m.Observers, observer)
	return nil
}

// RemoveMember drops a node or observer entirely.
func (m *Members) RemoveMember(target Server) error {
	if removed := removeServer(&m.Observers, target); removed {
		return nil
	}
	if removed := removeServer(&m.Nodes, target); removed {
		return nil
	}
	return fmt.Errorf("%s is not a member of the cluster", target)
}

// PromoteObserver turns an observer into a full voter.
func (m *Members) PromoteObserver(observer Server) error {
	if !removeServer(&m.Observers, observer) {
		return fmt.Errorf("%s is not an observer", observer)
	}
	m.Nodes = append(m.Nodes, observer)
	return nil
}

// DemoteToObserver turns a full voter into an observer.
func (m *Members) DemoteToObserver(node Server) error {
	if !removeServer(&m.Nodes, node) {
		return fmt.Errorf("%s is not a full member", node)
	}
	m.Observers = append(m.Observers, node)
	return nil
}

func removeServer(servers *[]Server, target Server) bool {
	for i, srv := range *servers {
		if srv == target {
			*servers = append((*servers)[:i], (*servers)[i+1:]...)
			return true
		}
	}
	return false
}
