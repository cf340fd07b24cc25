package shard

import (
	"fmt"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// Mode selects how a shard serves traffic.
type Mode int

const (
	ModeStandalone Mode = iota
	ModeRaft
	ModeBulkload
)

// raftGroup bundles everything a consensus shard runs.
type raftGroup struct {
	journal    *raft.Journal
	state      *raft.State
	heartbeats *raft.HeartbeatTracker
	lease      *raft.Lease
	commits    *raft.CommitTracker
	trimmer    *raft.Trimmer
	writes     *raft.WriteTracker
	dispatcher *raft.Dispatcher
	director   *raft.Director
	resilverer *Resilverer
}

// Shard owns its active group exclusively: the engines (through the
// directory), the dispatcher serving traffic, and for consensus shards the
// whole raft machinery.
type Shard struct {
	directory *Directory
	mode      Mode
	myself    raft.Server
	contact   raft.ContactDetails
	publisher *server.Publisher
	tracker   *server.InFlightTracker
	trimming  raft.TrimmingConfig
	log       Logger

	machine    *sm.StateMachine
	redis      *server.RedisDispatcher
	group      *raftGroup
	standalone *server.StandaloneDispatcher
}

// Config carries shard construction parameters.
type Config struct {
	Mode      Mode
	Myself    raft.Server
	ClusterID raft.ClusterID
	Timeouts  raft.Timeouts
	Trimming  raft.TrimmingConfig
}

func NewShard(directory *Directory, config Config, publisher *server.Publisher, tracker *server.InFlightTracker, logger Logger) *Shard {
	return &Shard{
		directory: directory,
		mode:      config.Mode,
		myself:    config.Myself,
		contact:   raft.ContactDetails{ClusterID: config.ClusterID, Timeouts: config.Timeouts},
		publisher: publisher,
		tracker:   tracker,
		log:       logger,
		trimming:  config.Trimming,
	}
}

// Attach opens the engines and spins up the group.
func (s *Shard) Attach() error {
	machine, err := s.directory.GetStateMachine(s.log, s.mode == ModeBulkload)
	if err != nil {
		return err
	}
	s.machine = machine
	s.redis = server.NewRedisDispatcher(machine)

	switch s.mode {
	case ModeStandalone, ModeBulkload:
		s.standalone = server.NewStandaloneDispatcher(s.redis, s.publisher)
		return nil

	case ModeRaft:
		if !s.directory.HasRaftJournal() {
			return fmt.Errorf("shard %q holds no raft journal; initialize the cluster first", s.directory.Path())
		}

		journal, err := s.directory.GetRaftJournal(s.log)
		if err != nil {
			return err
		}

		group := &raftGroup{journal: journal}
		group.state = raft.NewState(journal, s.myself, s.log)
		group.heartbeats = raft.NewHeartbeatTracker(s.contact.Timeouts)
		group.lease = raft.NewLease(s.contact.Timeouts.High)
		group.commits = raft.NewCommitTracker(journal)
		group.trimmer = raft.NewTrimmer(journal, group.state, s.trimming)
		group.writes = raft.NewWriteTracker(journal, machine, s.redis, s.log)
		group.resilverer = NewResilverer(s.directory, s.log)
		group.dispatcher = raft.NewDispatcher(journal, machine, group.state, group.heartbeats,
			s.redis, s.publisher, group.writes, s.contact, s.log)
		group.director = raft.NewDirector(journal, group.state, group.heartbeats, group.lease,
			group.commits, group.trimmer, group.writes, group.dispatcher, group.resilverer,
			s.contact, s.log)

		s.group = group
		return nil
	}

	return fmt.Errorf("unknown shard mode %d", s.mode)
}

// Detach stops the group and closes the engines, draining in-flight
// requests first. Used for shutdown and for the resilvering swap.
func (s *Shard) Detach() {
	s.tracker.SetAcceptingRequests(false)
	s.tracker.SpinUntilNoRequestsInFlight()

	if s.group != nil {
		s.group.director.Stop()
		s.group.writes.Stop()
		s.group = nil
	}

	s.directory.Close()
	s.machine = nil
	s.redis = nil
	s.standalone = nil
}

// Reattach brings the shard back after a detach.
func (s *Shard) Reattach() error {
	if err := s.Attach(); err != nil {
		return err
	}
	s.tracker.SetAcceptingRequests(true)
	return nil
}

// Dispatch routes one request into the active group.
func (s *Shard) Dispatch(conn *server.Connection, req resp.Request) {
	if s.group != nil {
		s.group.dispatcher.Dispatch(conn, req)
		return
	}
	if s.standalone != nil {
		s.standalone.Dispatch(conn, req)
		return
	}
	conn.Send(resp.Err("unavailable"))
}

func (s *Shard) Machine() *sm.StateMachine { return s.machine }
func (s *Shard) Directory() *Directory     { return s.directory }
func (s *Shard) Mode() Mode                { return s.mode }

// RaftInfo returns the RAFT_INFO snapshot on consensus shards.
func (s *Shard) RaftInfo() (raft.Info, bool) {
	if s.group == nil {
		return raft.Info{}, false
	}
	return s.group.dispatcher.Info(), true
}
