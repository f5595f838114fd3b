package state

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type MeshModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// KeyRing holds the keys the packet security pipeline selects from.
type KeyRing struct {
	Initial Key    // pre-shared, only used for the neighbour handshake
	Current Key    // current global key
	Last    Key    // previous global key, kept while a refresh propagates
	Seq     uint32 // sequence number of Current
}

// Install makes key the current global key, keeping the old one as Last.
func (k *KeyRing) Install(key Key, seq uint32) {
	k.Last = k.Current
	k.Current = key
	k.Seq = seq
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]MeshModule
	// ModuleOrder lists Modules in initialization order, cleanup runs in reverse
	ModuleOrder []string
	Directory *Directory
	Keys      KeyRing
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	NodeCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	// Clock replaces time.Now when set, used by simulations with virtual time
	Clock func() time.Time
	// Synchronous disables wall clock timers and the radio sender goroutine. The caller
	// advances Clock, fires due timers and delivers frames.
	Synchronous bool
	Started     atomic.Bool
	Stopping    atomic.Bool
	Restart     atomic.Bool
}

func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Env) IsBaseStation() bool {
	return e.BaseStation
}
