// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package nodes maintains the pool of candidate entry and exit relays, their
// performance records, and the command state machine that tells the session
// what it needs next to reach a usable entry/exit pair.
package nodes

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// EntryNode is a relay the client connects to.  It is immutable once
// admitted to a Pool.
type EntryNode struct {
	PeerID           string
	APIEndpoint      *url.URL
	APIToken         string
	RecommendedExits map[string]struct{}
}

// ExitNode is a relay that forwards requests to the RPC provider.  It is
// immutable once admitted to a Pool.
type ExitNode struct {
	PeerID    string
	PublicKey []byte
}

// Pair is an entry/exit route.
type Pair struct {
	Entry *EntryNode
	Exit  *ExitNode
}

// IDs returns the peer ids of the pair.
func (p *Pair) IDs() PairIDs {
	return PairIDs{EntryID: p.Entry.PeerID, ExitID: p.Exit.PeerID}
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s > %s", ShortID(p.Entry.PeerID), ShortID(p.Exit.PeerID))
}

// PairIDs identifies a route by peer ids.
type PairIDs struct {
	EntryID string
	ExitID  string
}

// Channel is the persistent message channel to an entry node.
type Channel interface {
	// Send pushes a wire segment for recipient through the entry node.
	Send(ctx context.Context, recipient, wire string) error

	// Close tears the channel down.
	Close() error
}

// ChannelState mirrors the lifecycle of an entry node channel.
type ChannelState int

const (
	ChannelNone ChannelState = iota
	ChannelConnecting
	ChannelOpen
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNone:
		return "_"
	case ChannelConnecting:
		return "Connecting"
	case ChannelOpen:
		return "o"
	default:
		return fmt.Sprintf("[unknown channel state: %d]", int(s))
	}
}

// ChannelEventKind tags a ChannelEvent.
type ChannelEventKind int

const (
	ChannelOpened ChannelEventKind = iota
	ChannelMessage
	ChannelClosed
	ChannelError
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelOpened:
		return "opened"
	case ChannelMessage:
		return "message"
	case ChannelClosed:
		return "closed"
	case ChannelError:
		return "error"
	default:
		return fmt.Sprintf("[unknown channel event: %d]", int(k))
	}
}

// ChannelEvent is emitted by a Channel implementation.
type ChannelEvent struct {
	Kind    ChannelEventKind
	EntryID string

	// Message is set for ChannelMessage.
	Message string

	// Err is set for ChannelError.
	Err error
}

// CommandKind tags a Command.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdNeedEntryNode
	CmdNeedExitNode
	CmdOpenChannel
	CmdStateError
)

func (k CommandKind) String() string {
	switch k {
	case CmdNone:
		return "none"
	case CmdNeedEntryNode:
		return "needEntryNode"
	case CmdNeedExitNode:
		return "needExitNode"
	case CmdOpenChannel:
		return "openChannel"
	case CmdStateError:
		return "stateError"
	default:
		return fmt.Sprintf("[unknown command: %d]", int(k))
	}
}

// Command tells the session what the pool needs next.
type Command struct {
	Kind CommandKind

	// ExcludeIDs is set for CmdNeedEntryNode.
	ExcludeIDs []string

	// Entry is set for CmdOpenChannel.
	Entry *EntryNode

	// Info is set for CmdStateError.
	Info string
}

func (c Command) String() string {
	switch c.Kind {
	case CmdNeedEntryNode:
		return fmt.Sprintf("%v(exclude: %d)", c.Kind, len(c.ExcludeIDs))
	case CmdOpenChannel:
		return fmt.Sprintf("%v(%s)", c.Kind, ShortID(c.Entry.PeerID))
	case CmdStateError:
		return fmt.Sprintf("%v(%s)", c.Kind, c.Info)
	default:
		return c.Kind.String()
	}
}

// State is the readiness of the pool.
type State int

const (
	StateNoEntryNodes State = iota
	StateNoExitNodes
	StateAwaitingConnection
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoEntryNodes:
		return "noEntryNodes"
	case StateNoExitNodes:
		return "noExitNodes"
	case StateAwaitingConnection:
		return "awaitingConnection"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("[unknown state: %d]", int(s))
	}
}

// Reach is the result of Pool.ReachPair.
type Reach struct {
	State State
	Cmd   Command

	// Pair is set iff State is StateReady.
	Pair *Pair
}

// Thresholds configures outphasing and history bounds.
type Thresholds struct {
	LatencyEntry    time.Duration
	LatencyExit     time.Duration
	ViolationsEntry int
	ViolationsExit  int
	FailedEntry     int
	FailedExit      int

	// LatencyHistory bounds every latency history kept by the pool.
	LatencyHistory int

	FreshNodeThreshold int
	MaxResponses       int
	MinEntryScore      float64
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyEntry:       10 * time.Second,
		LatencyExit:        5 * time.Second,
		ViolationsEntry:    10,
		ViolationsExit:     1,
		FailedEntry:        4,
		FailedExit:         0,
		LatencyHistory:     20,
		FreshNodeThreshold: DefaultFreshNodeThreshold,
		MaxResponses:       DefaultMaxResponses,
		MinEntryScore:      0.7,
	}
}

// ShortID abbreviates a peer id for logging.
func ShortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return "." + id[len(id)-4:]
}
