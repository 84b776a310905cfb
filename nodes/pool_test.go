// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package nodes

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type firstRand struct{}

func (firstRand) Intn(int) int { return 0 }

type mockChannel struct {
	closed bool
}

func (c *mockChannel) Send(context.Context, string, string) error { return nil }
func (c *mockChannel) Close() error                                 { c.closed = true; return nil }

func entry(id string, recommended ...string) *EntryNode {
	u, _ := url.Parse("http://" + id + ".example:3001")
	rec := make(map[string]struct{})
	for _, r := range recommended {
		rec[r] = struct{}{}
	}
	return &EntryNode{PeerID: id, APIEndpoint: u, APIToken: "token", RecommendedExits: rec}
}

func exits(ids ...string) []*ExitNode {
	var out []*ExitNode
	for _, id := range ids {
		out = append(out, &ExitNode{PeerID: id, PublicKey: []byte(id)})
	}
	return out
}

func TestReachPairStates(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds(), WithRand(firstRand{}))
	r := p.ReachPair()
	require.Equal(StateNoEntryNodes, r.State)
	require.Equal(CmdNeedEntryNode, r.Cmd.Kind)
	require.Empty(r.Cmd.ExcludeIDs)

	require.True(p.AddEntryNode(entry("entry1")))
	require.False(p.AddEntryNode(entry("entry1")))
	r = p.ReachPair()
	require.Equal(StateNoExitNodes, r.State)
	require.Equal(CmdNeedExitNode, r.Cmd.Kind)

	require.Equal(2, p.AddExitNodes(exits("exit1", "exit2")))
	require.Equal(0, p.AddExitNodes(exits("exit1")))
	r = p.ReachPair()
	require.Equal(StateAwaitingConnection, r.State)
	require.Equal(CmdOpenChannel, r.Cmd.Kind)
	require.Equal("entry1", r.Cmd.Entry.PeerID)

	require.True(p.SetChannel("entry1", nil, ChannelConnecting))
	r = p.ReachPair()
	require.Equal(StateAwaitingConnection, r.State)
	require.Equal(CmdNone, r.Cmd.Kind)

	require.True(p.SetChannel("entry1", new(mockChannel), ChannelOpen))
	r = p.ReachPair()
	require.Equal(StateReady, r.State)
	require.Equal("entry1", r.Pair.Entry.PeerID)
	require.Equal("exit1", r.Pair.Exit.PeerID)
}

func TestReachPairExcludesEntryAsExit(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("node1"))
	p.AddExitNodes(exits("node1"))
	p.SetChannel("node1", new(mockChannel), ChannelOpen)

	r := p.ReachPair()
	require.Equal(StateNoExitNodes, r.State)
	require.Equal(CmdNeedExitNode, r.Cmd.Kind)
	require.Empty(p.Routes())
}

func TestReachPairPrefersRecommendedExits(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entry1", "exit3"))
	p.AddExitNodes(exits("exit1", "exit2", "exit3"))
	p.SetChannel("entry1", new(mockChannel), ChannelOpen)

	for i := 0; i < 20; i++ {
		r := p.ReachPair()
		require.Equal(StateReady, r.State)
		require.Equal("exit3", r.Pair.Exit.PeerID)
	}
	routes := p.Routes()
	require.Len(routes, 1)
	require.Equal("exit3", routes[0].Exit.PeerID)
}

func TestOngoingNeverNegative(t *testing.T) {
	require := require.New(t)

	th := DefaultThresholds()
	th.FailedExit = 10
	p := NewPool(th)
	p.AddEntryNode(entry("entry1"))
	p.AddExitNodes(exits("exit1"))
	ids := PairIDs{EntryID: "entry1", ExitID: "exit1"}

	require.Equal(CmdNone, p.RequestStarted(ids).Kind)
	p.RequestSucceeded(ids, time.Second)
	p.RequestFailed(ids)
	p.RequestSucceeded(ids, time.Second)
	e, x := p.Ongoing(ids)
	require.Zero(e)
	require.Zero(x)
}

func TestMissingRecordsStateError(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entry1"))
	cmd := p.RequestStarted(PairIDs{EntryID: "entry1", ExitID: "ghost"})
	require.Equal(CmdStateError, cmd.Kind)
	cmd = p.RequestSucceeded(PairIDs{EntryID: "ghost", ExitID: "exit1"}, 0)
	require.Equal(CmdStateError, cmd.Kind)
	cmd = p.RequestFailed(PairIDs{EntryID: "ghost", ExitID: "exit1"})
	require.Equal(CmdStateError, cmd.Kind)
}

func TestEvictionOnlyWhenIdle(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entry1"))
	p.AddExitNodes(exits("exit1", "exit2"))
	ch := new(mockChannel)
	p.SetChannel("entry1", ch, ChannelOpen)

	ids := PairIDs{EntryID: "entry1", ExitID: "exit1"}
	p.RequestStarted(ids)
	p.RequestStarted(ids)

	// The exit failure threshold is 0, so one failure outphases exit1, but
	// it stays until its last request finished.
	p.RequestFailed(ids)
	require.True(p.IsOutphasing("exit1"))
	_, ok := p.ExitNode("exit1")
	require.True(ok)

	p.RequestSucceeded(ids, time.Second)
	_, ok = p.ExitNode("exit1")
	require.False(ok)
	require.False(p.IsOutphasing("exit1"))
	require.Empty(p.TakeEvicted())
	require.False(ch.closed)

	// Five failures outphase the entry node; its channel is handed back
	// on eviction.
	ids = PairIDs{EntryID: "entry1", ExitID: "exit2"}
	th := DefaultThresholds()
	for i := 0; i <= th.FailedEntry; i++ {
		p.AddExitNodes(exits(fmt.Sprintf("x%d", i)))
		xids := PairIDs{EntryID: "entry1", ExitID: fmt.Sprintf("x%d", i)}
		p.RequestStarted(xids)
		p.RequestFailed(xids)
	}
	_, ok = p.EntryNode("entry1")
	require.False(ok)
	evicted := p.TakeEvicted()
	require.Len(evicted, 1)
	require.Same(ch, evicted[0])
	require.Empty(p.TakeEvicted())

	r := p.ReachPair()
	require.Equal(StateNoEntryNodes, r.State)
	_, ok = p.ExitNode(ids.ExitID)
	require.True(ok)
}

func TestRejectExitNode(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds(), WithRand(firstRand{}))
	p.AddEntryNode(entry("entry1"))
	p.SetChannel("entry1", new(mockChannel), ChannelOpen)
	p.AddExitNodes(exits("exit1", "exit2"))

	// An idle exit node is evicted at once.
	cmd := p.RejectExitNode("exit1")
	require.Equal(CmdNone, cmd.Kind)
	_, ok := p.ExitNode("exit1")
	require.False(ok)
	require.Equal(0, p.AddExitNodes(exits("exit1")))

	// A busy one stays until its last request finished.
	ids := PairIDs{EntryID: "entry1", ExitID: "exit2"}
	p.RequestStarted(ids)
	cmd = p.RejectExitNode("exit2")
	require.Equal(CmdNeedExitNode, cmd.Kind)
	require.True(p.IsOutphasing("exit2"))
	p.RequestSucceeded(ids, time.Second)
	_, ok = p.ExitNode("exit2")
	require.False(ok)
	require.Equal(StateNoExitNodes, p.ReachPair().State)

	require.Equal(1, p.AddExitNodes(exits("exit1", "exit2", "exit3")))
	require.Equal(StateReady, p.ReachPair().State)
}

func TestLatencyViolations(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entry1"))
	p.AddExitNodes(exits("exit1", "exit2"))
	ids := PairIDs{EntryID: "entry1", ExitID: "exit1"}

	// Exit latency threshold is 5s with one allowed violation.
	for i := 0; i < 2; i++ {
		p.RequestStarted(ids)
		p.RequestStarted(ids)
		p.RequestSucceeded(ids, 6*time.Second)
	}
	require.True(p.IsOutphasing("exit1"))
	require.False(p.IsOutphasing("entry1"))
	p.RequestSucceeded(ids, time.Second)
	p.RequestSucceeded(ids, time.Second)
	_, ok := p.ExitNode("exit1")
	require.False(ok)
}

func TestRoutesSnapshot(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entry1"))
	p.AddEntryNode(entry("entry2"))
	p.AddExitNodes(exits("exit1", "exit2"))
	p.SetChannel("entry1", new(mockChannel), ChannelOpen)
	p.SetChannel("entry2", nil, ChannelConnecting)

	ids := PairIDs{EntryID: "entry1", ExitID: "exit2"}
	p.RequestStarted(ids)
	p.RequestStarted(ids)
	p.RequestSucceeded(ids, 100*time.Millisecond)
	p.SegmentStarted("entry1")
	p.SegmentSucceeded("entry1", 20*time.Millisecond)
	p.SegmentStarted("entry1")
	p.SegmentFailed("entry1")
	p.MessageRetrieved("entry1", 300*time.Millisecond)
	p.MessageRetrievalFailed("entry1")
	p.SetPing("entry1", 5*time.Millisecond)

	routes := p.Routes()
	require.Len(routes, 2)
	require.Equal("exit1", routes[0].Exit.PeerID)
	require.Zero(routes[0].Ongoing)
	require.Zero(routes[0].AvgLatency)
	require.Equal("exit2", routes[1].Exit.PeerID)
	require.Equal(1, routes[1].Ongoing)
	require.Equal(100*time.Millisecond, routes[1].AvgLatency)
	require.Equal(EntryPerf{
		SegFailures:   1,
		SegOngoing:    0,
		SegAvgLatency: 20 * time.Millisecond,
		MsgFailures:   1,
		MsgAvgLatency: 300 * time.Millisecond,
		Ping:          5 * time.Millisecond,
	}, routes[1].EntryPerf)
}

func TestRouteLatencyHistoryBounded(t *testing.T) {
	require := require.New(t)

	th := DefaultThresholds()
	th.LatencyHistory = 2
	p := NewPool(th)
	p.AddEntryNode(entry("entry1"))
	p.AddExitNodes(exits("exit1"))
	p.SetChannel("entry1", new(mockChannel), ChannelOpen)
	ids := PairIDs{EntryID: "entry1", ExitID: "exit1"}
	for _, d := range []time.Duration{4 * time.Second, time.Second, 3 * time.Second} {
		p.RequestStarted(ids)
		p.RequestSucceeded(ids, d)
	}
	require.Equal(2*time.Second, p.Routes()[0].AvgLatency)
}

func TestCheckReliability(t *testing.T) {
	require := require.New(t)

	th := DefaultThresholds()
	th.FailedEntry = 1000
	th.FailedExit = 1000
	p := NewPool(th)
	p.AddEntryNode(entry("entry1"))
	p.AddExitNodes(exits("exit1"))
	ch := new(mockChannel)
	p.SetChannel("entry1", ch, ChannelOpen)
	ids := PairIDs{EntryID: "entry1", ExitID: "exit1"}

	require.Equal(CmdNone, p.CheckReliability("entry1").Kind)
	for i := 0; i < th.FreshNodeThreshold-1; i++ {
		p.RequestStarted(ids)
		p.RequestFailed(ids)
	}
	// Still fresh: the score is pinned to 0.2 but no action is taken.
	require.Equal(0.2, p.Score("entry1"))
	require.Equal(CmdNone, p.CheckReliability("entry1").Kind)

	p.RequestStarted(ids)
	p.RequestFailed(ids)
	require.Zero(p.Score("entry1"))
	cmd := p.CheckReliability("entry1")
	require.Equal(CmdNeedEntryNode, cmd.Kind)
	require.Equal([]string{"entry1"}, cmd.ExcludeIDs)
	_, ok := p.EntryNode("entry1")
	require.False(ok)
	require.Len(p.TakeEvicted(), 1)
}

func TestPoolString(t *testing.T) {
	require := require.New(t)

	p := NewPool(DefaultThresholds())
	p.AddEntryNode(entry("entryAB12"))
	p.AddExitNodes(exits("exitCD34", "exitEF56"))
	p.SetChannel("entryAB12", new(mockChannel), ChannelOpen)
	ids := PairIDs{EntryID: "entryAB12", ExitID: "exitCD34"}
	p.RequestStarted(ids)

	require.Equal("en:1/1-ex:2/2-en.AB12:(1)1/1r,0lv,o-ex.CD34:(1)1/1r,0lv", p.String())

	chans := p.Close()
	require.Len(chans, 1)
	_, state := p.Channel("entryAB12")
	require.Equal(ChannelNone, state)
}
