// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package selector ranks entry/exit routes by their recorded performance.
//
// The ranking is a cascade of stages.  Each stage keeps the routes tied at
// its best value; a single survivor wins and is reported with the stage's
// reason.  Route stages come first, then entry node stages, where all
// routes of one entry node share the entry's values.
package selector

import (
	"errors"
	"fmt"

	"github.com/rpch/rpch/nodes"
)

const (
	ReasonOnlyRoute        = "only route available"
	ReasonRouteFailures    = "least request errors"
	ReasonRouteOngoing     = "least ongoing requests"
	ReasonRouteLatency     = "best request latency"
	ReasonSegFailures      = "least segment errors"
	ReasonSegOngoing       = "least ongoing segments"
	ReasonSegLatency       = "best segment latency"
	ReasonMsgFailures      = "least message retrieval errors"
	ReasonMsgLatency       = "best message retrieval latency"
	ReasonPing             = "quickest version ping"
	ReasonRandomTiedRoutes = "random among tied routes"
)

var (
	// ErrNoNodes is returned when there is no route to rank.
	ErrNoNodes = errors.New("selector: no nodes")

	// ErrInsufficientData is returned when routes remain tied through every
	// stage.
	ErrInsufficientData = errors.New("selector: insufficient data")
)

// Result is the outcome of RankPair.
type Result struct {
	Route  nodes.RoutePerf
	Reason string

	// Tied is set together with ErrInsufficientData.
	Tied []nodes.RoutePerf
}

func (r *Result) String() string {
	return fmt.Sprintf("%s > %s (via %s)", nodes.ShortID(r.Route.Entry.PeerID), nodes.ShortID(r.Route.Exit.PeerID), r.Reason)
}

// Intn is the randomness used to break ties that ranking can not.
type Intn interface {
	Intn(n int) int
}

type stage struct {
	reason string
	value  func(*nodes.RoutePerf) int64

	// sampled stages skip routes with a zero value when picking the best,
	// and leave the set unchanged when no route has a sample.
	sampled bool

	// entryLevel stages compare entry nodes rather than routes.
	entryLevel bool
}

var stages = []stage{
	{reason: ReasonRouteFailures, value: func(r *nodes.RoutePerf) int64 { return int64(r.Failures) }},
	{reason: ReasonRouteOngoing, value: func(r *nodes.RoutePerf) int64 { return int64(r.Ongoing) }},
	{reason: ReasonRouteLatency, value: func(r *nodes.RoutePerf) int64 { return int64(r.AvgLatency) }, sampled: true},
	{reason: ReasonSegFailures, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.SegFailures) }, entryLevel: true},
	{reason: ReasonSegOngoing, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.SegOngoing) }, entryLevel: true},
	{reason: ReasonSegLatency, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.SegAvgLatency) }, sampled: true, entryLevel: true},
	{reason: ReasonMsgFailures, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.MsgFailures) }, entryLevel: true},
	{reason: ReasonMsgLatency, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.MsgAvgLatency) }, sampled: true, entryLevel: true},
	{reason: ReasonPing, value: func(r *nodes.RoutePerf) int64 { return int64(r.EntryPerf.Ping) }, sampled: true, entryLevel: true},
}

// narrow keeps the routes tied at the stage minimum.
func (s *stage) narrow(routes []nodes.RoutePerf) []nodes.RoutePerf {
	var best int64
	found := false
	for i := range routes {
		v := s.value(&routes[i])
		if s.sampled && v <= 0 {
			continue
		}
		if !found || v < best {
			best = v
			found = true
		}
	}
	if !found {
		return routes
	}
	out := make([]nodes.RoutePerf, 0, len(routes))
	for i := range routes {
		if s.value(&routes[i]) == best {
			out = append(out, routes[i])
		}
	}
	return out
}

func entryCount(routes []nodes.RoutePerf) int {
	seen := make(map[string]struct{}, len(routes))
	for i := range routes {
		seen[routes[i].Entry.PeerID] = struct{}{}
	}
	return len(seen)
}

// RankPair picks the best route.  It is deterministic except when the
// winning stage is entry level and leaves several routes of the single
// surviving entry node, in which case one of them is chosen with rng.
func RankPair(routes []nodes.RoutePerf, rng Intn) (*Result, error) {
	switch len(routes) {
	case 0:
		return nil, ErrNoNodes
	case 1:
		return &Result{Route: routes[0], Reason: ReasonOnlyRoute}, nil
	}

	cands := routes
	for i := range stages {
		s := &stages[i]
		cands = s.narrow(cands)
		if len(cands) == 1 {
			return &Result{Route: cands[0], Reason: s.reason}, nil
		}
		if s.entryLevel && entryCount(cands) == 1 {
			return &Result{Route: cands[rng.Intn(len(cands))], Reason: s.reason}, nil
		}
	}
	return &Result{Tied: cands}, ErrInsufficientData
}

// Select ranks routes, and when the ranking can not separate the best routes
// it picks one of the tied routes uniformly at random.
func Select(routes []nodes.RoutePerf, rng Intn) (*Result, error) {
	res, err := RankPair(routes, rng)
	if errors.Is(err, ErrInsufficientData) {
		return &Result{Route: res.Tied[rng.Intn(len(res.Tied))], Reason: ReasonRandomTiedRoutes, Tied: res.Tied}, nil
	}
	return res, err
}
