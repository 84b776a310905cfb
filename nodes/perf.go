// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package nodes

import (
	"fmt"
	"strings"
	"time"
)

// EntryPerf is the entry level performance snapshot used for ranking.
type EntryPerf struct {
	SegFailures   int
	SegOngoing    int
	SegAvgLatency time.Duration
	MsgFailures   int
	MsgAvgLatency time.Duration
	Ping          time.Duration
}

// RoutePerf is the performance snapshot of one entry/exit route.  A zero
// AvgLatency means the route has no latency samples yet.
type RoutePerf struct {
	Entry *EntryNode
	Exit  *ExitNode

	Failures   int
	Ongoing    int
	AvgLatency time.Duration

	EntryPerf EntryPerf
}

// Pair returns the route as a Pair.
func (r *RoutePerf) Pair() *Pair {
	return &Pair{Entry: r.Entry, Exit: r.Exit}
}

func (p *Pool) prettyEntry(id string) string {
	rec, ok := p.entryRecs[id]
	if !ok {
		return fmt.Sprintf("en%s:nodata", ShortID(id))
	}
	return fmt.Sprintf("en%s:(%d)%d/%dr,%dlv,%v", ShortID(id), rec.ongoing, rec.total-rec.failed, rec.total, rec.latencyViolations, rec.state)
}

func (p *Pool) prettyExit(id string) string {
	rec, ok := p.exitRecs[id]
	if !ok {
		return fmt.Sprintf("ex%s:nodata", ShortID(id))
	}
	return fmt.Sprintf("ex%s:(%d)%d/%dr,%dlv", ShortID(id), rec.ongoing, rec.total-rec.failed, rec.total, rec.latencyViolations)
}

// String summarizes the pool for debug logs, eg.
// `en:1/2-ex:3/3-en.ab12:(0)4/5r,0lv,o;en.cd34:(1)1/1r,0lv,_-ex.ef56:(1)3/4r,0lv`.
// Only exits that have been used are listed.
func (p *Pool) String() string {
	entries := make([]string, 0, len(p.entryRecs))
	for _, id := range sortedKeys(p.entryRecs) {
		entries = append(entries, p.prettyEntry(id))
	}
	var exits []string
	for _, id := range sortedKeys(p.exitRecs) {
		rec := p.exitRecs[id]
		if rec.ongoing > 0 || rec.latencyViolations > 0 || rec.total > 0 {
			exits = append(exits, p.prettyExit(id))
		}
	}
	return strings.Join([]string{
		fmt.Sprintf("en:%d/%d", len(p.entries)-len(p.outphasingEntries), len(p.entries)),
		fmt.Sprintf("ex:%d/%d", len(p.exits)-len(p.outphasingExits), len(p.exits)),
		strings.Join(entries, ";"),
		strings.Join(exits, ";"),
	}, "-")
}
