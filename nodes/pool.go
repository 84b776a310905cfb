// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package nodes

import (
	"sort"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Intn is the randomness the pool needs for uniform choices.
type Intn interface {
	Intn(n int) int
}

type nodeRecord struct {
	ongoing           int
	total             int
	failed            int
	latencyViolations int
}

func (r *nodeRecord) finish() {
	if r.ongoing > 0 {
		r.ongoing--
	}
}

type entryRecord struct {
	nodeRecord

	channel Channel
	state   ChannelState

	segOngoing   int
	segFailed    int
	segLatencies history

	msgFailed    int
	msgLatencies history

	ping time.Duration
}

type exitRecord struct {
	nodeRecord
}

type routeRecord struct {
	ongoing   int
	failed    int
	latencies history
}

// history is a bounded latency history.
type history struct {
	max     int
	samples []time.Duration
}

func (h *history) add(d time.Duration) {
	h.samples = append(h.samples, d)
	if over := len(h.samples) - h.max; h.max > 0 && over > 0 {
		h.samples = append(h.samples[:0], h.samples[over:]...)
	}
}

func (h *history) average() time.Duration {
	if len(h.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.samples {
		sum += d
	}
	return sum / time.Duration(len(h.samples))
}

// Pool is the set of candidate relays and their performance records.  It is
// not safe for concurrent use; the session serializes access and never
// performs network I/O while holding its lock, which is why evicted channels
// are handed back through TakeEvicted instead of being closed here.
type Pool struct {
	th  Thresholds
	rng Intn

	entries   map[string]*EntryNode
	exits     map[string]*ExitNode
	entryRecs map[string]*entryRecord
	exitRecs  map[string]*exitRecord
	routes    map[PairIDs]*routeRecord

	outphasingEntries map[string]struct{}
	outphasingExits   map[string]struct{}
	rejectedExits     map[string]struct{}

	reliability *Reliability
	evicted     []Channel
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRand overrides the random source used for uniform choices.
func WithRand(rng Intn) PoolOption {
	return func(p *Pool) {
		p.rng = rng
	}
}

// NewPool returns an empty Pool.
func NewPool(th Thresholds, opts ...PoolOption) *Pool {
	p := &Pool{
		th:                th,
		rng:               rand.NewMath(),
		entries:           make(map[string]*EntryNode),
		exits:             make(map[string]*ExitNode),
		entryRecs:         make(map[string]*entryRecord),
		exitRecs:          make(map[string]*exitRecord),
		routes:            make(map[PairIDs]*routeRecord),
		outphasingEntries: make(map[string]struct{}),
		outphasingExits:   make(map[string]struct{}),
		rejectedExits:     make(map[string]struct{}),
		reliability:       NewReliability(th.FreshNodeThreshold, th.MaxResponses),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddEntryNode admits n, and returns false if it is already known.
func (p *Pool) AddEntryNode(n *EntryNode) bool {
	if _, ok := p.entries[n.PeerID]; ok {
		return false
	}
	p.entries[n.PeerID] = n
	p.entryRecs[n.PeerID] = &entryRecord{
		segLatencies: history{max: p.th.LatencyHistory},
		msgLatencies: history{max: p.th.LatencyHistory},
	}
	return true
}

// AddExitNodes admits every unknown node in ns that was not rejected, and
// returns how many were added.
func (p *Pool) AddExitNodes(ns []*ExitNode) int {
	added := 0
	for _, n := range ns {
		if _, ok := p.exits[n.PeerID]; ok {
			continue
		}
		if _, ok := p.rejectedExits[n.PeerID]; ok {
			continue
		}
		p.exits[n.PeerID] = n
		p.exitRecs[n.PeerID] = new(exitRecord)
		added++
	}
	return added
}

// EntryNode returns the entry node with the given id.
func (p *Pool) EntryNode(id string) (*EntryNode, bool) {
	n, ok := p.entries[id]
	return n, ok
}

// ExitNode returns the exit node with the given id.
func (p *Pool) ExitNode(id string) (*ExitNode, bool) {
	n, ok := p.exits[id]
	return n, ok
}

// IsOutphasing returns true iff the node with the given id is no longer
// eligible for new requests.
func (p *Pool) IsOutphasing(id string) bool {
	_, e := p.outphasingEntries[id]
	_, x := p.outphasingExits[id]
	return e || x
}

// SetChannel records the channel of an entry node and its state.  A nil
// channel with ChannelNone forgets the channel.
func (p *Pool) SetChannel(entryID string, ch Channel, state ChannelState) bool {
	rec, ok := p.entryRecs[entryID]
	if !ok {
		return false
	}
	rec.channel = ch
	rec.state = state
	return true
}

// Channel returns the channel of an entry node and its state.
func (p *Pool) Channel(entryID string) (Channel, ChannelState) {
	rec, ok := p.entryRecs[entryID]
	if !ok {
		return nil, ChannelNone
	}
	return rec.channel, rec.state
}

func (p *Pool) eligibleEntries() []*EntryNode {
	out := make([]*EntryNode, 0, len(p.entries))
	for id, n := range p.entries {
		if _, ok := p.outphasingEntries[id]; !ok {
			out = append(out, n)
		}
	}
	sortEntries(out)
	return out
}

func (p *Pool) eligibleExits() []*ExitNode {
	out := make([]*ExitNode, 0, len(p.exits))
	for id, n := range p.exits {
		if _, ok := p.outphasingExits[id]; !ok {
			out = append(out, n)
		}
	}
	sortExits(out)
	return out
}

func (p *Pool) excludeIDs() []string {
	out := make([]string, 0, len(p.outphasingEntries))
	for id := range p.outphasingEntries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// exitsFor returns the eligible exits usable with entry, preferring the
// entry's recommended exits.
func exitsFor(entry *EntryNode, exits []*ExitNode) []*ExitNode {
	avail := make([]*ExitNode, 0, len(exits))
	for _, x := range exits {
		if x.PeerID != entry.PeerID {
			avail = append(avail, x)
		}
	}
	rec := make([]*ExitNode, 0, len(avail))
	for _, x := range avail {
		if _, ok := entry.RecommendedExits[x.PeerID]; ok {
			rec = append(rec, x)
		}
	}
	if len(rec) > 0 {
		return rec
	}
	return avail
}

func (p *Pool) reachReady() Reach {
	if len(p.eligibleEntries()) == 0 {
		return Reach{
			State: StateNoEntryNodes,
			Cmd:   Command{Kind: CmdNeedEntryNode, ExcludeIDs: p.excludeIDs()},
		}
	}
	if len(p.eligibleExits()) == 0 {
		return Reach{State: StateNoExitNodes, Cmd: Command{Kind: CmdNeedExitNode}}
	}
	return Reach{State: StateReady}
}

// ReachPair returns the readiness of the pool, the command needed to make
// progress, and when ready a randomly chosen usable pair.
func (p *Pool) ReachPair() Reach {
	entries := p.eligibleEntries()
	if len(entries) == 0 {
		return Reach{
			State: StateNoEntryNodes,
			Cmd:   Command{Kind: CmdNeedEntryNode, ExcludeIDs: p.excludeIDs()},
		}
	}
	exits := p.eligibleExits()
	if len(exits) == 0 {
		return Reach{State: StateNoExitNodes, Cmd: Command{Kind: CmdNeedExitNode}}
	}

	var open, connecting []*EntryNode
	for _, n := range entries {
		switch p.entryRecs[n.PeerID].state {
		case ChannelOpen:
			open = append(open, n)
		case ChannelConnecting:
			connecting = append(connecting, n)
		}
	}
	if len(open) == 0 {
		if len(connecting) == 0 {
			entry := entries[p.rng.Intn(len(entries))]
			return Reach{
				State: StateAwaitingConnection,
				Cmd:   Command{Kind: CmdOpenChannel, Entry: entry},
			}
		}
		return Reach{State: StateAwaitingConnection, Cmd: Command{Kind: CmdNone}}
	}

	entry := open[p.rng.Intn(len(open))]
	avail := exitsFor(entry, exits)
	if len(avail) == 0 {
		return Reach{State: StateNoExitNodes, Cmd: Command{Kind: CmdNeedExitNode}}
	}
	exit := avail[p.rng.Intn(len(avail))]
	return Reach{
		State: StateReady,
		Cmd:   Command{Kind: CmdNone},
		Pair:  &Pair{Entry: entry, Exit: exit},
	}
}

// Routes returns a performance snapshot of every usable route: eligible
// entries with an open channel, paired with their eligible exits.
func (p *Pool) Routes() []RoutePerf {
	exits := p.eligibleExits()
	var out []RoutePerf
	for _, entry := range p.eligibleEntries() {
		rec := p.entryRecs[entry.PeerID]
		if rec.state != ChannelOpen {
			continue
		}
		ep := EntryPerf{
			SegFailures:   rec.segFailed,
			SegOngoing:    rec.segOngoing,
			SegAvgLatency: rec.segLatencies.average(),
			MsgFailures:   rec.msgFailed,
			MsgAvgLatency: rec.msgLatencies.average(),
			Ping:          rec.ping,
		}
		for _, exit := range exitsFor(entry, exits) {
			rp := RoutePerf{
				Entry:     entry,
				Exit:      exit,
				EntryPerf: ep,
			}
			if rr, ok := p.routes[PairIDs{EntryID: entry.PeerID, ExitID: exit.PeerID}]; ok {
				rp.Failures = rr.failed
				rp.Ongoing = rr.ongoing
				rp.AvgLatency = rr.latencies.average()
			}
			out = append(out, rp)
		}
	}
	return out
}

func (p *Pool) records(ids PairIDs) (*entryRecord, *exitRecord, *Command) {
	entry, ok := p.entryRecs[ids.EntryID]
	if !ok {
		return nil, nil, &Command{Kind: CmdStateError, Info: "no entry record for " + ShortID(ids.EntryID)}
	}
	exit, ok := p.exitRecs[ids.ExitID]
	if !ok {
		return nil, nil, &Command{Kind: CmdStateError, Info: "no exit record for " + ShortID(ids.ExitID)}
	}
	return entry, exit, nil
}

func (p *Pool) route(ids PairIDs) *routeRecord {
	rr, ok := p.routes[ids]
	if !ok {
		rr = &routeRecord{latencies: history{max: p.th.LatencyHistory}}
		p.routes[ids] = rr
	}
	return rr
}

// RequestStarted records a request on the route ids.
func (p *Pool) RequestStarted(ids PairIDs) Command {
	entry, exit, errCmd := p.records(ids)
	if errCmd != nil {
		return *errCmd
	}
	entry.ongoing++
	entry.total++
	exit.ongoing++
	exit.total++
	p.route(ids).ongoing++
	return Command{Kind: CmdNone}
}

// RequestSucceeded records a response that arrived after rtt.
func (p *Pool) RequestSucceeded(ids PairIDs, rtt time.Duration) Command {
	entry, exit, errCmd := p.records(ids)
	if errCmd != nil {
		return *errCmd
	}
	entry.finish()
	exit.finish()
	rr := p.route(ids)
	if rr.ongoing > 0 {
		rr.ongoing--
	}
	rr.latencies.add(rtt)

	if rtt > p.th.LatencyEntry {
		entry.latencyViolations++
		if entry.latencyViolations > p.th.ViolationsEntry {
			p.outphasingEntries[ids.EntryID] = struct{}{}
		}
	}
	if rtt > p.th.LatencyExit {
		exit.latencyViolations++
		if exit.latencyViolations > p.th.ViolationsExit {
			p.outphasingExits[ids.ExitID] = struct{}{}
		}
	}
	p.reliability.Add(ids.EntryID, ResultSuccess)
	p.postRequest(ids)
	return p.reachReady().Cmd
}

// RequestFailed records a request that got no usable response.
func (p *Pool) RequestFailed(ids PairIDs) Command {
	return p.requestFailed(ids, ResultNone)
}

// RequestRejected records a response that failed verification.
func (p *Pool) RequestRejected(ids PairIDs) Command {
	return p.requestFailed(ids, ResultDishonest)
}

func (p *Pool) requestFailed(ids PairIDs, res Result) Command {
	entry, exit, errCmd := p.records(ids)
	if errCmd != nil {
		return *errCmd
	}
	entry.finish()
	exit.finish()
	rr := p.route(ids)
	if rr.ongoing > 0 {
		rr.ongoing--
	}
	rr.failed++

	entry.failed++
	if entry.failed > p.th.FailedEntry {
		p.outphasingEntries[ids.EntryID] = struct{}{}
	}
	exit.failed++
	if exit.failed > p.th.FailedExit {
		p.outphasingExits[ids.ExitID] = struct{}{}
	}
	p.reliability.Add(ids.EntryID, res)
	p.postRequest(ids)
	return p.reachReady().Cmd
}

// postRequest evicts outphasing nodes of the route once they are idle.
func (p *Pool) postRequest(ids PairIDs) {
	p.maybeEvictEntry(ids.EntryID)
	p.maybeEvictExit(ids.ExitID)
}

func (p *Pool) maybeEvictEntry(id string) {
	if _, ok := p.outphasingEntries[id]; !ok {
		return
	}
	rec, ok := p.entryRecs[id]
	if !ok || rec.ongoing > 0 {
		return
	}
	if rec.channel != nil {
		p.evicted = append(p.evicted, rec.channel)
	}
	delete(p.outphasingEntries, id)
	delete(p.entries, id)
	delete(p.entryRecs, id)
	for ids := range p.routes {
		if ids.EntryID == id {
			delete(p.routes, ids)
		}
	}
}

func (p *Pool) maybeEvictExit(id string) {
	if _, ok := p.outphasingExits[id]; !ok {
		return
	}
	rec, ok := p.exitRecs[id]
	if !ok || rec.ongoing > 0 {
		return
	}
	delete(p.outphasingExits, id)
	delete(p.exits, id)
	delete(p.exitRecs, id)
	for ids := range p.routes {
		if ids.ExitID == id {
			delete(p.routes, ids)
		}
	}
}

// RejectExitNode outphases an exit node whose identity can not be used to
// seal requests.  A rejected exit node is never admitted again.
func (p *Pool) RejectExitNode(id string) Command {
	p.rejectedExits[id] = struct{}{}
	if _, ok := p.exits[id]; ok {
		p.outphasingExits[id] = struct{}{}
		p.maybeEvictExit(id)
	}
	return p.reachReady().Cmd
}

// TakeEvicted returns the channels of entry nodes evicted since the last
// call.  The caller closes them.
func (p *Pool) TakeEvicted() []Channel {
	out := p.evicted
	p.evicted = nil
	return out
}

// CheckReliability outphases entryID when it is no longer fresh and scores
// below the minimum, and then asks for a replacement entry node with it
// excluded.
func (p *Pool) CheckReliability(entryID string) Command {
	if _, ok := p.entries[entryID]; !ok {
		return Command{Kind: CmdNone}
	}
	if p.reliability.Status(entryID) != StatusNonFresh || p.reliability.Score(entryID) >= p.th.MinEntryScore {
		return Command{Kind: CmdNone}
	}
	p.outphasingEntries[entryID] = struct{}{}
	p.maybeEvictEntry(entryID)
	exclude := p.excludeIDs()
	if _, ok := p.outphasingEntries[entryID]; !ok {
		exclude = append(exclude, entryID)
	}
	return Command{Kind: CmdNeedEntryNode, ExcludeIDs: exclude}
}

// Score returns the reliability score of an entry node.
func (p *Pool) Score(entryID string) float64 {
	return p.reliability.Score(entryID)
}

// SegmentStarted records a segment handed to an entry node.
func (p *Pool) SegmentStarted(entryID string) {
	if rec, ok := p.entryRecs[entryID]; ok {
		rec.segOngoing++
	}
}

// SegmentSucceeded records a segment the entry node accepted after d.
func (p *Pool) SegmentSucceeded(entryID string, d time.Duration) {
	if rec, ok := p.entryRecs[entryID]; ok {
		if rec.segOngoing > 0 {
			rec.segOngoing--
		}
		rec.segLatencies.add(d)
	}
}

// SegmentFailed records a segment the entry node did not accept.
func (p *Pool) SegmentFailed(entryID string) {
	if rec, ok := p.entryRecs[entryID]; ok {
		if rec.segOngoing > 0 {
			rec.segOngoing--
		}
		rec.segFailed++
	}
}

// MessageRetrieved records the delay between the last sent segment of a
// request and the first segment of its response.
func (p *Pool) MessageRetrieved(entryID string, d time.Duration) {
	if rec, ok := p.entryRecs[entryID]; ok {
		rec.msgLatencies.add(d)
	}
}

// MessageRetrievalFailed records a failure of the entry node's inbound
// channel.
func (p *Pool) MessageRetrievalFailed(entryID string) {
	if rec, ok := p.entryRecs[entryID]; ok {
		rec.msgFailed++
	}
}

// SetPing records the latest ping duration of an entry node.
func (p *Pool) SetPing(entryID string, d time.Duration) {
	if rec, ok := p.entryRecs[entryID]; ok {
		rec.ping = d
	}
}

// Ongoing returns the ongoing request counts of an entry and an exit node.
func (p *Pool) Ongoing(ids PairIDs) (entry, exit int) {
	if rec, ok := p.entryRecs[ids.EntryID]; ok {
		entry = rec.ongoing
	}
	if rec, ok := p.exitRecs[ids.ExitID]; ok {
		exit = rec.ongoing
	}
	return
}

// Close forgets every channel and returns them for the caller to close.
func (p *Pool) Close() []Channel {
	out := p.TakeEvicted()
	for _, rec := range p.entryRecs {
		if rec.channel != nil {
			out = append(out, rec.channel)
		}
		rec.channel = nil
		rec.state = ChannelNone
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortEntries(ns []*EntryNode) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].PeerID < ns[j].PeerID })
}

func sortExits(ns []*ExitNode) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].PeerID < ns[j].PeerID })
}
