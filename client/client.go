// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client is the RPCh session engine.  It keeps a pool of entry and
// exit relays, routes every RPC request over the best ranked pair, and
// reassembles and opens the responses.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/rpch/rpch/config"
	"github.com/rpch/rpch/core/log"
	"github.com/rpch/rpch/core/retry"
	"github.com/rpch/rpch/core/worker"
	"github.com/rpch/rpch/countstore"
	"github.com/rpch/rpch/discovery"
	"github.com/rpch/rpch/envelope"
	"github.com/rpch/rpch/envelope/sealbox"
	"github.com/rpch/rpch/hoprd"
	"github.com/rpch/rpch/nodes"
	"github.com/rpch/rpch/request"
	"github.com/rpch/rpch/segment"
	"github.com/rpch/rpch/telemetry"
)

// Discovery supplies node candidates.
type Discovery interface {
	FetchCandidateNodes(ctx context.Context, excludeIDs []string) (*discovery.Candidates, error)
}

// Dialer opens channels to entry nodes.  The channel reports inbound
// messages, errors and its closure through onEvent; ChannelClosed must be
// the last event.
type Dialer interface {
	Open(ctx context.Context, entry *nodes.EntryNode, onEvent func(nodes.ChannelEvent)) (nodes.Channel, error)
}

// Pinger is optionally implemented by a Dialer to measure entry node
// responsiveness.
type Pinger interface {
	Ping(ctx context.Context, entry *nodes.EntryNode) (time.Duration, error)
}

// Intn is the randomness used for node choice and tie breaking.
type Intn interface {
	Intn(n int) int
}

// Option configures a Client.
type Option func(*Client)

// WithLogBackend shares an existing log backend instead of creating one
// from the configuration.
func WithLogBackend(b *log.Backend) Option {
	return func(c *Client) {
		c.logBackend = b
	}
}

// WithDialer overrides the hoprd dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithDiscovery overrides the discovery platform client.
func WithDiscovery(d Discovery) Option {
	return func(c *Client) {
		c.discovery = d
	}
}

// WithBoxer overrides the sealbox crypto.
func WithBoxer(b envelope.Boxer) Option {
	return func(c *Client) {
		c.boxer = b
	}
}

// WithCounterStore overrides the configured counter store.  The caller
// keeps ownership of s.
func WithCounterStore(s countstore.CounterStore) Option {
	return func(c *Client) {
		c.store = s
	}
}

// WithSink reports request outcomes to s.
func WithSink(s telemetry.Sink) Option {
	return func(c *Client) {
		c.sink = s
	}
}

// WithRand overrides the randomness used for node choice.
func WithRand(rng Intn) Option {
	return func(c *Client) {
		c.rng = rng
	}
}

// Client is an RPCh session.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	dialer     Dialer
	discovery  Discovery
	boxer      envelope.Boxer
	adapter    *envelope.Adapter
	store      countstore.CounterStore
	closeStore func() error
	sink       telemetry.Sink
	dispatcher *telemetry.Dispatcher

	unboxLocks *keyedMutex

	refreshMu      sync.Mutex
	refreshExclude map[string]struct{}
	refreshCh      chan struct{}

	// mu guards everything below.  It is never held across network I/O.
	mu          sync.Mutex
	rng         Intn
	pool        *nodes.Pool
	requests    *request.Cache
	segments    *segment.Cache
	openBackoff *retry.Backoff
	notifyCh    chan struct{}
	started     bool
	halted      bool

	haltOnce sync.Once
}

// New creates a Client from cfg.  The configuration must have been
// validated, as done by config.Load.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:            cfg,
		unboxLocks:     newKeyedMutex(),
		refreshExclude: make(map[string]struct{}),
		refreshCh:      make(chan struct{}, 1),
		requests:       request.NewCache(),
		segments:       segment.NewCache(),
		openBackoff:    retry.NewBackoff(retry.DefaultBaseDelay, retry.DefaultMaxDelay, retry.DefaultJitter),
		notifyCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.logBackend == nil {
		if c.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
			return nil, err
		}
	}
	c.log = c.logBackend.GetLogger("client")

	if c.rng == nil {
		c.rng = rand.NewMath()
	}
	c.pool = nodes.NewPool(cfg.Reliability.Thresholds(), nodes.WithRand(c.rng))

	if c.dialer == nil {
		c.dialer = hoprd.NewDialer(c.logBackend.GetLogger("client/hoprd"),
			hoprd.WithProxy(cfg.UpstreamProxyConfig()),
			hoprd.WithTimeout(cfg.Session.ChannelOpenTimeoutDuration()))
	}
	if c.discovery == nil {
		hc := cfg.UpstreamProxyConfig().HTTPClient("discovery", cfg.Discovery.RequestTimeoutDuration())
		if c.discovery, err = discovery.New(cfg.Discovery.Endpoint, cfg.Discovery.ClientID, hc, c.logBackend.GetLogger("client/discovery")); err != nil {
			return nil, err
		}
	}
	if c.boxer == nil {
		c.boxer = sealbox.New()
	}
	if c.store == nil {
		if f := cfg.CounterStore.File; f != "" {
			s, err := countstore.NewBoltStore(f)
			if err != nil {
				return nil, err
			}
			c.store, c.closeStore = s, s.Close
		} else {
			c.store = countstore.NewMemStore()
		}
	}
	c.adapter = envelope.NewAdapter(c.boxer, c.store)

	if c.sink == nil {
		c.sink = &telemetry.LogSink{Log: c.logBackend.GetLogger("client/telemetry")}
	}
	c.dispatcher = telemetry.NewDispatcher(c.sink, cfg.Telemetry.QueueSize, c.logBackend.GetLogger("client/telemetry"))
	return c, nil
}

// Start launches the background workers and the first node fetch.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return ErrShutdown
	}
	if c.started {
		return nil
	}
	c.started = true

	c.Go(c.refreshWorker)
	c.GoTicker(c.cfg.Session.SegmentSweepDuration(), c.sweepSegments)
	c.GoTicker(c.cfg.Session.RequestSweepDuration(), c.sweepRequests)
	c.log.Noticef("Started, discovery: %v", c.cfg.Discovery.Endpoint)
	return nil
}

// Shutdown stops the workers, closes every channel and rejects every
// pending request with ErrShutdown.
func (c *Client) Shutdown() {
	c.haltOnce.Do(c.shutdown)
}

func (c *Client) shutdown() {
	c.log.Noticef("Shutting down")

	c.mu.Lock()
	c.halted = true
	c.notifyLocked()
	c.mu.Unlock()

	c.Halt()

	c.mu.Lock()
	channels := c.pool.Close()
	pending := c.requests.Drain()
	for _, req := range pending {
		c.segments.Remove(req.ID)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	for _, req := range pending {
		req.Reject(ErrShutdown)
	}

	c.dispatcher.Halt()
	if c.closeStore != nil {
		if err := c.closeStore(); err != nil {
			c.log.Warningf("Failed to close counter store: %v", err)
		}
	}
}

// IsReady waits up to timeout for a usable entry/exit pair.
func (c *Client) IsReady(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		c.mu.Lock()
		if c.halted || !c.started {
			c.mu.Unlock()
			return false
		}
		reach := c.pool.ReachPair()
		waitCh := c.notifyCh
		c.mu.Unlock()

		if reach.State == nodes.StateReady {
			return true
		}
		c.handleCommand(reach.Cmd)

		select {
		case <-waitCh:
		case <-ctx.Done():
			return false
		}
	}
}

// notifyLocked wakes everyone waiting for a pool change.
func (c *Client) notifyLocked() {
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
}

func (c *Client) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyLocked()
}

func (c *Client) handleCommand(cmd nodes.Command) {
	switch cmd.Kind {
	case nodes.CmdNone:
	case nodes.CmdNeedEntryNode:
		c.forceRefresh(cmd.ExcludeIDs)
	case nodes.CmdNeedExitNode:
		c.forceRefresh(nil)
	case nodes.CmdOpenChannel:
		c.openChannel(cmd.Entry)
	case nodes.CmdStateError:
		c.log.Errorf("Node pool state error: %s", cmd.Info)
	}
}

func (c *Client) handleCommands(cmds ...nodes.Command) {
	for _, cmd := range cmds {
		c.handleCommand(cmd)
	}
}

func closeChannels(channels []nodes.Channel) {
	for _, ch := range channels {
		ch.Close()
	}
}

func (c *Client) report(req *request.Request, result telemetry.Result, now time.Time) {
	c.dispatcher.Report(telemetry.Outcome{
		RequestID: req.ID,
		Provider:  req.Provider,
		EntryID:   req.EntryID,
		ExitID:    req.ExitID,
		Result:    result,
		Segments:  req.Segments,
		Latency:   now.Sub(req.CreatedAt),
		At:        now,
	})
}
