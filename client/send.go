// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpch/rpch/envelope"
	"github.com/rpch/rpch/nodes"
	"github.com/rpch/rpch/payload"
	"github.com/rpch/rpch/request"
	"github.com/rpch/rpch/segment"
	"github.com/rpch/rpch/selector"
	"github.com/rpch/rpch/telemetry"
)

// SendRequest sends the JSON-RPC body to provider through the mixnet and
// waits for the response.  A timeout of zero uses the configured session
// timeout.
func (c *Client) SendRequest(ctx context.Context, provider, body string, timeout time.Duration) (*request.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.Session.TimeoutDuration()
	}
	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	plaintext, err := payload.EncodeRequest(&payload.ReqPayload{
		ClientID: c.cfg.Discovery.ClientID,
		Provider: provider,
		Req:      []byte(body),
	})
	if err != nil {
		return nil, err
	}

	for {
		pick, err := c.choosePair(ctx)
		if err != nil {
			return nil, err
		}

		// The exit replies through the entry node we send through.
		session, err := c.adapter.BoxRequest(plaintext, pick.Entry.PeerID, pick.Exit.PeerID, pick.Exit.PublicKey)
		if errors.Is(err, envelope.ErrInvalidIdentity) {
			c.rejectExit(pick.Exit.PeerID, err)
			continue
		}
		if err != nil {
			return nil, err
		}

		req, ch, segs, ok := c.register(pick, provider, body, session, start, timeout)
		if !ok {
			// The entry node went away while boxing, pick again.
			continue
		}
		c.log.Debugf("Sending %v in %d segments", req, len(segs))

		if err = c.sendSegments(ctx, req, ch, segs); err != nil {
			sendErr := newSendError(req.ID, req.EntryID, err)
			c.fail(req, sendErr, telemetry.ResultFailure)
			return nil, sendErr
		}

		c.mu.Lock()
		req.SentAt = time.Now()
		c.mu.Unlock()

		select {
		case <-req.Done():
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.fail(req, ErrTimeout, telemetry.ResultTimeout)
			} else {
				c.fail(req, ctx.Err(), telemetry.ResultFailure)
			}
		case <-c.HaltCh():
		}
		// Whoever took req out of the cache settles it: fail above, a
		// completing response, the sweep or shutdown.
		<-req.Done()
		return req.Result()
	}
}

// rejectExit drops an exit node requests can not be sealed for.
func (c *Client) rejectExit(id string, err error) {
	c.log.Warningf("Rejecting exit node %s: %v", nodes.ShortID(id), err)

	c.mu.Lock()
	cmd := c.pool.RejectExitNode(id)
	c.notifyLocked()
	c.mu.Unlock()

	c.handleCommand(cmd)
}

// choosePair blocks until the selector ranks a route or ctx is done.
func (c *Client) choosePair(ctx context.Context) (*nodes.Pair, error) {
	for {
		c.mu.Lock()
		switch {
		case c.halted:
			c.mu.Unlock()
			return nil, ErrShutdown
		case !c.started:
			c.mu.Unlock()
			return nil, ErrNotStarted
		}

		reach := c.pool.ReachPair()
		if reach.State == nodes.StateReady {
			res, err := c.rank(c.pool.Routes())
			if err == nil {
				pool := c.pool.String()
				c.mu.Unlock()
				c.log.Debugf("Chose %v from %s", res, pool)
				return res.Route.Pair(), nil
			}
			if errors.Is(err, selector.ErrInsufficientData) {
				c.mu.Unlock()
				return nil, fmt.Errorf("client: %d routes tied: %w", len(res.Tied), err)
			}
		}
		waitCh := c.notifyCh
		c.mu.Unlock()

		c.handleCommand(reach.Cmd)

		select {
		case <-waitCh:
		case <-c.HaltCh():
			return nil, ErrShutdown
		case <-ctx.Done():
			switch reach.State {
			case nodes.StateNoEntryNodes, nodes.StateNoExitNodes:
				return nil, fmt.Errorf("%w (%v)", ErrNoEligibleNodes, reach.State)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func (c *Client) rank(routes []nodes.RoutePerf) (*selector.Result, error) {
	if c.cfg.Session.StrictRanking {
		return selector.RankPair(routes, c.rng)
	}
	return selector.Select(routes, c.rng)
}

// register adds the request to the cache before anything is transmitted,
// and returns false if the pair is no longer usable.
func (c *Client) register(pick *nodes.Pair, provider, body string, session envelope.Session, start time.Time, timeout time.Duration) (*request.Request, nodes.Channel, []*segment.Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := pick.IDs()
	ch, state := c.pool.Channel(ids.EntryID)
	if state != nodes.ChannelOpen || ch == nil || c.pool.IsOutphasing(ids.EntryID) {
		return nil, nil, nil, false
	}
	if _, ok := c.pool.ExitNode(ids.ExitID); !ok || c.pool.IsOutphasing(ids.ExitID) {
		return nil, nil, nil, false
	}

	id := c.requests.NewID(c.segments.Has)
	req := request.New(id, provider, body, ids.EntryID, ids.ExitID, session, start, timeout)
	segs := segment.Slice(id, envelope.RequestHex(session))
	req.Segments = len(segs)
	if err := c.requests.Add(req); err != nil {
		// NewID never returns an id in use.
		panic(err)
	}
	c.pool.RequestStarted(ids)
	return req, ch, segs, true
}

func (c *Client) sendSegments(ctx context.Context, req *request.Request, ch nodes.Channel, segs []*segment.Segment) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segs {
		wire := segment.Encode(seg)
		g.Go(func() error {
			c.mu.Lock()
			c.pool.SegmentStarted(req.EntryID)
			c.mu.Unlock()

			start := time.Now()
			err := ch.Send(gctx, req.ExitID, wire)

			c.mu.Lock()
			if err != nil {
				c.pool.SegmentFailed(req.EntryID)
			} else {
				c.pool.SegmentSucceeded(req.EntryID, time.Since(start))
			}
			c.mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

// fail rejects req with err unless it already reached an outcome, and
// records the failure with the pool exactly once.
func (c *Client) fail(req *request.Request, err error, result telemetry.Result) {
	now := time.Now()

	c.mu.Lock()
	if _, ok := c.requests.Take(req.ID); !ok {
		c.mu.Unlock()
		return
	}
	c.segments.Remove(req.ID)
	cmds := c.failLocked(req)
	evicted := c.pool.TakeEvicted()
	c.mu.Unlock()

	c.log.Debugf("%v failed: %v", req, err)
	req.Reject(err)
	c.report(req, result, now)
	closeChannels(evicted)
	c.handleCommands(cmds...)
}

func (c *Client) failLocked(req *request.Request) []nodes.Command {
	ids := nodes.PairIDs{EntryID: req.EntryID, ExitID: req.ExitID}
	return []nodes.Command{
		c.pool.RequestFailed(ids),
		c.pool.CheckReliability(req.EntryID),
	}
}
