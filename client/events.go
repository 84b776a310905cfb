// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"time"

	"github.com/rpch/rpch/envelope"
	"github.com/rpch/rpch/nodes"
	"github.com/rpch/rpch/payload"
	"github.com/rpch/rpch/request"
	"github.com/rpch/rpch/segment"
	"github.com/rpch/rpch/telemetry"
)

// openChannel dials entry unless a channel exists or the reopen back-off
// is still running.
func (c *Client) openChannel(entry *nodes.EntryNode) {
	id := entry.PeerID

	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return
	}
	if _, state := c.pool.Channel(id); state != nodes.ChannelNone {
		c.mu.Unlock()
		return
	}
	if !c.openBackoff.Allow(id, time.Now()) {
		c.mu.Unlock()
		return
	}
	c.pool.SetChannel(id, nil, nodes.ChannelConnecting)

	// Spawned under the lock so that it can not race with shutdown.
	c.Go(func() {
		ctx, cancel := c.Context(context.Background())
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.Session.ChannelOpenTimeoutDuration())
		defer cancelTimeout()

		ch, err := c.dialer.Open(ctx, entry, c.handleChannelEvent)
		if err != nil {
			c.channelOpenFailed(entry, err)
			return
		}
		c.channelOpened(entry, ch)
	})
	c.mu.Unlock()

	c.log.Debugf("Opening channel to %s", nodes.ShortID(id))
}

func (c *Client) channelOpenFailed(entry *nodes.EntryNode, err error) {
	id := entry.PeerID

	c.mu.Lock()
	if _, state := c.pool.Channel(id); state == nodes.ChannelConnecting {
		c.pool.SetChannel(id, nil, nodes.ChannelNone)
	}
	c.pool.MessageRetrievalFailed(id)
	delay := c.openBackoff.Failure(id, time.Now())
	c.mu.Unlock()

	c.log.Warningf("Failed to open channel to %s, retrying in %v: %v", nodes.ShortID(id), delay, err)
	c.wakeAfter(delay)
}

// wakeAfter wakes the waiters once a reopen back-off of d has expired.
func (c *Client) wakeAfter(d time.Duration) {
	time.AfterFunc(d, c.notify)
}

func (c *Client) channelOpened(entry *nodes.EntryNode, ch nodes.Channel) {
	id := entry.PeerID

	c.mu.Lock()
	if _, state := c.pool.Channel(id); c.halted || state != nodes.ChannelConnecting {
		// Evicted, closed or shut down while dialing.
		c.mu.Unlock()
		ch.Close()
		return
	}
	c.pool.SetChannel(id, ch, nodes.ChannelOpen)
	c.openBackoff.Success(id)
	c.notifyLocked()
	c.mu.Unlock()

	c.handleChannelEvent(nodes.ChannelEvent{Kind: nodes.ChannelOpened, EntryID: id})

	if pinger, ok := c.dialer.(Pinger); ok {
		ctx, cancel := c.Context(context.Background())
		defer cancel()
		d, err := pinger.Ping(ctx, entry)
		if err != nil {
			c.log.Debugf("Failed to ping %s: %v", nodes.ShortID(id), err)
			return
		}
		c.mu.Lock()
		c.pool.SetPing(id, d)
		c.mu.Unlock()
	}
}

// handleChannelEvent is invoked by the channels, from their own goroutines.
func (c *Client) handleChannelEvent(ev nodes.ChannelEvent) {
	switch ev.Kind {
	case nodes.ChannelOpened:
		c.log.Noticef("Channel to %s open", nodes.ShortID(ev.EntryID))
	case nodes.ChannelMessage:
		c.onMessage(ev.EntryID, ev.Message)
	case nodes.ChannelError:
		c.log.Warningf("Channel to %s failed: %v", nodes.ShortID(ev.EntryID), ev.Err)
		c.mu.Lock()
		c.pool.MessageRetrievalFailed(ev.EntryID)
		c.mu.Unlock()
	case nodes.ChannelClosed:
		var delay time.Duration
		c.mu.Lock()
		_, state := c.pool.Channel(ev.EntryID)
		if state != nodes.ChannelNone {
			c.pool.SetChannel(ev.EntryID, nil, nodes.ChannelNone)
			if state == nodes.ChannelOpen && !c.halted {
				// Closed by the remote, delay the reopen.
				delay = c.openBackoff.Failure(ev.EntryID, time.Now())
			}
		}
		c.notifyLocked()
		c.mu.Unlock()

		c.log.Noticef("Channel to %s closed", nodes.ShortID(ev.EntryID))
		if delay > 0 {
			c.wakeAfter(delay)
		}
	}
}

// onMessage feeds an inbound segment to reassembly, and completes the
// request once its response is whole.
func (c *Client) onMessage(entryID, raw string) {
	seg, err := segment.Decode(raw)
	if err != nil {
		c.log.Debugf("Dropping message from %s: %v", nodes.ShortID(entryID), err)
		return
	}
	now := time.Now()

	c.mu.Lock()
	req, ok := c.requests.Get(seg.RequestID)
	if !ok {
		c.mu.Unlock()
		c.log.Debugf("Dropping %v for unknown request", seg)
		return
	}
	first := !c.segments.Has(seg.RequestID)
	res, err := c.segments.Ingest(seg, now)
	if err != nil {
		c.mu.Unlock()
		c.log.Warningf("Dropping %v: %v", seg, err)
		return
	}
	if first && res.Status != segment.StatusDuplicate && !req.SentAt.IsZero() {
		c.pool.MessageRetrieved(req.EntryID, now.Sub(req.SentAt))
	}
	if res.Status != segment.StatusCompleted {
		c.mu.Unlock()
		return
	}
	c.requests.Take(req.ID)
	c.mu.Unlock()

	c.complete(req, res.Payload, now)
}

// complete opens the response of a request that was already taken out of
// the cache, and records its outcome.
func (c *Client) complete(req *request.Request, hexPayload string, now time.Time) {
	ids := nodes.PairIDs{EntryID: req.EntryID, ExitID: req.ExitID}

	ctx, cancel := c.Context(context.Background())
	unlock := c.unboxLocks.Lock(req.ExitID)
	plaintext, err := c.adapter.UnboxResponse(ctx, req.Session, hexPayload, req.ExitID)
	unlock()
	cancel()

	var resp *payload.RespPayload
	if err == nil {
		resp, err = payload.DecodeResponse(plaintext)
	}

	c.mu.Lock()
	var cmds []nodes.Command
	switch {
	case err == nil:
		cmds = append(cmds, c.pool.RequestSucceeded(ids, now.Sub(req.CreatedAt)))
	case errors.Is(err, envelope.ErrCounterReplay), errors.Is(err, envelope.ErrDecrypt),
		errors.Is(err, envelope.ErrMalformed), errors.Is(err, payload.ErrInvalidPayload):
		cmds = append(cmds, c.pool.RequestRejected(ids))
	default:
		// The counter store failed, the route is not to blame.
		cmds = append(cmds, c.pool.RequestFailed(ids))
	}
	cmds = append(cmds, c.pool.CheckReliability(req.EntryID))
	evicted := c.pool.TakeEvicted()
	c.mu.Unlock()

	switch {
	case err != nil:
		c.log.Warningf("Rejecting response of %v: %v", req, err)
		req.Reject(err)
		c.report(req, telemetry.ResultFailure, now)
	case resp.Type != payload.TypeResp:
		c.log.Debugf("%v answered with %s", req, resp.Type)
		req.Reject(newRemoteError(resp))
		c.report(req, telemetry.ResultRemoteError, now)
	default:
		req.Resolve(&request.Response{
			RequestID: req.ID,
			Body:      string(resp.Resp),
			EntryID:   req.EntryID,
			ExitID:    req.ExitID,
			RTT:       now.Sub(req.CreatedAt),
		})
		c.report(req, telemetry.ResultSuccess, now)
	}
	closeChannels(evicted)
	c.handleCommands(cmds...)
}

func (c *Client) sweepSegments(now time.Time) {
	c.mu.Lock()
	n := c.segments.SweepExpired(c.cfg.Session.SegmentMaxAgeDuration(), now)
	c.mu.Unlock()
	if n > 0 {
		c.log.Debugf("Swept %d partial responses", n)
	}
}

func (c *Client) sweepRequests(now time.Time) {
	c.mu.Lock()
	expired := c.requests.Expire(now)
	var cmds []nodes.Command
	for _, req := range expired {
		c.segments.Remove(req.ID)
		cmds = append(cmds, c.failLocked(req)...)
	}
	evicted := c.pool.TakeEvicted()
	c.mu.Unlock()

	for _, req := range expired {
		c.log.Debugf("%v timed out", req)
		req.Reject(ErrTimeout)
		c.report(req, telemetry.ResultTimeout, now)
	}
	closeChannels(evicted)
	c.handleCommands(cmds...)
}
