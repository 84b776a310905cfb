// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rpch/rpch/core/retry"
	"github.com/rpch/rpch/nodes"
)

var errNoCandidates = errors.New("client: discovery returned no usable nodes")

// forceRefresh asks the refresh worker for new nodes, excluding the given
// entry node ids.
func (c *Client) forceRefresh(excludeIDs []string) {
	c.refreshMu.Lock()
	for _, id := range excludeIDs {
		c.refreshExclude[id] = struct{}{}
	}
	c.refreshMu.Unlock()

	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// pendingExclude returns the excluded ids, which are kept until a fetch
// succeeds.
func (c *Client) pendingExclude() []string {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	out := make([]string, 0, len(c.refreshExclude))
	for id := range c.refreshExclude {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Client) clearExclude(ids []string) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	for _, id := range ids {
		delete(c.refreshExclude, id)
	}
}

// refreshWorker fetches node candidates at start, periodically, and when
// forced.  After a failed fetch it backs off, and forced refreshes wait for
// the back-off to expire.
func (c *Client) refreshWorker() {
	var (
		timer    = time.NewTimer(0)
		attempts = 0
	)
	defer timer.Stop()

	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.refreshCh:
			if attempts > 0 {
				continue
			}
			timer.Stop()
		case <-timer.C:
		}

		exclude := c.pendingExclude()
		if err := c.refresh(exclude); err != nil {
			delay := c.fetchDelay(err, attempts)
			attempts++
			c.log.Warningf("Failed to fetch nodes (attempt %d), retrying in %v: %v", attempts, delay, err)
			timer.Reset(delay)
			continue
		}
		c.clearExclude(exclude)
		attempts = 0
		timer.Reset(c.cfg.Discovery.FetchIntervalDuration())
	}
}

// fetchDelay returns the back-off after a failed fetch.  Transient network
// errors back off exponentially, anything else waits MaxFetchDelay.
func (c *Client) fetchDelay(err error, attempt int) time.Duration {
	maxDelay := c.cfg.Discovery.MaxFetchDelayDuration()
	if !retry.IsTransientError(err) {
		return maxDelay
	}
	return retry.Delay(retry.DefaultBaseDelay, maxDelay, retry.DefaultJitter, attempt)
}

func (c *Client) refresh(excludeIDs []string) error {
	ctx, cancel := c.Context(context.Background())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.Discovery.RequestTimeoutDuration())
	defer cancelTimeout()

	cands, err := c.discovery.FetchCandidateNodes(ctx, excludeIDs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	entries := 0
	for _, n := range cands.Entries {
		if c.pool.AddEntryNode(n) {
			entries++
		}
	}
	exits := c.pool.AddExitNodes(cands.Exits)
	reach := c.pool.ReachPair()
	pool := c.pool.String()
	c.notifyLocked()
	c.mu.Unlock()

	c.log.Debugf("Fetched %d new entry and %d new exit nodes: %s", entries, exits, pool)

	switch reach.State {
	case nodes.StateNoEntryNodes, nodes.StateNoExitNodes:
		// Back off instead of asking again right away.
		return fmt.Errorf("%w (%v)", errNoCandidates, reach.State)
	}

	// Open a channel right away so that the first request does not pay for
	// it.
	if reach.Cmd.Kind == nodes.CmdOpenChannel {
		c.handleCommand(reach.Cmd)
	}
	return nil
}
