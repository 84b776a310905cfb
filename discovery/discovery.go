// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package discovery fetches entry and exit node candidates from the RPCh
// discovery platform.
package discovery

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/rpch/rpch/nodes"
)

const (
	entryNodesPath = "/api/v1/request/entry-nodes"
	clientHeader   = "x-rpch-client"

	maxResponseSize = 1 << 20

	// ExitKeySize is the size of an exit node X25519 public key.
	ExitKeySize = 32

	// DefaultTimeout bounds a discovery request.
	DefaultTimeout = 10 * time.Second
)

// APIError is returned when the discovery platform answers with a non 200
// status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discovery: unexpected status %d: %s", e.Status, e.Body)
}

// Candidates is the node set returned by the platform.
type Candidates struct {
	Entries []*nodes.EntryNode
	Exits   []*nodes.ExitNode
}

type entryNodesRequest struct {
	Client      string   `json:"client"`
	ExcludeList []string `json:"excludeList"`
}

type entryNodeJSON struct {
	ID               string   `json:"id"`
	APIEndpoint      string   `json:"hoprd_api_endpoint"`
	AccessToken      string   `json:"accessToken"`
	RecommendedExits []string `json:"recommendedExits"`
}

type exitNodeJSON struct {
	ID        string `json:"id"`
	PublicKey string `json:"exit_node_pub_key"`
}

type entryNodesResponse struct {
	EntryNodes []entryNodeJSON `json:"entryNodes"`
	ExitNodes  []exitNodeJSON  `json:"exitNodes"`
}

// Client talks to the discovery platform.
type Client struct {
	endpoint *url.URL
	clientID string
	http     *http.Client
	log      *logging.Logger
}

// New returns a Client for the platform at endpoint.  A nil hc uses an
// http.Client with DefaultTimeout.
func New(endpoint, clientID string, hc *http.Client, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("discovery: invalid endpoint scheme: %q", u.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint: u,
		clientID: clientID,
		http:     hc,
		log:      log,
	}, nil
}

// FetchCandidateNodes requests node candidates, excluding the given entry
// node ids.
func (c *Client) FetchCandidateNodes(ctx context.Context, excludeIDs []string) (*Candidates, error) {
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	body, err := json.Marshal(&entryNodesRequest{Client: c.clientID, ExcludeList: excludeIDs})
	if err != nil {
		return nil, err
	}

	u := c.endpoint.JoinPath(entryNodesPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(clientHeader, c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed entryNodesResponse
	if err = json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("discovery: invalid response: %w", err)
	}
	return c.toCandidates(&parsed), nil
}

func (c *Client) toCandidates(r *entryNodesResponse) *Candidates {
	cands := new(Candidates)
	for _, e := range r.EntryNodes {
		u, err := url.Parse(e.APIEndpoint)
		if err != nil || e.ID == "" || u.Host == "" {
			c.log.Warningf("Skipping entry node %q with invalid endpoint %q", e.ID, e.APIEndpoint)
			continue
		}
		rec := make(map[string]struct{}, len(e.RecommendedExits))
		for _, x := range e.RecommendedExits {
			rec[x] = struct{}{}
		}
		cands.Entries = append(cands.Entries, &nodes.EntryNode{
			PeerID:           e.ID,
			APIEndpoint:      u,
			APIToken:         e.AccessToken,
			RecommendedExits: rec,
		})
	}
	for _, x := range r.ExitNodes {
		pk, err := hex.DecodeString(strings.TrimPrefix(x.PublicKey, "0x"))
		if err != nil || x.ID == "" || len(pk) != ExitKeySize {
			c.log.Warningf("Skipping exit node %q with invalid public key", x.ID)
			continue
		}
		cands.Exits = append(cands.Exits, &nodes.ExitNode{PeerID: x.ID, PublicKey: pk})
	}
	return cands
}
