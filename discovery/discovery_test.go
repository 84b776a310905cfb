// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpch/rpch/core/log"
)

func testClient(t *testing.T, endpoint string) *Client {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	c, err := New(endpoint, "sandbox", &http.Client{Timeout: time.Second}, backend.GetLogger("discovery"))
	require.NoError(t, err)
	return c
}

func TestFetchCandidateNodes(t *testing.T) {
	require := require.New(t)

	key1, key2 := strings.Repeat("01", ExitKeySize), strings.Repeat("ab", ExitKeySize)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		require.Equal(entryNodesPath, r.URL.Path)
		require.Equal("sandbox", r.Header.Get(clientHeader))

		var req entryNodesRequest
		require.NoError(json.NewDecoder(r.Body).Decode(&req))
		require.Equal("sandbox", req.Client)
		require.Equal([]string{"badEntry"}, req.ExcludeList)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"entryNodes": [
				{"id": "entry1", "hoprd_api_endpoint": "http://10.0.0.1:3001", "accessToken": "tok1", "recommendedExits": ["exit2"]},
				{"id": "broken", "hoprd_api_endpoint": "::not a url", "accessToken": "tok2"}
			],
			"exitNodes": [
				{"id": "exit1", "exit_node_pub_key": "0x%s"},
				{"id": "exit2", "exit_node_pub_key": "%s"},
				{"id": "exit3", "exit_node_pub_key": "zz"},
				{"id": "exit4", "exit_node_pub_key": "0x0102"},
				{"id": "exit5", "exit_node_pub_key": "%s00"}
			]
		}`, key1, key2, key1)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	cands, err := c.FetchCandidateNodes(context.Background(), []string{"badEntry"})
	require.NoError(err)

	require.Len(cands.Entries, 1)
	e := cands.Entries[0]
	require.Equal("entry1", e.PeerID)
	require.Equal("10.0.0.1:3001", e.APIEndpoint.Host)
	require.Equal("tok1", e.APIToken)
	require.Contains(e.RecommendedExits, "exit2")

	// Keys that do not decode to ExitKeySize bytes are skipped.
	require.Len(cands.Exits, 2)
	require.Equal("exit1", cands.Exits[0].PeerID)
	require.Equal(bytes.Repeat([]byte{0x01}, ExitKeySize), cands.Exits[0].PublicKey)
	require.Equal("exit2", cands.Exits[1].PeerID)
	require.Equal(bytes.Repeat([]byte{0xab}, ExitKeySize), cands.Exits[1].PublicKey)
}

func TestFetchCandidateNodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "client was not sent in request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchCandidateNodes(context.Background(), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Contains(t, apiErr.Body, "client was not sent")
}

func TestNewInvalidEndpoint(t *testing.T) {
	_, err := New("ftp://discovery", "c", nil, nil)
	require.Error(t, err)
}
