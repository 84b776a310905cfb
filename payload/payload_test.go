// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package payload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestPayload(t *testing.T) {
	require := require.New(t)

	body := `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`
	p := &ReqPayload{
		ClientID: "sandbox",
		Provider: "https://gnosis-provider.rpch.tech",
		Req:      []byte(body),
		Headers:  map[string]string{"Content-Type": "application/json"},
	}
	b, err := EncodeRequest(p)
	require.NoError(err)

	got, err := DecodeRequest(b)
	require.NoError(err)
	require.Equal(p.Provider, got.Provider)
	require.Equal(body, string(got.Req))
	require.Equal(p.Headers, got.Headers)

	_, err = EncodeRequest(&ReqPayload{Req: []byte("{}")})
	require.ErrorIs(err, ErrInvalidPayload)
}

func TestRequestPayloadOpaque(t *testing.T) {
	require := require.New(t)

	for _, body := range []string{"body1", "{not json", ""} {
		b, err := EncodeRequest(&ReqPayload{Provider: "providerA", Req: []byte(body)})
		require.NoError(err)
		got, err := DecodeRequest(b)
		require.NoError(err)
		require.Equal(body, string(got.Req))
	}
}

func TestRequestPayloadCompresses(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"eth_call","params":[` +
		strings.Repeat(`{"to":"0x0000000000000000000000000000000000000000"},`, 50) + `{}],"id":1}`
	b, err := EncodeRequest(&ReqPayload{Provider: "https://p", Req: []byte(body)})
	require.NoError(t, err)
	require.Less(t, len(b), len(body))
}

func TestResponsePayload(t *testing.T) {
	require := require.New(t)

	for _, p := range []*RespPayload{
		{Type: TypeResp, Resp: []byte(`{"jsonrpc":"2.0","result":"0x1","id":1}`)},
		{Type: TypeCounterFail, LastCounter: 1700000000000},
		{Type: TypeHTTPError, Status: 429, Text: "Too Many Requests"},
		{Type: TypeError, Reason: "dial tcp: connection refused"},
	} {
		b, err := EncodeResponse(p)
		require.NoError(err)
		got, err := DecodeResponse(b)
		require.NoError(err)
		require.Equal(p.Type, got.Type)
		require.Equal(p.LastCounter, got.LastCounter)
		require.Equal(p.Status, got.Status)
		require.Equal(p.Text, got.Text)
		require.Equal(p.Reason, got.Reason)
	}

	_, err := EncodeResponse(&RespPayload{Type: "bogus"})
	require.ErrorIs(err, ErrInvalidPayload)
	_, err = DecodeResponse([]byte("definitely not zstd"))
	require.ErrorIs(err, ErrInvalidPayload)
}
