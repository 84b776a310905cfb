// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package payload defines the plaintext carried inside request and response
// envelopes.  Payloads are CBOR encoded and then zstd compressed.
package payload

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// RespType tags the kind of a response payload.
type RespType string

const (
	// TypeResp is a successful RPC response.
	TypeResp RespType = "resp"

	// TypeCounterFail means the exit node rejected the request counter.
	TypeCounterFail RespType = "counterfail"

	// TypeHTTPError means the RPC provider answered with a non 2xx status.
	TypeHTTPError RespType = "httperror"

	// TypeError means the exit node failed to reach the RPC provider.
	TypeError RespType = "error"
)

// MaxDecodedSize bounds a decompressed payload.
const MaxDecodedSize = 16 << 20

// ErrInvalidPayload is returned for payloads that fail to decode.
var ErrInvalidPayload = errors.New("payload: invalid payload")

// ReqPayload is the plaintext of a request envelope.  Req is carried as
// opaque bytes, the exit node forwards it to the provider unchanged.
type ReqPayload struct {
	ClientID string            `cbor:"clientId"`
	Provider string            `cbor:"provider"`
	Req      []byte            `cbor:"req"`
	Headers  map[string]string `cbor:"headers,omitempty"`
}

// RespPayload is the plaintext of a response envelope.
type RespPayload struct {
	Type        RespType `cbor:"type"`
	Resp        []byte   `cbor:"resp,omitempty"`
	LastCounter uint64   `cbor:"counter,omitempty"`
	Status      int      `cbor:"status,omitempty"`
	Text        string   `cbor:"text,omitempty"`
	Reason      string   `cbor:"reason,omitempty"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
)

// EncodeRequest serializes and compresses a request payload.
func EncodeRequest(p *ReqPayload) ([]byte, error) {
	if p.Provider == "" {
		return nil, fmt.Errorf("%w: missing provider", ErrInvalidPayload)
	}
	return encode(p)
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(b []byte) (*ReqPayload, error) {
	p := new(ReqPayload)
	if err := decode(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeResponse serializes and compresses a response payload.
func EncodeResponse(p *RespPayload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return encode(p)
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(b []byte) (*RespPayload, error) {
	p := new(RespPayload)
	if err := decode(b, p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RespPayload) validate() error {
	switch p.Type {
	case TypeResp, TypeCounterFail, TypeHTTPError, TypeError:
		return nil
	default:
		return fmt.Errorf("%w: unknown response type %q", ErrInvalidPayload, p.Type)
	}
}

func encode(v any) ([]byte, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func decode(b []byte, v any) error {
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err = cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
