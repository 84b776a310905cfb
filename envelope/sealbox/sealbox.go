// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sealbox implements envelope.Boxer with an ephemeral X25519 key
// exchange, HKDF-BLAKE2b key derivation and ChaCha20-Poly1305.
//
// Request envelope:
//
//	version(1) | len(sender)(1) | sender | ephemeral public key(32) | counter(8) | ciphertext
//
// Response envelope:
//
//	counter(8) | ciphertext
//
// Both directions use keys derived from the same shared secret; the nonce is
// the big endian counter, which is unique per key.
package sealbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/rpch/rpch/envelope"
)

const (
	// Version is the request envelope version.
	Version = 1

	counterSize   = 8
	maxSenderSize = 255

	requestInfo  = "rpch/sealbox/v1/request"
	responseInfo = "rpch/sealbox/v1/response"
)

var scheme = ecdh.Scheme(rand.Reader)

// Session is the client side state of one sealed request.
type Session struct {
	request     []byte
	counter     uint64
	recipientID string
	respKey     []byte
}

// Request implements envelope.Session.
func (s *Session) Request() []byte {
	return s.request
}

// Counter implements envelope.Session.
func (s *Session) Counter() uint64 {
	return s.counter
}

// Boxer implements envelope.Boxer.
type Boxer struct{}

// New returns a Boxer.
func New() *Boxer {
	return new(Boxer)
}

// Box implements envelope.Boxer.
func (b *Boxer) Box(payload []byte, senderID, recipientID string, recipientIdentity []byte, counter uint64) (envelope.Session, error) {
	if len(senderID) > maxSenderSize {
		return nil, fmt.Errorf("sealbox: sender id too long: %d", len(senderID))
	}
	recipientPub, err := scheme.UnmarshalBinaryPublicKey(recipientIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrInvalidIdentity, err)
	}
	ephPub, ephPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	reqKey, respKey, err := deriveKeys(scheme.DeriveSecret(ephPriv, recipientPub), ephPub.Bytes(), recipientPub.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(reqKey)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, 0, 2+len(senderID)+scheme.PublicKeySize()+counterSize)
	hdr = append(hdr, Version, byte(len(senderID)))
	hdr = append(hdr, senderID...)
	hdr = append(hdr, ephPub.Bytes()...)
	hdr = binary.BigEndian.AppendUint64(hdr, counter)

	ad := requestAD(hdr, recipientID)
	request := aead.Seal(hdr, nonce(counter), payload, ad)

	return &Session{
		request:     request,
		counter:     counter,
		recipientID: recipientID,
		respKey:     respKey,
	}, nil
}

// Unbox implements envelope.Boxer.
func (b *Boxer) Unbox(session envelope.Session, data []byte, lastCounter uint64) ([]byte, uint64, error) {
	s, ok := session.(*Session)
	if !ok {
		return nil, 0, fmt.Errorf("sealbox: foreign session type %T", session)
	}
	if len(data) < counterSize+chacha20poly1305.Overhead {
		return nil, 0, fmt.Errorf("%w: response too short: %d", envelope.ErrMalformed, len(data))
	}

	counter := binary.BigEndian.Uint64(data[:counterSize])
	if counter <= lastCounter {
		return nil, 0, fmt.Errorf("%w: got %d, last %d", envelope.ErrCounterReplay, counter, lastCounter)
	}

	aead, err := chacha20poly1305.New(s.respKey)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := aead.Open(nil, nonce(counter), data[counterSize:], responseAD(data[:counterSize], s.recipientID))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", envelope.ErrDecrypt, err)
	}
	return plaintext, counter, nil
}

func deriveKeys(secret, ephPub, recipientPub []byte) (reqKey, respKey []byte, err error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	newHash := func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}
	reqKey = make([]byte, chacha20poly1305.KeySize)
	if _, err = io.ReadFull(hkdf.New(newHash, secret, salt, []byte(requestInfo)), reqKey); err != nil {
		return nil, nil, err
	}
	respKey = make([]byte, chacha20poly1305.KeySize)
	if _, err = io.ReadFull(hkdf.New(newHash, secret, salt, []byte(responseInfo)), respKey); err != nil {
		return nil, nil, err
	}
	return reqKey, respKey, nil
}

func nonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-counterSize:], counter)
	return n
}

func requestAD(hdr []byte, recipientID string) []byte {
	ad := make([]byte, 0, len(hdr)+len(recipientID))
	ad = append(ad, hdr...)
	return append(ad, recipientID...)
}

func responseAD(counter []byte, recipientID string) []byte {
	ad := make([]byte, 0, len(counter)+len(recipientID))
	ad = append(ad, counter...)
	return append(ad, recipientID...)
}

// Identity is an exit node key pair.  It opens request envelopes and seals
// the matching responses.
type Identity struct {
	PeerID string

	pub  nike.PublicKey
	priv nike.PrivateKey
}

// NewIdentity generates a fresh exit node identity.
func NewIdentity(peerID string) (*Identity, error) {
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{PeerID: peerID, pub: pub, priv: priv}, nil
}

// PublicKey returns the serialized public key, as published by discovery.
func (i *Identity) PublicKey() []byte {
	return i.pub.Bytes()
}

// Request is a request envelope opened by an exit node.
type Request struct {
	SenderID string
	Counter  uint64
	Payload  []byte

	respKey []byte
}

var errShortRequest = errors.New("sealbox: request too short")

// OpenRequest opens a request envelope addressed to i.
func (i *Identity) OpenRequest(data []byte) (*Request, error) {
	pubSize := scheme.PublicKeySize()
	if len(data) < 2 {
		return nil, errShortRequest
	}
	if data[0] != Version {
		return nil, fmt.Errorf("sealbox: unsupported version: %d", data[0])
	}
	senderLen := int(data[1])
	hdrLen := 2 + senderLen + pubSize + counterSize
	if len(data) < hdrLen+chacha20poly1305.Overhead {
		return nil, errShortRequest
	}
	hdr := data[:hdrLen]
	senderID := string(hdr[2 : 2+senderLen])
	ephPub, err := scheme.UnmarshalBinaryPublicKey(hdr[2+senderLen : 2+senderLen+pubSize])
	if err != nil {
		return nil, err
	}
	counter := binary.BigEndian.Uint64(hdr[hdrLen-counterSize:])

	reqKey, respKey, err := deriveKeys(scheme.DeriveSecret(i.priv, ephPub), ephPub.Bytes(), i.pub.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(reqKey)
	if err != nil {
		return nil, err
	}
	payload, err := aead.Open(nil, nonce(counter), data[hdrLen:], requestAD(hdr, i.PeerID))
	if err != nil {
		return nil, fmt.Errorf("sealbox: failed to open request: %w", err)
	}
	return &Request{
		SenderID: senderID,
		Counter:  counter,
		Payload:  payload,
		respKey:  respKey,
	}, nil
}

// SealResponse seals payload as the response to req.
func (i *Identity) SealResponse(req *Request, payload []byte, counter uint64) ([]byte, error) {
	aead, err := chacha20poly1305.New(req.respKey)
	if err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint64(make([]byte, 0, counterSize+len(payload)+chacha20poly1305.Overhead), counter)
	ad := responseAD(out, i.PeerID)
	return aead.Seal(out, nonce(counter), payload, ad), nil
}
