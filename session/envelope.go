/*
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

//
// Package session reads the opaque tokens Rails hands to browsers: the
// encrypted session cookie and the standalone signed message.
//
// The encrypted cookie is URL percent encoded and, once decoded, is three
// standard base64 segments joined by "--":
//
//   base64(ciphertext) -- base64(iv) -- base64(auth tag)
//
// The ciphertext is AES-256-GCM under a key derived from the application's
// secret key base (see the keygen package), with the 12 byte iv as the nonce,
// an empty AAD and a 16 byte tag.  The plaintext is a JSON envelope:
//
//   {"_rails":{"message":<base64>,"exp":<null|ts>,"pur":<purpose>}}
//
// whose message is a base64 wrapped Marshal 4.8 stream holding the session
// hash.
//
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"gitlab.com/yawning/railsbridge.git/keygen"
	"gitlab.com/yawning/railsbridge.git/marshal"
)

const (
	// encryptedCookieSalt is the key derivation salt Rails uses for
	// authenticated encrypted cookies.
	encryptedCookieSalt = "authenticated encrypted cookie"

	sessionKeyBits = 256
	keyIterations  = 1000

	segmentSeparator = "--"

	ivLength  = 12
	tagLength = 16
)

// Error returned when a token does not have the expected segment/base64/JSON
// shape.
var ErrInvalidEnvelope = errors.New("session: malformed envelope")

// Error returned when AEAD authentication of the cookie fails.
var ErrAuthFailure = errors.New("session: authentication failed")

// Error returned when the decrypted payload decodes to something other than
// a session hash.
var ErrUnexpectedPayload = errors.New("session: payload is not a hash")

type railsEnvelope struct {
	Rails *railsMessage `json:"_rails"`
}

type railsMessage struct {
	Message string          `json:"message"`
	Exp     json.RawMessage `json:"exp"`
	Pur     string          `json:"pur"`
}

// Envelope is a single encrypted session cookie awaiting decryption.  It is
// cheap to construct per request; the expensive key derivation is memoized
// inside the KeyGenerator.
type Envelope struct {
	cookie string
	keygen *keygen.KeyGenerator
}

// NewEnvelope creates an Envelope for cookie using a private KeyGenerator
// over secretKeyBase at the Rails default iteration count.
func NewEnvelope(cookie, secretKeyBase string) *Envelope {
	kg := keygen.NewKeyGenerator(secretKeyBase, keyIterations, true)
	return NewEnvelopeWithKeyGenerator(cookie, kg)
}

// NewEnvelopeWithKeyGenerator creates an Envelope for cookie using a shared
// KeyGenerator, so the PBKDF2 work is paid once across requests.
func NewEnvelopeWithKeyGenerator(cookie string, kg *keygen.KeyGenerator) *Envelope {
	return &Envelope{cookie: cookie, keygen: kg}
}

// Decrypt authenticates and decrypts the cookie and decodes the session hash
// it carries.  The exp/pur fields of the inner envelope are not enforced
// here; sessions rely on the AEAD tag alone.
func (e *Envelope) Decrypt() (marshal.Hash, error) {
	ciphertext, iv, tag, err := splitCookie(e.cookie)
	if err != nil {
		return nil, err
	}

	key, err := e.keygen.Derive(encryptedCookieSalt, sessionKeyBits)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrAuthFailure
	}

	var env railsEnvelope
	if err = json.Unmarshal(plaintext, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Rails == nil || env.Rails.Message == "" {
		return nil, ErrInvalidEnvelope
	}
	payload, err := base64.StdEncoding.DecodeString(env.Rails.Message)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	v, err := marshal.Decode(payload)
	if err != nil {
		return nil, err
	}
	h, ok := v.(marshal.Hash)
	if !ok {
		return nil, ErrUnexpectedPayload
	}
	return h, nil
}

// splitCookie percent decodes the raw cookie and pulls apart the three
// base64 segments.
func splitCookie(cookie string) (ciphertext, iv, tag []byte, err error) {
	raw, err := url.QueryUnescape(cookie)
	if err != nil {
		return nil, nil, nil, ErrInvalidEnvelope
	}

	segments := strings.Split(raw, segmentSeparator)
	if len(segments) != 3 {
		return nil, nil, nil, ErrInvalidEnvelope
	}
	for _, s := range segments {
		if s == "" {
			return nil, nil, nil, ErrInvalidEnvelope
		}
	}

	if ciphertext, err = base64.StdEncoding.DecodeString(segments[0]); err != nil {
		return nil, nil, nil, ErrInvalidEnvelope
	}
	if iv, err = base64.StdEncoding.DecodeString(segments[1]); err != nil {
		return nil, nil, nil, ErrInvalidEnvelope
	}
	if tag, err = base64.StdEncoding.DecodeString(segments[2]); err != nil {
		return nil, nil, nil, ErrInvalidEnvelope
	}
	if len(iv) != ivLength || len(tag) != tagLength {
		return nil, nil, nil, ErrInvalidEnvelope
	}

	return ciphertext, iv, tag, nil
}

/* vim :set ts=4 sw=4 sts=4 noet : */
