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

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SignedMessage verifies and generates the framework's standalone signed
// tokens: base64(JSON envelope) + "--" + lowercase hex HMAC-SHA256.  Unlike
// the encrypted cookie these are not secret, only tamper evident.
type SignedMessage struct {
	secret []byte
}

// NewSignedMessage creates a SignedMessage keyed by secret.
func NewSignedMessage(secret []byte) *SignedMessage {
	sm := &SignedMessage{secret: make([]byte, len(secret))}
	copy(sm.secret, secret)
	return sm
}

// Verify checks token and returns the message it carries.  A token that is
// malformed, carries a bad signature, or was generated for a different
// purpose yields ("", false) with no distinguishing detail: the absence and
// shape of an error are side channels of their own, so there is exactly one
// failure mode.
func (sm *SignedMessage) Verify(token, purpose string) (string, bool) {
	segments := strings.Split(token, segmentSeparator)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", false
	}
	data, tag := segments[0], segments[1]

	// subtle.ConstantTimeCompare does not short circuit, and comparing in
	// the hex domain also rejects case variant tags.
	expected := hex.EncodeToString(sm.sign(data))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(tag)) != 1 {
		return "", false
	}

	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	var env railsEnvelope
	if err = json.Unmarshal(payload, &env); err != nil {
		return "", false
	}
	if env.Rails == nil || env.Rails.Pur != purpose {
		return "", false
	}
	message, err := base64.StdEncoding.DecodeString(env.Rails.Message)
	if err != nil {
		return "", false
	}
	return string(message), true
}

// Generate emits a signed token carrying message for purpose, with no
// expiry.  Verify(Generate(m, p), p) always round trips.
func (sm *SignedMessage) Generate(message, purpose string) (string, error) {
	env := railsEnvelope{
		Rails: &railsMessage{
			Message: base64.StdEncoding.EncodeToString([]byte(message)),
			Pur:     purpose,
		},
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return "", err
	}

	data := base64.StdEncoding.EncodeToString(payload)
	return data + segmentSeparator + hex.EncodeToString(sm.sign(data)), nil
}

func (sm *SignedMessage) sign(data string) []byte {
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

/* vim :set ts=4 sw=4 sts=4 noet : */
