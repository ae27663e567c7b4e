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
// Package keygen derives session keying material the way Rails'
// ActiveSupport::KeyGenerator does: PBKDF2 with HMAC-SHA1 as the PRF.  The
// PRF is fixed by wire compatibility with the consuming framework and is not
// negotiable.
//
// Derived keys are optionally memoized per (salt, bit length).  A cache
// entry, once installed, is never replaced, so repeated lookups return the
// identical underlying buffer.  Callers must treat returned keys as read
// only.
//
package keygen

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Error returned when Derive is given a bit length that is not a positive
// multiple of 8.
var ErrInvalidBitLength = errors.New("keygen: bit length not a positive multiple of 8")

type cacheKey struct {
	salt string
	bits int
}

// KeyGenerator is a deterministic PBKDF2-HMAC-SHA1 key derivation engine.
// It is safe for concurrent use.
type KeyGenerator struct {
	secret     []byte
	iterations int

	lock  sync.RWMutex
	cache map[cacheKey][]byte
}

// NewKeyGenerator creates a KeyGenerator for secret.  iterations must be at
// least 1.  When cacheEnabled, derived keys are memoized per (salt, bit
// length).
func NewKeyGenerator(secret string, iterations int, cacheEnabled bool) *KeyGenerator {
	if iterations < 1 {
		panic(fmt.Sprintf("BUG: Invalid iteration count: %d", iterations))
	}

	kg := &KeyGenerator{
		secret:     []byte(secret),
		iterations: iterations,
	}
	if cacheEnabled {
		kg.cache = make(map[cacheKey][]byte)
	}
	return kg
}

// Derive returns bits/8 bytes of keying material for salt.  For a fixed
// generator the output is bit identical across calls; with the cache enabled
// it is additionally the same underlying buffer.
func (kg *KeyGenerator) Derive(salt string, bits int) ([]byte, error) {
	if bits <= 0 || bits%8 != 0 {
		return nil, ErrInvalidBitLength
	}

	if kg.cache == nil {
		return kg.derive(salt, bits), nil
	}

	k := cacheKey{salt: salt, bits: bits}

	kg.lock.RLock()
	key, ok := kg.cache[k]
	kg.lock.RUnlock()
	if ok {
		return key, nil
	}

	key = kg.derive(salt, bits)

	// A concurrent miss may have installed the entry already.  The first
	// install wins so the buffer identity of an entry never changes.
	kg.lock.Lock()
	if existing, ok := kg.cache[k]; ok {
		key = existing
	} else {
		kg.cache[k] = key
	}
	kg.lock.Unlock()

	return key, nil
}

func (kg *KeyGenerator) derive(salt string, bits int) []byte {
	return pbkdf2.Key(kg.secret, []byte(salt), kg.iterations, bits/8, sha1.New)
}

/* vim :set ts=4 sw=4 sts=4 noet : */
