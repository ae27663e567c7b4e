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
// Package replayfilter answers one question: has this token been seen
// before?  It is keyed by the SipHash-2-4 digest of the token under a per
// filter random key, so an adversary cannot predict collisions, and a
// collision is simply treated as a positive match.
//
// Entries age out after a caller supplied TTL.  A capacity backstop bounds
// memory if a deployment sees more distinct tokens inside the TTL than
// expected.
//
package replayfilter

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"github.com/dchest/siphash"
)

// maxFilterSize is the maximum entry count.  A session token is good for
// its whole TTL, so the filter only needs to hold the distinct tokens of
// one TTL window; this is generous for that.
const maxFilterSize = 100 * 1024

// ReplayFilter is a set of recently seen tokens.  It is safe for concurrent
// use.
type ReplayFilter struct {
	lock   sync.Mutex
	key    [2]uint64
	filter map[uint64]*filterEntry
	fifo   *list.List

	ttl int64
}

type filterEntry struct {
	firstSeen int64
	hash      uint64
	element   *list.Element
}

// New creates a ReplayFilter that remembers tokens for ttl seconds.
func New(ttl int64) (*ReplayFilter, error) {
	var key [16]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, err
	}

	f := &ReplayFilter{
		filter: make(map[uint64]*filterEntry),
		fifo:   list.New(),
		ttl:    ttl,
	}
	f.key[0] = binary.BigEndian.Uint64(key[0:8])
	f.key[1] = binary.BigEndian.Uint64(key[8:16])
	return f, nil
}

// TestAndSet queries the filter for token, adds it if it was not present,
// and returns whether it was already there.  now is seconds since the epoch.
func (f *ReplayFilter) TestAndSet(now int64, token []byte) bool {
	hash := siphash.Hash(f.key[0], f.key[1], token)

	f.lock.Lock()
	defer f.lock.Unlock()

	f.compact(now)

	if f.filter[hash] != nil {
		return true
	}

	entry := &filterEntry{firstSeen: now, hash: hash}
	entry.element = f.fifo.PushBack(entry)
	f.filter[hash] = entry

	return false
}

// compact purges entries older than the TTL.  When the filter is at
// capacity it force purges at least one entry regardless of age.  Not
// threadsafe.
func (f *ReplayFilter) compact(now int64) {
	e := f.fifo.Front()
	for e != nil {
		entry, _ := e.Value.(*filterEntry)

		if f.fifo.Len() < maxFilterSize {
			deltaT := now - entry.firstSeen
			if deltaT < 0 {
				// The clock jumped backwards, potentially by a lot, and
				// entry ages can no longer be trusted.  Jettison the
				// whole filter.
				f.reset()
				return
			}
			if deltaT < f.ttl {
				break
			}
		}
		eNext := e.Next()
		delete(f.filter, entry.hash)
		f.fifo.Remove(entry.element)
		entry.element = nil
		e = eNext
	}
}

// reset purges the entire filter.  Not threadsafe.
func (f *ReplayFilter) reset() {
	f.filter = make(map[uint64]*filterEntry)
	f.fifo = list.New()
}

/* vim :set ts=4 sw=4 sts=4 noet : */
