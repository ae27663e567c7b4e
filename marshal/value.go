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

package marshal

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Symbol is an interned Ruby symbol.  The stored name carries the leading
// colon, so the symbol :foo stringifies as ":foo".  Within a single decode,
// every occurrence of the same source symbol is the same *Symbol, which
// makes reuse observable as pointer equality.
type Symbol struct {
	name string
}

func (s *Symbol) String() string {
	return s.name
}

// Pair is a single key/value entry of a Ruby Hash.
type Pair struct {
	Key   interface{}
	Value interface{}
}

// Hash is a Ruby Hash in source order.  Keys are not deduplicated; a decode
// yields exactly the pairs present in the input, in input order.
type Hash []Pair

// Get returns the value for the first pair whose key is the string key, or
// the symbol :key.  The second return indicates presence.
func (h Hash) Get(key string) (interface{}, bool) {
	for _, p := range h {
		switch k := p.Key.(type) {
		case string:
			if k == key {
				return p.Value, true
			}
		case *Symbol:
			if k.name == ":"+key {
				return p.Value, true
			}
		}
	}
	return nil, false
}

// WrapperKind discriminates the complex object shapes that the decoder
// carries opaquely instead of instantiating.
type WrapperKind int

const (
	// Object is a user-defined object ('o'): Tag is the class *Symbol,
	// Children holds the attribute symbol/value pairs flattened in order.
	Object WrapperKind = iota

	// UserDef is a user-defined raw-bytes object ('u'): Tag is the class
	// *Symbol, Children holds the payload as a single string.
	UserDef

	// UserMarshal is a user-marshal object ('U'): Tag is the class *Symbol,
	// Children holds the single inner value.
	UserMarshal

	// Link is an unresolved object back-reference ('@'): Tag is the int64
	// table index.  The decoder does not maintain an object table.
	Link

	// Extended is the extended-module marker ('e'): Tag is nil.
	Extended
)

func (k WrapperKind) String() string {
	switch k {
	case Object:
		return "Object"
	case UserDef:
		return "UserDef"
	case UserMarshal:
		return "UserMarshal"
	case Link:
		return "Link"
	case Extended:
		return "Extended"
	}
	return fmt.Sprintf("WrapperKind(%d)", int(k))
}

// Wrapper is the opaque carrier for all complex object shapes.  Consumers
// switch on Kind rather than on a type hierarchy.
type Wrapper struct {
	Kind     WrapperKind
	Tag      interface{}
	Children []interface{}
}

// Format renders a decoded value in a Ruby-ish inspect notation.  The output
// is a display convenience and is not parseable; the value types themselves
// are authoritative (a string that happens to start with a colon still
// formats as a quoted string).
func Format(v interface{}) string {
	var b strings.Builder
	formatValue(&b, v)
	return b.String()
}

func formatValue(b *strings.Builder, v interface{}) {
	switch vv := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		if vv {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int64:
		b.WriteString(strconv.FormatInt(vv, 10))
	case *big.Int:
		b.WriteString(vv.String())
	case string:
		b.WriteString(strconv.Quote(vv))
	case *Symbol:
		b.WriteString(vv.name)
	case []interface{}:
		b.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				b.WriteString(", ")
			}
			formatValue(b, e)
		}
		b.WriteByte(']')
	case Hash:
		b.WriteByte('{')
		for i, p := range vv {
			if i > 0 {
				b.WriteString(", ")
			}
			formatValue(b, p.Key)
			b.WriteString(" => ")
			formatValue(b, p.Value)
		}
		b.WriteByte('}')
	case *Wrapper:
		b.WriteString("#<")
		b.WriteString(vv.Kind.String())
		if vv.Tag != nil {
			b.WriteByte(' ')
			formatValue(b, vv.Tag)
		}
		for _, c := range vv.Children {
			b.WriteByte(' ')
			formatValue(b, c)
		}
		b.WriteByte('>')
	default:
		fmt.Fprintf(b, "%v", vv)
	}
}

/* vim :set ts=4 sw=4 sts=4 noet : */
