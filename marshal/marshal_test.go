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
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
)

func mustDecode64(t *testing.T, s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatal("bad test vector base64:", err)
	}
	return b
}

// TestDecodeFixnum tests the packed integer forms.
func TestDecodeFixnum(t *testing.T) {
	vectors := []struct {
		raw      []byte
		expected int64
	}{
		{[]byte{0x04, 0x08, 'i', 0x00}, 0},
		{[]byte{0x04, 0x08, 'i', 0x06}, 1},
		{[]byte{0x04, 0x08, 'i', 0x7f}, 122},
		{[]byte{0x04, 0x08, 'i', 0xfa}, -1},
		{[]byte{0x04, 0x08, 'i', 0x80}, -123},
		{[]byte{0x04, 0x08, 'i', 0x01, 0xfc}, 252},
		{[]byte{0x04, 0x08, 'i', 0x02, 0x10, 0x27}, 10000},
		{[]byte{0x04, 0x08, 'i', 0xfe, 0xf0, 0xd8}, -10000},
		{[]byte{0x04, 0x08, 'i', 0x04, 0xff, 0xff, 0xff, 0x7f}, 2147483647},
		{[]byte{0x04, 0x08, 'i', 0xfc, 0x00, 0x00, 0x00, 0x80}, -2147483648},
	}

	for _, vec := range vectors {
		v, err := Decode(vec.raw)
		if err != nil {
			t.Fatalf("Decode(% x) failed: %s", vec.raw, err)
		}
		n, ok := v.(int64)
		if !ok {
			t.Fatalf("Decode(% x) returned %T, expected int64", vec.raw, v)
		}
		if n != vec.expected {
			t.Fatalf("Decode(% x) = %d, expected %d", vec.raw, n, vec.expected)
		}
	}

	// The anchor vector from the session test corpus.
	v, err := Decode(mustDecode64(t, "BAhpBg=="))
	if err != nil {
		t.Fatal("Decode(BAhpBg==) failed:", err)
	}
	if n, _ := v.(int64); n != 1 {
		t.Fatalf("Decode(BAhpBg==) = %v, expected 1", v)
	}
}

// TestDecodeSimple tests nil/true/false.
func TestDecodeSimple(t *testing.T) {
	v, err := Decode([]byte{0x04, 0x08, '0'})
	if err != nil || v != nil {
		t.Fatalf("Decode(nil) = %v, %v", v, err)
	}
	v, err = Decode([]byte{0x04, 0x08, 'T'})
	if err != nil || v != true {
		t.Fatalf("Decode(true) = %v, %v", v, err)
	}
	v, err = Decode([]byte{0x04, 0x08, 'F'})
	if err != nil || v != false {
		t.Fatalf("Decode(false) = %v, %v", v, err)
	}
}

// TestDecodeSymbol tests symbol materialization, including the empty name.
func TestDecodeSymbol(t *testing.T) {
	v, err := Decode(mustDecode64(t, "BAg6C2F6ZXJ0eQ=="))
	if err != nil {
		t.Fatal("Decode(:azerty) failed:", err)
	}
	sym, ok := v.(*Symbol)
	if !ok {
		t.Fatalf("Decode(:azerty) returned %T, expected *Symbol", v)
	}
	if sym.String() != ":azerty" {
		t.Fatalf("Decode(:azerty) = %q", sym.String())
	}

	// A zero length name still materializes and occupies a table slot.
	v, err = Decode([]byte{0x04, 0x08, ':', 0x00})
	if err != nil {
		t.Fatal("Decode(empty symbol) failed:", err)
	}
	sym, ok = v.(*Symbol)
	if !ok || sym.String() != ":" {
		t.Fatalf("Decode(empty symbol) = %v (%T)", v, v)
	}
}

// TestDecodeString tests the raw string body and the encoding ivar wrapper.
func TestDecodeString(t *testing.T) {
	v, err := Decode(mustDecode64(t, "BAhJIgthemVydHkGOgZFVA=="))
	if err != nil {
		t.Fatal("Decode(\"azerty\") failed:", err)
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("Decode(\"azerty\") returned %T, expected string", v)
	}
	if s != "azerty" {
		t.Fatalf("Decode(\"azerty\") = %q", s)
	}
}

func TestDecodeStringInvalidUTF8(t *testing.T) {
	_, err := Decode([]byte{0x04, 0x08, '"', 0x06, 0xff})
	if !errors.Is(err, ErrEncoding) {
		t.Fatal("Decode(invalid UTF-8) returned:", err)
	}
}

// TestDecodeHash tests mapping decode with ivar wrapped string keys.
func TestDecodeHash(t *testing.T) {
	v, err := Decode(mustDecode64(t, "BAh7BkkiB2F6BjoGRVRJIgdxcwY7AFQ="))
	if err != nil {
		t.Fatal("Decode(hash) failed:", err)
	}
	h, ok := v.(Hash)
	if !ok {
		t.Fatalf("Decode(hash) returned %T, expected Hash", v)
	}
	if len(h) != 1 {
		t.Fatalf("Decode(hash) has %d pairs, expected 1", len(h))
	}
	if k, _ := h[0].Key.(string); k != "az" {
		t.Fatalf("hash key = %v", h[0].Key)
	}
	if val, _ := h[0].Value.(string); val != "qs" {
		t.Fatalf("hash value = %v", h[0].Value)
	}
	if got, ok := h.Get("az"); !ok || got != "qs" {
		t.Fatalf("Get(az) = %v, %v", got, ok)
	}
	if _, ok := h.Get("missing"); ok {
		t.Fatal("Get(missing) reported presence")
	}
}

// TestSymbolReuse tests that symlinks resolve to the identical *Symbol.
func TestSymbolReuse(t *testing.T) {
	v, err := Decode(mustDecode64(t, "BAhbCToQc2FtZV9zeW1ib2w7ADoOZGlmZmVyZW50OwA="))
	if err != nil {
		t.Fatal("Decode(symbol array) failed:", err)
	}
	seq, ok := v.([]interface{})
	if !ok || len(seq) != 4 {
		t.Fatalf("Decode(symbol array) = %v (%T)", v, v)
	}

	s0 := seq[0].(*Symbol)
	s1 := seq[1].(*Symbol)
	s2 := seq[2].(*Symbol)
	s3 := seq[3].(*Symbol)
	if s0.String() != ":same_symbol" || s2.String() != ":different" {
		t.Fatalf("symbol names: %s, %s", s0, s2)
	}
	if s0 != s1 || s0 != s3 {
		t.Fatal("reused symbol is not identity equal")
	}
	if s0 == s2 {
		t.Fatal("distinct symbols are identity equal")
	}
}

// TestDecodeBignum tests both bignum signs and the int64 demotion.
func TestDecodeBignum(t *testing.T) {
	expected := new(big.Int).Lsh(big.NewInt(1), 100)

	v, err := Decode(mustDecode64(t, "BAhsKwwAAAAAAAAAAAAAAAAQAA=="))
	if err != nil {
		t.Fatal("Decode(2^100) failed:", err)
	}
	pos, ok := v.(*big.Int)
	if !ok {
		t.Fatalf("Decode(2^100) returned %T, expected *big.Int", v)
	}
	if pos.Cmp(expected) != 0 {
		t.Fatalf("Decode(2^100) = %s", pos)
	}

	v, err = Decode(mustDecode64(t, "BAhsLQwAAAAAAAAAAAAAAAAQAA=="))
	if err != nil {
		t.Fatal("Decode(-2^100) failed:", err)
	}
	neg, ok := v.(*big.Int)
	if !ok {
		t.Fatalf("Decode(-2^100) returned %T, expected *big.Int", v)
	}
	if neg.Cmp(new(big.Int).Neg(expected)) != 0 {
		t.Fatalf("Decode(-2^100) = %s", neg)
	}

	// A small magnitude bignum demotes to int64.
	small, err := Decode([]byte{0x04, 0x08, 'l', '+', 0x06, 0x2a, 0x00})
	if err != nil {
		t.Fatal("Decode(small bignum) failed:", err)
	}
	if n, _ := small.(int64); n != 42 {
		t.Fatalf("Decode(small bignum) = %v (%T)", small, small)
	}

	// Unknown sign byte.
	_, err = Decode([]byte{0x04, 0x08, 'l', '*', 0x06, 0x2a, 0x00})
	if !errors.Is(err, ErrEncoding) {
		t.Fatal("Decode(bad bignum sign) returned:", err)
	}
}

// TestDecodeWrappers tests the opaque complex object shapes.
func TestDecodeWrappers(t *testing.T) {
	// o :User { :id => 1 }
	raw := []byte{0x04, 0x08, 'o', ':', 0x09, 'U', 's', 'e', 'r',
		0x06, ':', 0x07, 'i', 'd', 'i', 0x06}
	v, err := Decode(raw)
	if err != nil {
		t.Fatal("Decode(object) failed:", err)
	}
	w, ok := v.(*Wrapper)
	if !ok || w.Kind != Object {
		t.Fatalf("Decode(object) = %v (%T)", v, v)
	}
	if w.Tag.(*Symbol).String() != ":User" {
		t.Fatalf("object tag = %v", w.Tag)
	}
	if len(w.Children) != 2 {
		t.Fatalf("object children = %v", w.Children)
	}
	if w.Children[0].(*Symbol).String() != ":id" || w.Children[1].(int64) != 1 {
		t.Fatalf("object attrs = %v", w.Children)
	}

	// u :Foo "hello"
	raw = []byte{0x04, 0x08, 'u', ':', 0x08, 'F', 'o', 'o',
		0x0a, 'h', 'e', 'l', 'l', 'o'}
	v, err = Decode(raw)
	if err != nil {
		t.Fatal("Decode(userdef) failed:", err)
	}
	w = v.(*Wrapper)
	if w.Kind != UserDef || w.Children[0].(string) != "hello" {
		t.Fatalf("Decode(userdef) = %v", Format(w))
	}

	// U :Foo 1
	raw = []byte{0x04, 0x08, 'U', ':', 0x08, 'F', 'o', 'o', 'i', 0x06}
	v, err = Decode(raw)
	if err != nil {
		t.Fatal("Decode(usermarshal) failed:", err)
	}
	w = v.(*Wrapper)
	if w.Kind != UserMarshal || w.Children[0].(int64) != 1 {
		t.Fatalf("Decode(usermarshal) = %v", Format(w))
	}

	// @ 1
	v, err = Decode([]byte{0x04, 0x08, '@', 0x06})
	if err != nil {
		t.Fatal("Decode(link) failed:", err)
	}
	w = v.(*Wrapper)
	if w.Kind != Link || w.Tag.(int64) != 1 {
		t.Fatalf("Decode(link) = %v", Format(w))
	}

	// e
	v, err = Decode([]byte{0x04, 0x08, 'e'})
	if err != nil {
		t.Fatal("Decode(extended) failed:", err)
	}
	w = v.(*Wrapper)
	if w.Kind != Extended || w.Tag != nil {
		t.Fatalf("Decode(extended) = %v", Format(w))
	}
}

// TestDecodeErrors tests the failure taxonomy.
func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatal("Decode(nil input) returned:", err)
	}
	if _, err := Decode([]byte{0x04}); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatal("Decode(short header) returned:", err)
	}
	if _, err := Decode([]byte{0x05, 0x08, '0'}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatal("Decode(bad major) returned:", err)
	}
	if _, err := Decode([]byte{0x04, 0x09, '0'}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatal("Decode(bad minor) returned:", err)
	}
	if _, err := Decode([]byte{0x04, 0x08}); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatal("Decode(missing value) returned:", err)
	}
	if _, err := Decode([]byte{0x04, 0x08, 'i'}); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatal("Decode(truncated fixnum) returned:", err)
	}
	if _, err := Decode([]byte{0x04, 0x08, '"', 0x0a, 'h', 'i'}); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatal("Decode(truncated string) returned:", err)
	}

	var tagErr UnknownTagError
	if _, err := Decode([]byte{0x04, 0x08, 'x'}); !errors.As(err, &tagErr) || byte(tagErr) != 'x' {
		t.Fatal("Decode(unknown tag) returned:", err)
	}

	// Symlink into an empty table.
	if _, err := Decode([]byte{0x04, 0x08, ';', 0x00}); !errors.Is(err, ErrBadReference) {
		t.Fatal("Decode(dangling symlink) returned:", err)
	}

	// Array length over the cap.
	raw := []byte{0x04, 0x08, '[', 0x04, 0xff, 0xff, 0xff, 0x7f}
	if _, err := Decode(raw); !errors.Is(err, ErrOversizedField) {
		t.Fatal("Decode(oversized array) returned:", err)
	}

	// Negative string length.
	if _, err := Decode([]byte{0x04, 0x08, '"', 0xfa}); !errors.Is(err, ErrOversizedField) {
		t.Fatal("Decode(negative string length) returned:", err)
	}
}

// TestDecodeDepth tests the recursion limit on nested arrays.
func TestDecodeDepth(t *testing.T) {
	nested := func(n int) []byte {
		raw := []byte{0x04, 0x08}
		for i := 0; i < n; i++ {
			raw = append(raw, '[', 0x06)
		}
		return append(raw, '0')
	}

	// The innermost nil sits one level below the deepest array.
	if _, err := Decode(nested(MaxDepth - 1)); err != nil {
		t.Fatal("Decode(depth at limit) failed:", err)
	}
	if _, err := Decode(nested(MaxDepth)); !errors.Is(err, ErrDepthExceeded) {
		t.Fatal("Decode(depth over limit) returned:", err)
	}
}

// TestFormat tests the inspect notation on a composite value.
func TestFormat(t *testing.T) {
	v, err := Decode(mustDecode64(t, "BAh7BkkiB2F6BjoGRVRJIgdxcwY7AFQ="))
	if err != nil {
		t.Fatal("Decode failed:", err)
	}
	if s := Format(v); s != `{"az" => "qs"}` {
		t.Fatalf("Format = %s", s)
	}

	sym, _ := Decode(mustDecode64(t, "BAg6C2F6ZXJ0eQ=="))
	if s := Format(sym); s != ":azerty" {
		t.Fatalf("Format(symbol) = %s", s)
	}
}
