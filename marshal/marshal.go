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
// Package marshal implements a decoder for version 4.8 of the Ruby Marshal
// binary object graph format, as emitted by the Rails session serializer.
//
// A serialized stream is:
//   uint8_t major   Format major version (0x04).
//   uint8_t minor   Format minor version (0x08).
//   value           One tagged value, encoded recursively.
//
// Each value is a single tag byte followed by a tag specific body.  Integers,
// lengths and table indices are encoded with the Marshal "long" packing, a
// variable length scheme with immediate forms for small magnitudes and 1 to 4
// byte little endian forms for the rest.  Symbols are written once and then
// referenced by table index, so the decoder keeps a per-decode symbol table.
//
// The decoder is strictly bounded: input size, per-field lengths and
// recursion depth are all capped, and any violation aborts the decode with no
// partial result.  It never re-encodes, and it never instantiates user
// defined classes; complex shapes come back as opaque Wrapper values.
//
package marshal

import (
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"
)

const (
	// MaxInput is the largest input the decoder will accept.
	MaxInput = 100 * 1024 * 1024

	// MaxDepth is the deepest value nesting the decoder will follow.
	MaxDepth = 1000

	maxCollectionLength = MaxInput / 100
	maxSymbolLength     = MaxInput / 10
	maxBignumHalfwords  = MaxInput / 2

	formatMajor = 0x04
	formatMinor = 0x08
)

const (
	tagNil         = '0'
	tagTrue        = 'T'
	tagFalse       = 'F'
	tagFixnum      = 'i'
	tagBignum      = 'l'
	tagString      = '"'
	tagSymbol      = ':'
	tagSymlink     = ';'
	tagIvar        = 'I'
	tagArray       = '['
	tagHash        = '{'
	tagLink        = '@'
	tagObject      = 'o'
	tagUserDef     = 'u'
	tagUserMarshal = 'U'
	tagExtended    = 'e'
)

// Error returned when the 2 byte version header is not 4.8.
var ErrUnsupportedVersion = errors.New("marshal: unsupported format version")

// Error returned when the input is exhausted mid-decode.
var ErrUnexpectedEOF = errors.New("marshal: unexpected end of input")

// Error returned when a length prefix exceeds its cap, or the input itself
// is over MaxInput.
var ErrOversizedField = errors.New("marshal: field length exceeds cap")

// Error returned when value nesting exceeds MaxDepth.
var ErrDepthExceeded = errors.New("marshal: recursion depth exceeded")

// Error returned when a symbol back-reference is out of table range.
var ErrBadReference = errors.New("marshal: symbol reference out of range")

// Error returned when a string or symbol body is not valid UTF-8, or a
// bignum carries an unknown sign byte.
var ErrEncoding = errors.New("marshal: invalid encoding")

// UnknownTagError is the error returned when dispatch hits a tag byte the
// decoder does not recognize.
type UnknownTagError byte

func (e UnknownTagError) Error() string {
	return fmt.Sprintf("marshal: unknown tag 0x%02x", byte(e))
}

type decoder struct {
	buf     []byte
	pos     int
	symbols []*Symbol
	depth   int
}

// Decode parses a complete Marshal 4.8 stream and returns the root value.
// The returned tree is self contained and owns no references into b.  On any
// failure no partial value is returned.
func Decode(b []byte) (interface{}, error) {
	if len(b) > MaxInput {
		return nil, ErrOversizedField
	}
	if len(b) < 2 {
		return nil, ErrUnexpectedEOF
	}
	if b[0] != formatMajor || b[1] != formatMinor {
		return nil, ErrUnsupportedVersion
	}

	d := &decoder{buf: b, pos: 2}
	return d.readValue()
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int64) ([]byte, error) {
	if n < 0 {
		return nil, ErrOversizedField
	}
	if int64(len(d.buf)-d.pos) < n {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// readLong decodes a Marshal packed integer.  The packing has eleven cases:
// zero, two immediate ranges, and 1 to 4 byte little endian forms in both
// signs.  The negative multi-byte form starts from an all-ones accumulator
// and patches in each byte, which sign extends short encodings.
func (d *decoder) readLong() (int64, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	c := int64(int8(b))
	switch {
	case c == 0:
		return 0, nil
	case c >= 5:
		return c - 5, nil
	case c <= -5:
		return c + 5, nil
	case c > 0:
		var v uint64
		for i := int64(0); i < c; i++ {
			b, err = d.readByte()
			if err != nil {
				return 0, err
			}
			v |= uint64(b) << (8 * uint(i))
		}
		return int64(v), nil
	default:
		n := -c
		v := int64(-1)
		for i := int64(0); i < n; i++ {
			b, err = d.readByte()
			if err != nil {
				return 0, err
			}
			v &^= int64(0xff) << (8 * uint(i))
			v |= int64(b) << (8 * uint(i))
		}
		return v, nil
	}
}

func (d *decoder) readValue() (interface{}, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > MaxDepth {
		return nil, ErrDepthExceeded
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagFixnum:
		return d.readLong()
	case tagBignum:
		return d.readBignum()
	case tagString:
		return d.readString()
	case tagSymbol:
		return d.readNewSymbol()
	case tagSymlink:
		return d.readSymlink()
	case tagIvar:
		return d.readIvar()
	case tagArray:
		return d.readArray()
	case tagHash:
		return d.readHash()
	case tagLink:
		return d.readObjectLink()
	case tagObject:
		return d.readObject()
	case tagUserDef:
		return d.readUserDef()
	case tagUserMarshal:
		return d.readUserMarshal()
	case tagExtended:
		return &Wrapper{Kind: Extended}, nil
	default:
		return nil, UnknownTagError(tag)
	}
}

func (d *decoder) readBignum() (interface{}, error) {
	sign, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if sign != '+' && sign != '-' {
		return nil, ErrEncoding
	}
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBignumHalfwords {
		return nil, ErrOversizedField
	}
	le, err := d.readBytes(2 * n)
	if err != nil {
		return nil, err
	}

	// The magnitude is little endian; big.Int wants big endian.
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if sign == '-' {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}

func (d *decoder) readString() (interface{}, error) {
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxInput {
		return nil, ErrOversizedField
	}
	b, err := d.readBytes(n)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, ErrEncoding
	}
	return string(b), nil
}

// readNewSymbol materializes a symbol and appends it to the table.  The
// append happens before returning, so a symlink emitted immediately after
// can already reference it.
func (d *decoder) readNewSymbol() (*Symbol, error) {
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxSymbolLength {
		return nil, ErrOversizedField
	}
	b, err := d.readBytes(n)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, ErrEncoding
	}
	sym := &Symbol{name: ":" + string(b)}
	d.symbols = append(d.symbols, sym)
	return sym, nil
}

func (d *decoder) readSymlink() (*Symbol, error) {
	k, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if k < 0 || k >= int64(len(d.symbols)) {
		return nil, ErrBadReference
	}
	return d.symbols[k], nil
}

// readClassSymbol reads the class tag of a complex object, which must be a
// new symbol or a symlink.
func (d *decoder) readClassSymbol() (*Symbol, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSymbol:
		return d.readNewSymbol()
	case tagSymlink:
		return d.readSymlink()
	default:
		return nil, UnknownTagError(tag)
	}
}

// readIvar decodes an instance-variable decorated value.  The attachments
// are fully consumed and then discarded: the only attachment Rails sessions
// carry is the string encoding flag, and string bodies are UTF-8 validated
// already.
func (d *decoder) readIvar() (interface{}, error) {
	v, err := d.readValue()
	if err != nil {
		return nil, err
	}
	m, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if m < 0 || m > maxCollectionLength {
		return nil, ErrOversizedField
	}
	for i := int64(0); i < m; i++ {
		if _, err = d.readValue(); err != nil {
			return nil, err
		}
		if _, err = d.readValue(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (d *decoder) readArray() (interface{}, error) {
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxCollectionLength {
		return nil, ErrOversizedField
	}
	seq := make([]interface{}, 0, n)
	for i := int64(0); i < n; i++ {
		v, err := d.readValue()
		if err != nil {
			return nil, err
		}
		seq = append(seq, v)
	}
	return seq, nil
}

func (d *decoder) readHash() (interface{}, error) {
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxCollectionLength {
		return nil, ErrOversizedField
	}
	h := make(Hash, 0, n)
	for i := int64(0); i < n; i++ {
		k, err := d.readValue()
		if err != nil {
			return nil, err
		}
		v, err := d.readValue()
		if err != nil {
			return nil, err
		}
		h = append(h, Pair{Key: k, Value: v})
	}
	return h, nil
}

func (d *decoder) readObjectLink() (interface{}, error) {
	// The decoder keeps no object table, only the symbol table, so links
	// stay unresolved.  Session hashes do not emit them at the root.
	k, err := d.readLong()
	if err != nil {
		return nil, err
	}
	return &Wrapper{Kind: Link, Tag: k}, nil
}

func (d *decoder) readObject() (interface{}, error) {
	sym, err := d.readClassSymbol()
	if err != nil {
		return nil, err
	}
	m, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if m < 0 || m > maxCollectionLength {
		return nil, ErrOversizedField
	}
	children := make([]interface{}, 0, 2*m)
	for i := int64(0); i < m; i++ {
		k, err := d.readValue()
		if err != nil {
			return nil, err
		}
		v, err := d.readValue()
		if err != nil {
			return nil, err
		}
		children = append(children, k, v)
	}
	return &Wrapper{Kind: Object, Tag: sym, Children: children}, nil
}

func (d *decoder) readUserDef() (interface{}, error) {
	sym, err := d.readClassSymbol()
	if err != nil {
		return nil, err
	}
	n, err := d.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxInput {
		return nil, ErrOversizedField
	}
	b, err := d.readBytes(n)
	if err != nil {
		return nil, err
	}
	return &Wrapper{Kind: UserDef, Tag: sym, Children: []interface{}{string(b)}}, nil
}

func (d *decoder) readUserMarshal() (interface{}, error) {
	sym, err := d.readClassSymbol()
	if err != nil {
		return nil, err
	}
	inner, err := d.readValue()
	if err != nil {
		return nil, err
	}
	return &Wrapper{Kind: UserMarshal, Tag: sym, Children: []interface{}{inner}}, nil
}

/* vim :set ts=4 sw=4 sts=4 noet : */
