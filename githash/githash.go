// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package githash defines the object identifier type shared by every layer
// of a partial clone: the entries of a decoded packfile, the rows of a
// packfile index and its reverse index, the refs a remote advertises, and
// the blobs a tree walk enumerates all name themselves with a SHA1.
package githash

import (
	"encoding/hex"
	"fmt"
	"io"
)

// SHA1Size is the number of bytes in a SHA-1 object identifier.
const SHA1Size = 20

// shortLen is the number of bytes Short renders, long enough to disambiguate
// object identifiers in a progress log without printing the whole thing.
const shortLen = 4

// A SHA1 identifies a single Git object by the SHA-1 hash of its
// type-and-size header plus its uncompressed content.
type SHA1 [SHA1Size]byte

// Zero is the identifier with all bytes set to zero. It never names a real
// object and is used as a sentinel for "no identifier yet" — for instance,
// a ref that a remote advertises without an object behind it.
var Zero SHA1

// IsZero reports whether h is the all-zero identifier.
func (h SHA1) IsZero() bool {
	return h == Zero
}

// Compare returns -1, 0, or +1 depending on whether h sorts before, equal
// to, or after other in the lexicographic order packfile indexes store
// their object identifiers in.
func (h SHA1) Compare(other SHA1) int {
	for i := range h {
		if h[i] != other[i] {
			if h[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParseSHA1 parses a hex-encoded object identifier. It is equivalent to
// calling UnmarshalText on a new SHA1.
func ParseSHA1(s string) (SHA1, error) {
	var h SHA1
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// String returns the identifier as 40 hex digits.
func (h SHA1) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first few hex digits of the identifier, enough to
// disambiguate it when printed alongside other identifiers in a log line.
func (h SHA1) Short() string {
	return hex.EncodeToString(h[:shortLen])
}

// MarshalText returns the identifier as 40 hex digits.
func (h SHA1) MarshalText() ([]byte, error) {
	buf := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(buf, h[:])
	return buf, nil
}

// UnmarshalText decodes 40 hex digits into h.
func (h *SHA1) UnmarshalText(s []byte) error {
	if len(s) != hex.EncodedLen(SHA1Size) {
		return fmt.Errorf("parse git object id %q: wrong size", s)
	}
	if _, err := hex.Decode(h[:], s); err != nil {
		return fmt.Errorf("parse git object id %q: %w", s, err)
	}
	return nil
}

// MarshalBinary returns a copy of the identifier's raw bytes.
func (h SHA1) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

// UnmarshalBinary copies the bytes of b into h. It returns an error if
// len(b) != len(*h).
func (h *SHA1) UnmarshalBinary(b []byte) error {
	if len(b) != len(*h) {
		return fmt.Errorf("parse git object id from %d raw bytes: wrong size", len(b))
	}
	copy(h[:], b)
	return nil
}

// Format implements fmt.Formatter so that %x prints the identifier as hex
// digits without the double-encoding that the default %x verb for a byte
// array would produce.
func (h SHA1) Format(f fmt.State, verb rune) {
	raw := h[:]
	if prec, ok := f.Precision(); ok && verb != 'v' && prec < len(raw) {
		raw = raw[:prec]
	}
	digits := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(digits, raw)

	switch verb {
	case 's':
		f.Write(digits)
	case 'v':
		if !f.Flag('#') {
			f.Write(digits)
			return
		}
		f.Write([]byte("githash.SHA1{0x"))
		f.Write(digits[:2])
		for i := 2; i < len(digits); i += 2 {
			f.Write([]byte(", 0x"))
			f.Write(digits[i : i+2])
		}
		f.Write([]byte("}"))
	case 'x':
		if f.Flag('#') {
			f.Write([]byte("0x"))
		}
		f.Write(digits)
	case 'X':
		if f.Flag('#') {
			f.Write([]byte("0X"))
		}
		for i, c := range digits {
			if 'a' <= c && c <= 'f' {
				digits[i] = c - 'a' + 'A'
			}
		}
		f.Write(digits)
	default:
		f.Write([]byte("%!"))
		io.WriteString(f, string(verb))
		f.Write([]byte("(githash.SHA1="))
		f.Write(digits)
		f.Write([]byte(")"))
	}
}
