// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package gitpack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"io/ioutil"
	"sort"

	"github.com/tcardew/gitpartial/githash"
)

// ReverseIndex maps a packfile's objects in pack order (the order their
// headers appear in the packfile, by ascending offset) to their position in
// an Index's ID-sorted order.
type ReverseIndex struct {
	// PackOrder[p] is the index (into an Index's ObjectIDs/Offsets/
	// PackedChecksums slices) of the object that is the p'th object
	// encountered when reading the packfile sequentially by offset.
	PackOrder []uint32

	// PackfileSHA1 is copied from the trailer and equals the packfile's own
	// trailing checksum.
	PackfileSHA1 githash.SHA1
}

var ridxMagic = [...]byte{'R', 'I', 'D', 'X'}

const (
	ridxVersion = 1
	ridxHashID  = 1 // SHA-1
)

// BuildReverseIndex derives the reverse index for idx, whose Offsets and
// ObjectIDs are assumed to already be in ID-sorted order (as produced by
// BuildIndex or ReadIndex).
func BuildReverseIndex(idx *Index) *ReverseIndex {
	n := idx.Len()
	byOffset := make([]int, n)
	for i := range byOffset {
		byOffset[i] = i
	}
	sort.Slice(byOffset, func(i, j int) bool {
		return idx.Offsets[byOffset[i]] < idx.Offsets[byOffset[j]]
	})
	packOrder := make([]uint32, n)
	for packPos, idxPos := range byOffset {
		packOrder[packPos] = uint32(idxPos)
	}
	return &ReverseIndex{
		PackOrder:    packOrder,
		PackfileSHA1: idx.PackfileSHA1,
	}
}

// Encode writes rix in Git's pack reverse index version 1 format.
func (rix *ReverseIndex) Encode(w io.Writer) error {
	h := sha1.New()
	wh := io.MultiWriter(w, h)

	var hdr [12]byte
	copy(hdr[:4], ridxMagic[:])
	putBE32(hdr[4:8], ridxVersion)
	putBE32(hdr[8:12], ridxHashID)
	if _, err := wh.Write(hdr[:]); err != nil {
		return fmt.Errorf("write reverse index: %w", err)
	}

	var buf [4]byte
	for _, pos := range rix.PackOrder {
		putBE32(buf[:], pos)
		if _, err := wh.Write(buf[:]); err != nil {
			return fmt.Errorf("write reverse index: %w", err)
		}
	}

	if _, err := wh.Write(rix.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write reverse index: %w", err)
	}
	var sum githash.SHA1
	h.Sum(sum[:0])
	if _, err := w.Write(sum[:]); err != nil {
		return fmt.Errorf("write reverse index: %w", err)
	}
	return nil
}

// ReadReverseIndex parses a pack reverse index version 1 stream. Unlike the
// idx format, ridx has no field that announces the entry count up front (it
// is implied by the total length), so the whole stream is read before
// parsing begins.
func ReadReverseIndex(r io.Reader) (*ReverseIndex, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reverse index: %w", err)
	}
	return ParseReverseIndex(data)
}

// ParseReverseIndex parses a complete pack reverse index version 1 image.
func ParseReverseIndex(data []byte) (*ReverseIndex, error) {
	const headerSize = 12
	const trailerSize = 2 * githash.SHA1Size
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("read reverse index: %w", ErrBadFormat)
	}
	if !bytes.Equal(data[:4], ridxMagic[:]) {
		return nil, fmt.Errorf("read reverse index: bad signature: %w", ErrBadFormat)
	}
	if version := readBE32(data[4:8]); version != ridxVersion {
		return nil, fmt.Errorf("read reverse index: version %d: %w", version, ErrUnsupportedVersion)
	}
	if hashID := readBE32(data[8:12]); hashID != ridxHashID {
		return nil, fmt.Errorf("read reverse index: unsupported hash algorithm id %d: %w", hashID, ErrUnsupportedVersion)
	}

	entriesData := data[headerSize : len(data)-trailerSize]
	if len(entriesData)%4 != 0 {
		return nil, fmt.Errorf("read reverse index: %w", ErrBadFormat)
	}
	entries := make([]uint32, len(entriesData)/4)
	for i := range entries {
		entries[i] = readBE32(entriesData[i*4 : i*4+4])
	}

	rix := &ReverseIndex{PackOrder: entries}
	trailer := data[len(data)-trailerSize:]
	copy(rix.PackfileSHA1[:], trailer[:githash.SHA1Size])
	wantSum := trailer[githash.SHA1Size:]

	h := sha1.New()
	h.Write(data[:len(data)-githash.SHA1Size])
	var gotSum githash.SHA1
	h.Sum(gotSum[:0])
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, fmt.Errorf("read reverse index: %w", ErrChecksumMismatch)
	}
	return rix, nil
}

// MarshalBinary encodes rix in Git's pack reverse index version 1 format.
func (rix *ReverseIndex) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rix.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a pack reverse index version 1 image into rix.
func (rix *ReverseIndex) UnmarshalBinary(data []byte) error {
	parsed, err := ParseReverseIndex(data)
	if err != nil {
		return err
	}
	*rix = *parsed
	return nil
}
