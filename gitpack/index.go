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

// Index is the parsed form of a .idx file: a sorted table mapping every
// object identifier in a packfile to the byte offset of that object's
// header. A fetch that decodes a pack into an Index can answer "does this
// pack contain object X, and if so where" without re-scanning the pack.
type Index struct {
	// ObjectIDs is sorted in ascending order.
	ObjectIDs []githash.SHA1
	// Offsets holds, for the i'th entry of ObjectIDs, the byte offset from
	// the start of the packfile where that object's header begins.
	Offsets []int64
	// PackedChecksums holds, for the i'th entry of ObjectIDs, the CRC32 of
	// that object's packed (header + compressed data) bytes. Absent from
	// version 1 index files.
	PackedChecksums []uint32
	// PackfileSHA1 is the trailing checksum of the packfile this index
	// describes, copied so the pairing can be verified without re-opening
	// the pack.
	PackfileSHA1 githash.SHA1
}

var idxV2Signature = [...]byte{
	0o377, 't', 'O', 'c',
	0, 0, 0, 2,
}

// ReadIndex parses a packfile index from r. It performs no internal
// buffering and never reads past the end of the index structure.
func ReadIndex(r io.Reader) (*Index, error) {
	checksum := sha1.New()
	r = io.TeeReader(r, checksum)

	leading := make([]byte, len(idxV2Signature))
	if _, err := readExact(r, leading); err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}

	var idx *Index
	var err error
	if bytes.Equal(leading, idxV2Signature[:]) {
		idx, err = readIndexV2(r)
	} else {
		idx, err = readIndexV1(io.MultiReader(bytes.NewReader(leading), r))
	}
	if err != nil {
		return nil, err
	}

	got := checksum.Sum(nil)
	want := make([]byte, len(got))
	if _, err := readExact(r, want); err != nil {
		return nil, err
	}
	if !bytes.Equal(got, want) {
		return nil, fmt.Errorf("read packfile index: checksum does not match")
	}
	return idx, nil
}

// UnmarshalBinary decodes a packfile index from data.
func (idx *Index) UnmarshalBinary(data []byte) error {
	parsed, err := ReadIndex(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*idx = *parsed
	return nil
}

// largeOffsetFlag marks a version-2 offset table entry that is actually an
// index into the trailing 8-byte offset table, used for packs over 2 GiB.
const largeOffsetFlag = 1 << 31

func readIndexV2(r io.Reader) (*Index, error) {
	count, err := readFanOutTotal(r)
	if err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}
	idx := &Index{
		ObjectIDs:       make([]githash.SHA1, 0, int(count)),
		Offsets:         make([]int64, 0, int(count)),
		PackedChecksums: make([]uint32, 0, int(count)),
	}
	for len(idx.ObjectIDs) < int(count) {
		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readExact(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, fmt.Errorf("read packfile index: object ids: %w", err)
		}
	}
	var word [8]byte
	for len(idx.PackedChecksums) < int(count) {
		if _, err := readExact(r, word[:4]); err != nil {
			return nil, fmt.Errorf("read packfile index: checksums: %w", err)
		}
		idx.PackedChecksums = append(idx.PackedChecksums, readBE32(word[:]))
	}
	var overflowSlots []int
	for len(idx.Offsets) < int(count) {
		if _, err := readExact(r, word[:4]); err != nil {
			return nil, fmt.Errorf("read packfile index: offsets: %w", err)
		}
		off := readBE32(word[:])
		if off&largeOffsetFlag != 0 {
			slot := int(off &^ largeOffsetFlag)
			if slot >= len(overflowSlots) {
				grown := make([]int, slot+1)
				copy(grown, overflowSlots)
				for i := len(overflowSlots); i < len(grown); i++ {
					grown[i] = -1
				}
				overflowSlots = grown
			}
			overflowSlots[slot] = len(idx.Offsets)
			idx.Offsets = append(idx.Offsets, 0)
			continue
		}
		idx.Offsets = append(idx.Offsets, int64(off))
	}
	for _, i := range overflowSlots {
		if _, err := readExact(r, word[:]); err != nil {
			return nil, fmt.Errorf("read packfile index: large offsets: %w", err)
		}
		if i < 0 {
			continue
		}
		off := readBE64(word[:])
		if off&(1<<63) != 0 {
			return nil, fmt.Errorf("read packfile index: large offsets: overflows int64")
		}
		idx.Offsets[i] = int64(off)
	}
	if _, err := readExact(r, idx.PackfileSHA1[:]); err != nil {
		return nil, fmt.Errorf("read packfile index: packfile sha-1: %w", err)
	}
	return idx, nil
}

func readIndexV1(r io.Reader) (*Index, error) {
	count, err := readFanOutTotal(r)
	if err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}
	idx := &Index{
		ObjectIDs: make([]githash.SHA1, 0, int(count)),
		Offsets:   make([]int64, 0, int(count)),
	}
	var offsetWord [4]byte
	for len(idx.ObjectIDs) < int(count) {
		if _, err := readExact(r, offsetWord[:]); err != nil {
			return nil, fmt.Errorf("read packfile index: entries: %w", err)
		}
		idx.Offsets = append(idx.Offsets, int64(readBE32(offsetWord[:])))

		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readExact(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, fmt.Errorf("read packfile index: entries: %w", err)
		}
	}
	if _, err := readExact(r, idx.PackfileSHA1[:]); err != nil {
		return nil, fmt.Errorf("read packfile index: packfile sha-1: %w", err)
	}
	return idx, nil
}

// fanOutBuckets is the number of leading-byte buckets in the fan-out table
// that precedes the object id list in both index versions.
const fanOutBuckets = 256

func readFanOutTotal(r io.Reader) (uint32, error) {
	if _, err := io.CopyN(ioutil.Discard, r, (fanOutBuckets-1)*4); err != nil {
		return 0, fmt.Errorf("fanout table: %w", err)
	}
	var word [4]byte
	if _, err := readExact(r, word[:]); err != nil {
		return 0, fmt.Errorf("fanout table: %w", err)
	}
	return readBE32(word[:]), nil
}

// readExact is io.ReadFull but normalizes a bare io.EOF (meaning nothing was
// read where something was expected) to io.ErrUnexpectedEOF.
func readExact(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// EncodeV2 writes idx in packfile index version 2 format.
func (idx *Index) EncodeV2(w io.Writer) error {
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if len(idx.PackedChecksums) != len(idx.ObjectIDs) {
		return fmt.Errorf("number of checksums (%d) different than number of objects (%d)",
			len(idx.PackedChecksums), len(idx.ObjectIDs))
	}
	checksum := sha1.New()
	out := io.MultiWriter(w, checksum)
	if _, err := out.Write(idxV2Signature[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if err := idx.writeFanOut(out); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	for i := range idx.ObjectIDs {
		if _, err := out.Write(idx.ObjectIDs[i][:]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	var word [githash.SHA1Size]byte
	for _, sum := range idx.PackedChecksums {
		putBE32(word[:], sum)
		if _, err := out.Write(word[:4]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	overflowCount := 0
	for _, off := range idx.Offsets {
		if off >= largeOffsetFlag {
			putBE32(word[:4], largeOffsetFlag|uint32(overflowCount))
			overflowCount++
		} else {
			putBE32(word[:4], uint32(off))
		}
		if _, err := out.Write(word[:4]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if overflowCount > 0 {
		for _, off := range idx.Offsets {
			if off < largeOffsetFlag {
				continue
			}
			putBE64(word[:], uint64(off))
			if _, err := out.Write(word[:8]); err != nil {
				return fmt.Errorf("write packfile index: %w", err)
			}
		}
	}
	if _, err := out.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(checksum.Sum(word[:0])); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

// EncodeV1 writes idx in packfile index version 1 format. Version 1 drops
// PackedChecksums and cannot address packfiles over 4 GiB, so prefer EncodeV2
// unless a consumer specifically requires the older layout.
func (idx *Index) EncodeV1(w io.Writer) error {
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	checksum := sha1.New()
	out := io.MultiWriter(w, checksum)
	for _, off := range idx.Offsets {
		if off >= 1<<32 {
			return fmt.Errorf("write packfile index: using version 1 for packfile larger than 4 GiB (found %d offset)", off)
		}
	}
	if err := idx.writeFanOut(out); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	var entry [4 + githash.SHA1Size]byte
	for i, off := range idx.Offsets {
		putBE32(entry[:4], uint32(off))
		copy(entry[4:], idx.ObjectIDs[i][:])
		if _, err := out.Write(entry[:]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if _, err := out.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(checksum.Sum(entry[:0])); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

func (idx *Index) validate() error {
	if len(idx.ObjectIDs) != len(idx.Offsets) {
		return fmt.Errorf("number of object IDs (%d) different than number of offsets (%d)",
			len(idx.ObjectIDs), len(idx.Offsets))
	}
	if len(idx.ObjectIDs) > 1 {
		for prevIdx, curr := range idx.ObjectIDs[1:] {
			prev := idx.ObjectIDs[prevIdx]
			if result := prev.Compare(curr); result > 0 {
				return fmt.Errorf("not sorted by object ID")
			} else if result == 0 {
				return fmt.Errorf("object IDs duplicated")
			}
		}
	}
	return nil
}

func (idx *Index) writeFanOut(w io.Writer) error {
	bucket := int16(0)
	var entry [4]byte
	for i, id := range idx.ObjectIDs {
		if bucket >= int16(id[0]) {
			continue
		}
		putBE32(entry[:], uint32(i))
		for ; bucket < int16(id[0]); bucket++ {
			if _, err := w.Write(entry[:]); err != nil {
				return err
			}
		}
	}
	putBE32(entry[:], uint32(len(idx.ObjectIDs)))
	for ; bucket < fanOutBuckets; bucket++ {
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}

// MarshalBinary encodes the index in packfile index version 2 format.
func (idx *Index) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := idx.EncodeV2(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FindID returns the position of id in idx.ObjectIDs, or -1 if absent. The
// result is undefined if idx.ObjectIDs is not sorted. Runs in
// O(log len(idx.ObjectIDs)).
func (idx *Index) FindID(id githash.SHA1) int {
	i := idx.findID(id)
	if i >= len(idx.ObjectIDs) || idx.ObjectIDs[i] != id {
		return -1
	}
	return i
}

func (idx *Index) findID(id githash.SHA1) int {
	return sort.Search(len(idx.ObjectIDs), func(i int) bool {
		return idx.ObjectIDs[i].Compare(id) >= 0
	})
}

// FindOffset returns the position of offset in idx.Offsets, or -1 if absent.
// Runs in O(len(idx.Offsets)).
func (idx *Index) FindOffset(offset int64) int {
	for i, o := range idx.Offsets {
		if o == offset {
			return i
		}
	}
	return -1
}

// insert adds a new row to the three parallel tables, assuming their backing
// arrays already have room for it.
func (idx *Index) insert(off int64, id githash.SHA1, checksum uint32) {
	i := idx.findID(id)
	if i < len(idx.ObjectIDs) && idx.ObjectIDs[i] == id {
		return
	}

	idx.Offsets = idx.Offsets[:len(idx.Offsets)+1]
	copy(idx.Offsets[i+1:], idx.Offsets[i:])
	idx.Offsets[i] = off

	idx.ObjectIDs = idx.ObjectIDs[:len(idx.ObjectIDs)+1]
	copy(idx.ObjectIDs[i+1:], idx.ObjectIDs[i:])
	idx.ObjectIDs[i] = id

	idx.PackedChecksums = idx.PackedChecksums[:len(idx.PackedChecksums)+1]
	copy(idx.PackedChecksums[i+1:], idx.PackedChecksums[i:])
	idx.PackedChecksums[i] = checksum
}

// Len returns the number of objects in the index.
func (idx *Index) Len() int {
	return len(idx.ObjectIDs)
}

// Less reports whether the i'th object ID sorts before the j'th.
func (idx *Index) Less(i, j int) bool {
	return idx.ObjectIDs[i].Compare(idx.ObjectIDs[j]) < 0
}

// Swap exchanges the i'th and j'th rows of the index.
func (idx *Index) Swap(i, j int) {
	idx.ObjectIDs[i], idx.ObjectIDs[j] = idx.ObjectIDs[j], idx.ObjectIDs[i]
	idx.Offsets[i], idx.Offsets[j] = idx.Offsets[j], idx.Offsets[i]
	if len(idx.PackedChecksums) > 0 {
		idx.PackedChecksums[i], idx.PackedChecksums[j] = idx.PackedChecksums[j], idx.PackedChecksums[i]
	}
}

func (idx *Index) hasOffset(off int64) bool {
	for _, elem := range idx.Offsets {
		if elem == off {
			return true
		}
	}
	return false
}

// readBE32 decodes a big-endian uint32, the byte order every integer field
// in the index and reverse-index formats uses.
func readBE32(b []byte) uint32 {
	return uint32(b[0])<<24 |
		uint32(b[1])<<16 |
		uint32(b[2])<<8 |
		uint32(b[3])
}

// readBE64 decodes a big-endian uint64.
func readBE64(b []byte) uint64 {
	return uint64(b[0])<<56 |
		uint64(b[1])<<48 |
		uint64(b[2])<<40 |
		uint64(b[3])<<32 |
		uint64(b[4])<<24 |
		uint64(b[5])<<16 |
		uint64(b[6])<<8 |
		uint64(b[7])
}

// putBE32 encodes x into buf in big-endian byte order.
func putBE32(buf []byte, x uint32) {
	buf[0] = byte(x >> 24)
	buf[1] = byte(x >> 16)
	buf[2] = byte(x >> 8)
	buf[3] = byte(x)
}

// putBE64 encodes x into buf in big-endian byte order.
func putBE64(buf []byte, x uint64) {
	buf[0] = byte(x >> 56)
	buf[1] = byte(x >> 48)
	buf[2] = byte(x >> 40)
	buf[3] = byte(x >> 32)
	buf[4] = byte(x >> 24)
	buf[5] = byte(x >> 16)
	buf[6] = byte(x >> 8)
	buf[7] = byte(x)
}
