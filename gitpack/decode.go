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
	"errors"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
)

// DecodedObject is a fully materialised packfile object: its identifier,
// its prefix (kind and decompressed size), and its decompressed payload.
type DecodedObject struct {
	ID     githash.SHA1
	Prefix gitobj.Prefix
	Data   []byte
}

// Decode materialises every object in a packfile, resolving delta chains
// against the rest of the pack and, for thin packs, against any bases
// already present in base. base is also used as scratch space while
// resolving delta chains, so callers that only want the decoded objects
// (rather than a long-lived store) can pass a fresh NewMemoryStore and
// discard it afterward.
//
// The caller may pre-populate base with objects fetched from elsewhere
// (e.g. a previous fetch in the same session) before calling Decode on a
// thin pack whose ref-delta bases were omitted by the server.
func Decode(f io.ReaderAt, fileSize int64, base SHA1ObjectReadWriter) (*Index, []DecodedObject, error) {
	idx, err := BuildIndex(f, fileSize, base)
	if err != nil {
		return nil, nil, fmt.Errorf("packfile: decode: %w", err)
	}
	sr := NewBufferedReadSeeker(io.NewSectionReader(f, 0, fileSize))
	var u Undeltifier
	objs := make([]DecodedObject, 0, idx.Len())
	for i, id := range idx.ObjectIDs {
		data, prefix, err := readMaterialisedObject(base, &u, sr, idx, id, idx.Offsets[i])
		if err != nil {
			return nil, nil, fmt.Errorf("packfile: decode %v: %w", id, err)
		}
		objs = append(objs, DecodedObject{ID: id, Prefix: prefix, Data: data})
	}
	return idx, objs, nil
}

// readMaterialisedObject returns the decompressed bytes and prefix for id,
// preferring a copy already resolved into base (every deltified object ends
// up there during BuildIndex's sweep) and falling back to undeltifying the
// packed bytes directly for objects that were never deltified.
func readMaterialisedObject(base SHA1ObjectReadWriter, u *Undeltifier, sr *BufferedReadSeeker, idx *Index, id githash.SHA1, offset int64) ([]byte, gitobj.Prefix, error) {
	if prefix, rc, err := base.ReadSHA1Object(id); err == nil {
		data, err := ioutil.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, gitobj.Prefix{}, err
		}
		return data, prefix, nil
	} else if !errors.Is(err, ErrObjectNotFound) {
		return nil, gitobj.Prefix{}, err
	}

	prefix, r, err := u.Undeltify(sr, offset, &UndeltifyOptions{Index: idx})
	if err != nil {
		return nil, gitobj.Prefix{}, err
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, gitobj.Prefix{}, err
	}
	if err := verifyObjectID(id, prefix, data); err != nil {
		return nil, gitobj.Prefix{}, err
	}
	return data, prefix, nil
}

func verifyObjectID(want githash.SHA1, prefix gitobj.Prefix, data []byte) error {
	if got := gitobj.Sum(prefix.Type, data); got != want {
		return fmt.Errorf("object id mismatch (got %v, want %v): %w", got, want, ErrChecksumMismatch)
	}
	return nil
}
