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
	"sort"
	"testing"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func buildSimplePack(t *testing.T, blobs [][]byte) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(len(blobs)))
	for _, data := range blobs {
		if _, err := w.WriteHeader(&Header{Type: Blob, Size: int64(len(data))}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func blobID(t *testing.T, data []byte) githash.SHA1 {
	t.Helper()
	h := sha1.New()
	h.Write(gitobj.AppendPrefix(nil, gitobj.TypeBlob, int64(len(data))))
	h.Write(data)
	var id githash.SHA1
	h.Sum(id[:0])
	return id
}

func TestDecode(t *testing.T) {
	blobs := [][]byte{[]byte("hello\n"), []byte("world\n")}
	packData := buildSimplePack(t, blobs)

	idx, objs, err := Decode(bytes.NewReader(packData), int64(len(packData)), NewMemoryStore())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if idx.Len() != len(blobs) {
		t.Fatalf("idx.Len() = %d; want %d", idx.Len(), len(blobs))
	}
	if len(objs) != len(blobs) {
		t.Fatalf("len(objs) = %d; want %d", len(objs), len(blobs))
	}

	sort.Slice(objs, func(i, j int) bool {
		return bytes.Compare(objs[i].ID[:], objs[j].ID[:]) < 0
	})
	want := make([]DecodedObject, len(blobs))
	for i, data := range blobs {
		want[i] = DecodedObject{
			ID:     blobID(t, data),
			Prefix: gitobj.Prefix{Type: gitobj.TypeBlob, Size: int64(len(data))},
			Data:   data,
		}
	}
	sort.Slice(want, func(i, j int) bool {
		return bytes.Compare(want[i].ID[:], want[j].ID[:]) < 0
	})
	if diff := cmp.Diff(want, objs, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Decode objects (-want +got):\n%s", diff)
	}
}

func TestDecodeEmptyPack(t *testing.T) {
	packData := buildSimplePack(t, nil)

	idx, objs, err := Decode(bytes.NewReader(packData), int64(len(packData)), NewMemoryStore())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("idx.Len() = %d; want 0", idx.Len())
	}
	if len(objs) != 0 {
		t.Errorf("len(objs) = %d; want 0", len(objs))
	}
}
