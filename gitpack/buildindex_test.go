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
	"fmt"
	"testing"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
)

// TestBuildIndex builds a packfile in memory with a Writer (no checked-in
// binary fixtures) and checks that the resulting Index can locate every
// non-delta object it indexed by its own object identifier.
func TestBuildIndex(t *testing.T) {
	for _, test := range testFiles {
		if test.wantError {
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			packBytes := buildPack(t, test.want)
			got, err := BuildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), nil)
			if err != nil {
				t.Fatal("BuildIndex:", err)
			}
			if got.Len() != len(test.want) {
				t.Errorf("index has %d entries; want %d", got.Len(), len(test.want))
			}
			for _, obj := range test.want {
				if obj.Type != Blob && obj.Type != Tree && obj.Type != Commit && obj.Type != Tag {
					// Delta entries are indexed under the ID they resolve to,
					// not under a hash of their own raw bytes.
					continue
				}
				id := gitobj.Sum(obj.Type.NonDelta(), obj.Data)
				if i := got.FindID(id); i < 0 {
					t.Errorf("index.FindID(%v) = -1; object not found", id)
				}
			}
		})
	}
}

func BenchmarkBuildIndex(b *testing.B) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(b.N))
	for i := 0; i < b.N; i++ {
		data := fmt.Sprintf("blob %10d\n", i)
		_, err := w.WriteHeader(&Header{
			Type: Blob,
			Size: int64(len(data)),
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	_, err := BuildIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		b.Fatal(err)
	}
	objectByteCount := buf.Len() - githash.SHA1Size - fileHeaderSize
	b.SetBytes(int64(float64(objectByteCount) / float64(b.N)))
	b.ReportMetric(float64(objectByteCount), "packfile-bytes")
}
