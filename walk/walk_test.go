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

package walk

import (
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
	"github.com/google/go-cmp/cmp"
)

// fakeStore is a bare-bones ObjectStore for tests that don't need the
// packfile machinery.
type fakeStore struct {
	objects map[githash.SHA1]fakeObject
}

type fakeObject struct {
	typ  gitobj.Type
	data []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[githash.SHA1]fakeObject)}
}

func (s *fakeStore) Object(id githash.SHA1) (gitobj.Type, []byte, error) {
	obj, ok := s.objects[id]
	if !ok {
		return "", nil, ErrNotFound
	}
	return obj.typ, obj.data, nil
}

func (s *fakeStore) putTree(t *testing.T, tree gitobj.Tree) githash.SHA1 {
	t.Helper()
	if err := tree.Sort(); err != nil {
		t.Fatalf("sort tree: %v", err)
	}
	data, err := tree.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	id := objectID(t, gitobj.TypeTree, data)
	s.objects[id] = fakeObject{typ: gitobj.TypeTree, data: data}
	return id
}

func (s *fakeStore) putBlob(t *testing.T, content []byte) githash.SHA1 {
	t.Helper()
	id := objectID(t, gitobj.TypeBlob, content)
	s.objects[id] = fakeObject{typ: gitobj.TypeBlob, data: content}
	return id
}

func objectID(t *testing.T, typ gitobj.Type, data []byte) githash.SHA1 {
	t.Helper()
	h := sha1.New()
	h.Write(gitobj.AppendPrefix(nil, typ, int64(len(data))))
	h.Write(data)
	var id githash.SHA1
	h.Sum(id[:0])
	return id
}

func TestPath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"", nil},
		{".", nil},
		{"/", nil},
		{"a", []string{"a"}},
		{"a/b/c", []string{"a", "b", "c"}},
		{"/a/b/", []string{"a", "b"}},
	}
	for _, test := range tests {
		got := Path(test.path)
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("Path(%q) (-want +got):\n%s", test.path, diff)
		}
	}
}

func TestSubtree(t *testing.T) {
	store := newFakeStore()
	blobID := store.putBlob(t, []byte("hello\n"))
	leafTreeID := store.putTree(t, gitobj.Tree{
		{Name: "file.txt", Mode: gitobj.ModePlain, ObjectID: blobID},
	})
	midTreeID := store.putTree(t, gitobj.Tree{
		{Name: "leaf", Mode: gitobj.ModeDir, ObjectID: leafTreeID},
	})
	root := gitobj.Tree{
		{Name: "mid", Mode: gitobj.ModeDir, ObjectID: midTreeID},
	}

	got, err := Subtree(store, root, Path("mid/leaf"))
	if err != nil {
		t.Fatalf("Subtree: %v", err)
	}
	want := gitobj.Tree{
		{Name: "file.txt", Mode: gitobj.ModePlain, ObjectID: blobID},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Subtree(mid/leaf) (-want +got):\n%s", diff)
	}
}

func TestSubtreeNotADirectory(t *testing.T) {
	store := newFakeStore()
	blobID := store.putBlob(t, []byte("hello\n"))
	root := gitobj.Tree{
		{Name: "file.txt", Mode: gitobj.ModePlain, ObjectID: blobID},
	}

	_, err := Subtree(store, root, Path("file.txt/nope"))
	if !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Subtree(file.txt/nope) error = %v; want ErrNotADirectory", err)
	}
}

func TestSubtreeMissing(t *testing.T) {
	store := newFakeStore()
	root := gitobj.Tree{}

	_, err := Subtree(store, root, Path("nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Subtree(nope) error = %v; want ErrNotFound", err)
	}
}

func TestEnumerateBlobs(t *testing.T) {
	store := newFakeStore()
	aID := store.putBlob(t, []byte("a"))
	bID := store.putBlob(t, []byte("b"))
	linkID := store.putBlob(t, []byte("../elsewhere"))
	subTreeID := store.putTree(t, gitobj.Tree{
		{Name: "b.txt", Mode: gitobj.ModePlain, ObjectID: bID},
	})
	root := gitobj.Tree{
		{Name: "a.txt", Mode: gitobj.ModePlain, ObjectID: aID},
		{Name: "link", Mode: gitobj.ModeSymlink, ObjectID: linkID},
		{Name: "sub", Mode: gitobj.ModeDir, ObjectID: subTreeID},
	}

	var others []string
	hook := EnumerateHookFunc(func(path string, entry *gitobj.TreeEntry) {
		others = append(others, path)
	})

	got, err := EnumerateBlobs(store, root, "", hook)
	if err != nil {
		t.Fatalf("EnumerateBlobs: %v", err)
	}
	want := map[string]githash.SHA1{
		"a.txt":     aID,
		"sub/b.txt": bID,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EnumerateBlobs blobs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"link"}, others); diff != "" {
		t.Errorf("EnumerateBlobs hook calls (-want +got):\n%s", diff)
	}
}

func TestEnumerateBlobsMissingSubtree(t *testing.T) {
	store := newFakeStore()
	root := gitobj.Tree{
		{Name: "sub", Mode: gitobj.ModeDir, ObjectID: githash.SHA1{0xaa}},
	}

	_, err := EnumerateBlobs(store, root, "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("EnumerateBlobs error = %v; want ErrNotFound", err)
	}
}
