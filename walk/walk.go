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

/*
Package walk navigates commits and trees materialised in an object store,
resolving a commit to its root tree, descending into subdirectories, and
enumerating the blobs reachable from a tree.
*/
package walk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
)

// ErrNotFound indicates that a requested object is absent from the store.
var ErrNotFound = errors.New("walk: not found")

// ErrNotADirectory indicates that a path component named an entry whose
// mode is not a tree (40000).
var ErrNotADirectory = errors.New("walk: not a directory")

// ObjectStore resolves an object identifier to its materialised bytes. It is
// satisfied by gitpack.MemoryStore via a thin adapter, since walk has no
// reason to depend on gitpack's packed-object machinery directly.
type ObjectStore interface {
	// Object returns the kind and raw payload for id, or an error for
	// which errors.Is(err, ErrNotFound) is true if id is absent.
	Object(id githash.SHA1) (gitobj.Type, []byte, error)
}

// Commit resolves id to a parsed commit.
func Commit(store ObjectStore, id githash.SHA1) (*gitobj.Commit, error) {
	typ, data, err := store.Object(id)
	if err != nil {
		return nil, fmt.Errorf("walk: commit %v: %w", id, err)
	}
	if typ != gitobj.TypeCommit {
		return nil, fmt.Errorf("walk: commit %v: object is a %s, not a commit", id, typ)
	}
	c, err := gitobj.ParseCommit(data)
	if err != nil {
		return nil, fmt.Errorf("walk: commit %v: %w", id, err)
	}
	return c, nil
}

// Tree resolves id to a parsed tree.
func Tree(store ObjectStore, id githash.SHA1) (gitobj.Tree, error) {
	typ, data, err := store.Object(id)
	if err != nil {
		return nil, fmt.Errorf("walk: tree %v: %w", id, err)
	}
	if typ != gitobj.TypeTree {
		return nil, fmt.Errorf("walk: tree %v: object is a %s, not a tree", id, typ)
	}
	tree, err := gitobj.ParseTree(data)
	if err != nil {
		return nil, fmt.Errorf("walk: tree %v: %w", id, err)
	}
	return tree, nil
}

// Path splits a slash-separated repository path into its non-empty
// components. An empty or "."-only path yields zero components, meaning
// the root tree.
func Path(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" || path == "." {
		return nil
	}
	return strings.Split(path, "/")
}

// Navigate descends from root, following path one component at a time.
// Every intermediate component (all but possibly the last) must name a
// 40000-mode entry; the final component may name any entry. An empty path
// is an error, since root itself has no entry.
func Navigate(store ObjectStore, root gitobj.Tree, path []string) (*gitobj.TreeEntry, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("walk: navigate: empty path does not resolve to an entry")
	}
	tree := root
	for i, name := range path {
		ent := tree.Search(name)
		if ent == nil {
			return nil, fmt.Errorf("walk: navigate: %q: %w", strings.Join(path[:i+1], "/"), ErrNotFound)
		}
		if i == len(path)-1 {
			return ent, nil
		}
		if !ent.Mode.IsDir() {
			return nil, fmt.Errorf("walk: navigate: %q: %w", strings.Join(path[:i+1], "/"), ErrNotADirectory)
		}
		next, err := Tree(store, ent.ObjectID)
		if err != nil {
			return nil, fmt.Errorf("walk: navigate: %q: %w", strings.Join(path[:i+1], "/"), err)
		}
		tree = next
	}
	return nil, fmt.Errorf("walk: navigate: unreachable")
}

// Subtree navigates from root to the subdirectory named by path, returning
// its tree. An empty path returns root.
func Subtree(store ObjectStore, root gitobj.Tree, path []string) (gitobj.Tree, error) {
	if len(path) == 0 {
		return root, nil
	}
	ent, err := Navigate(store, root, path)
	if err != nil {
		return nil, err
	}
	if !ent.Mode.IsDir() {
		return nil, fmt.Errorf("walk: subtree: %q: %w", strings.Join(path, "/"), ErrNotADirectory)
	}
	return Tree(store, ent.ObjectID)
}

// EnumerateHook receives entries encountered during EnumerateBlobs that are
// not plain files or subdirectories, keyed by their full repository-relative
// path.
type EnumerateHook interface {
	// OnOther is invoked for every 120000 (symlink) or 160000 (gitlink)
	// entry found during the walk. EnumerateBlobs does not fetch the
	// symlink target or the submodule's own tree; it only reports that
	// the entry exists.
	OnOther(path string, entry *gitobj.TreeEntry)
}

// EnumerateHookFunc adapts a function to an EnumerateHook.
type EnumerateHookFunc func(path string, entry *gitobj.TreeEntry)

// OnOther implements EnumerateHook.
func (f EnumerateHookFunc) OnOther(path string, entry *gitobj.TreeEntry) {
	f(path, entry)
}

// EnumerateBlobs recursively collects the identifiers of every regular-file
// entry reachable from root, keyed by their path relative to root. Symlink
// and gitlink entries are reported to hook (if non-nil) instead of being
// materialised. A missing subtree aborts the entire enumeration: a blobless
// fetch's store is expected to contain every tree reachable from the
// fetched commit.
func EnumerateBlobs(store ObjectStore, root gitobj.Tree, prefix string, hook EnumerateHook) (map[string]githash.SHA1, error) {
	blobs := make(map[string]githash.SHA1)
	if err := enumerate(store, root, prefix, hook, blobs); err != nil {
		return nil, err
	}
	return blobs, nil
}

func enumerate(store ObjectStore, tree gitobj.Tree, prefix string, hook EnumerateHook, blobs map[string]githash.SHA1) error {
	for _, ent := range tree {
		p := ent.Name
		if prefix != "" {
			p = prefix + "/" + ent.Name
		}
		switch {
		case ent.Mode.IsRegular():
			blobs[p] = ent.ObjectID
		case ent.Mode.IsDir():
			sub, err := Tree(store, ent.ObjectID)
			if err != nil {
				return fmt.Errorf("walk: enumerate %q: %w", p, err)
			}
			if err := enumerate(store, sub, p, hook, blobs); err != nil {
				return err
			}
		default:
			if hook != nil {
				hook.OnOther(p, ent)
			}
		}
	}
	return nil
}
