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
Package partialclone drives a blobless-then-thin-fetch workflow against a
Smart HTTP remote: fetch just the commits and trees reachable from a
commit, walk to a subdirectory, and fetch only the blobs that directory
actually contains (skipping any the caller already has cached).
*/
package partialclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitpack"
	"github.com/tcardew/gitpartial/smarthttp"
	"github.com/tcardew/gitpartial/walk"
)

// ErrPathNotFound indicates that the requested subdirectory does not exist
// in the commit's tree.
var ErrPathNotFound = errors.New("partialclone: path not found")

// ErrNotADirectory indicates that a path component named a non-tree entry.
var ErrNotADirectory = walk.ErrNotADirectory

// BlobCache lets a caller persist fetched blobs across calls to
// LoadSubdirectory. The core never owns the cache's storage: it only ever
// calls Lookup to avoid re-fetching and Notify to report what it loaded.
type BlobCache interface {
	// Lookup returns the cached content for id, if any.
	Lookup(id githash.SHA1) (data []byte, ok bool)
	// Notify is called for every blob freshly fetched during a
	// LoadSubdirectory call, after the fetch succeeds. Notify errors are
	// logged by the caller's own cache implementation, never surfaced by
	// LoadSubdirectory: a failure to populate the cache does not fail the
	// clone that triggered it.
	Notify(id githash.SHA1, data []byte)
}

// DiscoverRefs lists every ref the remote advertises, along with the map of
// symbolic refs (e.g. HEAD) to the ref they point at.
func DiscoverRefs(ctx context.Context, remote *smarthttp.Remote) (refs map[githash.Ref]githash.SHA1, symrefs map[githash.Ref]githash.Ref, err error) {
	stream, err := remote.StartPull(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("discover refs: %w", err)
	}
	defer stream.Close()
	list, err := stream.ListRefs()
	if err != nil {
		return nil, nil, fmt.Errorf("discover refs: %w", err)
	}
	refs = make(map[githash.Ref]githash.SHA1, len(list))
	symrefs = make(map[githash.Ref]githash.Ref)
	for _, r := range list {
		refs[r.Name] = r.ObjectID
		if r.SymrefTarget != "" {
			symrefs[r.Name] = r.SymrefTarget
		}
	}
	return refs, symrefs, nil
}

// ResolveSymref returns the ref that the remote's symbolic ref name points
// at, such as resolving HEAD to refs/heads/main.
func ResolveSymref(ctx context.Context, remote *smarthttp.Remote, name githash.Ref) (githash.Ref, error) {
	_, symrefs, err := DiscoverRefs(ctx, remote)
	if err != nil {
		return "", fmt.Errorf("resolve symref %s: %w", name, err)
	}
	target, ok := symrefs[name]
	if !ok {
		return "", fmt.Errorf("resolve symref %s: not advertised by remote", name)
	}
	return target, nil
}

// FetchOptions configures a single packfile negotiation.
type FetchOptions struct {
	// Depth limits the number of commits returned, counted back from Want.
	// Zero means unlimited.
	Depth int
	// Filter restricts which objects are sent, using git-rev-list(1)
	// filter-spec syntax (e.g. "blob:none" for a blobless fetch, or
	// "blob:none,path:dir" style object filters for a thin per-object
	// fetch of specific blobs is not expressible this way; use Want with
	// the blob ids directly instead for that case).
	Filter string
	// Have lists commits the caller already has, so the remote can omit
	// objects reachable from them.
	Have []githash.SHA1
	// ThinPack requests a thin pack: one whose ref-deltas may reference
	// base objects omitted from the pack because the client is expected
	// to already have them.
	ThinPack bool
}

// Fetch negotiates and decodes a single packfile for the given want list,
// materialising every object it contains into store. store may be
// pre-populated (e.g. to serve as the base for a thin pack's omitted
// deltas); Fetch adds to it rather than replacing it.
func Fetch(ctx context.Context, remote *smarthttp.Remote, want []githash.SHA1, opts FetchOptions, store *gitpack.MemoryStore) ([]gitpack.DecodedObject, error) {
	stream, err := remote.StartPull(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer stream.Close()

	req := &smarthttp.PullRequest{
		Want:     want,
		Have:     opts.Have,
		Depth:    opts.Depth,
		Filter:   opts.Filter,
		ThinPack: opts.ThinPack,
	}
	resp, err := stream.Negotiate(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.Packfile == nil {
		return nil, fmt.Errorf("fetch: remote sent no packfile")
	}
	defer resp.Packfile.Close()

	packData, err := io.ReadAll(resp.Packfile)
	if err != nil {
		return nil, fmt.Errorf("fetch: read packfile: %w", err)
	}
	_, objs, err := gitpack.Decode(bytes.NewReader(packData), int64(len(packData)), store)
	if err != nil {
		return nil, fmt.Errorf("fetch: decode packfile: %w", err)
	}
	for _, obj := range objs {
		store.Put(obj.ID, obj.Prefix, obj.Data)
	}
	return objs, nil
}

// LoadSubdirectory performs the blobless-then-thin-fetch partial clone
// workflow: fetch the commit and its trees only, walk to path, fetch
// exactly the blobs that path contains and the cache doesn't already have,
// and return every file's content keyed by its path relative to the
// requested subdirectory.
//
// A missing tree while navigating to path, or a missing subtree while
// enumerating blobs, aborts with ErrPathNotFound or ErrNotADirectory: a
// blobless clone's object store is expected to contain every tree
// reachable from the fetched commit, so either failure means path itself
// does not exist as a directory in that commit.
func LoadSubdirectory(ctx context.Context, remote *smarthttp.Remote, commitID githash.SHA1, path string, cache BlobCache) (map[string][]byte, error) {
	store := gitpack.NewMemoryStore()

	// Step 1: blobless fetch of the commit and every reachable tree.
	if _, err := Fetch(ctx, remote, []githash.SHA1{commitID}, FetchOptions{Depth: 1, Filter: "blob:none"}, store); err != nil {
		return nil, fmt.Errorf("load subdirectory %q: %w", path, err)
	}
	objStore := walk.MemoryObjectStore{Store: store}

	// Step 2: resolve commit -> root tree -> requested subdirectory.
	commit, err := walk.Commit(objStore, commitID)
	if err != nil {
		return nil, fmt.Errorf("load subdirectory %q: %w", path, err)
	}
	root, err := walk.Tree(objStore, commit.Tree)
	if err != nil {
		return nil, fmt.Errorf("load subdirectory %q: %w", path, err)
	}
	components := walk.Path(path)
	subtree, err := walk.Subtree(objStore, root, components)
	if err != nil {
		return nil, translateWalkErr(path, err)
	}

	// Step 3: enumerate every blob identifier under the subdirectory.
	blobs, err := walk.EnumerateBlobs(objStore, subtree, "", nil)
	if err != nil {
		return nil, translateWalkErr(path, err)
	}

	thinFetch := func(ids []githash.SHA1) ([]gitpack.DecodedObject, error) {
		return Fetch(ctx, remote, ids, FetchOptions{ThinPack: true}, store)
	}
	result, err := resolveBlobs(blobs, cache, thinFetch)
	if err != nil {
		return nil, fmt.Errorf("load subdirectory %q: %w", path, err)
	}

	// Step 6: materialise by reading every blob from store, now complete.
	for p, id := range blobs {
		if _, ok := result[p]; ok {
			continue
		}
		_, data, err := objStore.Object(id)
		if err != nil {
			return nil, fmt.Errorf("load subdirectory %q: blob %q: %w", path, p, err)
		}
		result[p] = data
	}
	return result, nil
}

// resolveBlobs implements steps 4 and 5 of the partial-clone workflow:
// consult cache for each of blobs, collect a deduplicated missing list,
// thinFetch exactly those, and notify cache of each freshly-loaded blob.
// The returned map only holds entries resolved by the cache or by
// thinFetch; step 6 fills in the rest directly from the object store.
func resolveBlobs(blobs map[string]githash.SHA1, cache BlobCache, thinFetch func([]githash.SHA1) ([]gitpack.DecodedObject, error)) (map[string][]byte, error) {
	result := make(map[string][]byte, len(blobs))
	var missingIDs []githash.SHA1
	missingPaths := make(map[githash.SHA1][]string)
	for p, id := range blobs {
		if cache != nil {
			if data, ok := cache.Lookup(id); ok {
				result[p] = data
				continue
			}
		}
		if _, ok := missingPaths[id]; !ok {
			missingIDs = append(missingIDs, id)
		}
		missingPaths[id] = append(missingPaths[id], p)
	}
	if len(missingIDs) == 0 {
		return result, nil
	}

	objs, err := thinFetch(missingIDs)
	if err != nil {
		return nil, err
	}
	fetched := make(map[githash.SHA1][]byte, len(objs))
	for _, obj := range objs {
		fetched[obj.ID] = obj.Data
	}
	for _, id := range missingIDs {
		data, ok := fetched[id]
		if !ok {
			return nil, fmt.Errorf("blob %v: %w", id, gitpack.ErrObjectNotFound)
		}
		if cache != nil {
			cache.Notify(id, data)
		}
		for _, p := range missingPaths[id] {
			result[p] = data
		}
	}
	return result, nil
}

func translateWalkErr(path string, err error) error {
	switch {
	case errors.Is(err, walk.ErrNotFound):
		return fmt.Errorf("load subdirectory %q: %w", path, ErrPathNotFound)
	case errors.Is(err, walk.ErrNotADirectory):
		return fmt.Errorf("load subdirectory %q: %w", path, ErrNotADirectory)
	default:
		return fmt.Errorf("load subdirectory %q: %w", path, err)
	}
}
