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
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/gitobj"
	"github.com/tcardew/gitpartial/gitpack"
)

// MemoryObjectStore adapts a *gitpack.MemoryStore to the ObjectStore
// interface used throughout this package, so that walk never has to import
// gitpack's packed-object machinery beyond the finished, in-memory store.
type MemoryObjectStore struct {
	Store *gitpack.MemoryStore
}

// Object implements ObjectStore.
func (s MemoryObjectStore) Object(id githash.SHA1) (gitobj.Type, []byte, error) {
	prefix, rc, err := s.Store.ReadSHA1Object(id)
	if err != nil {
		if errors.Is(err, gitpack.ErrObjectNotFound) {
			return "", nil, fmt.Errorf("%v: %w", id, ErrNotFound)
		}
		return "", nil, err
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return "", nil, err
	}
	return prefix.Type, data, nil
}
