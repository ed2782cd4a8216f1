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

/*
Package gitpack decodes Git packfiles and their companion index files.
Packfiles hold Git objects either in full or as a "deltified" patch on
top of another object already in the pack or, for a thin pack, supplied
separately by the caller. The wire and on-disk formats are described in
https://git-scm.com/docs/pack-format and https://git-scm.com/docs/pack-protocol.

Alongside packfile decode and pack index v2, this package builds and
parses the pack reverse index (ridx v1).
*/
package gitpack
