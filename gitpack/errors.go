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

import "errors"

// Sentinel errors returned by this package. Callers should use
// errors.Is against these, since they are always wrapped with
// additional context via fmt.Errorf or xerrors.Errorf.
var (
	// ErrBadFormat indicates a packfile, index, or reverse-index stream did
	// not match the expected on-disk layout (bad signature, truncated
	// stream, malformed varint, and so on).
	ErrBadFormat = errors.New("gitpack: bad format")

	// ErrChecksumMismatch indicates a trailing SHA-1 or a per-object CRC-32
	// did not match the computed value.
	ErrChecksumMismatch = errors.New("gitpack: checksum mismatch")

	// ErrUnresolvedDelta indicates that a delta object's base could not be
	// found, either within the pack (for ofs-delta) or in the supplied
	// base lookup (for a thin pack's ref-delta objects).
	ErrUnresolvedDelta = errors.New("gitpack: unresolved delta base")

	// ErrUnsupportedVersion indicates a packfile or index declared a
	// version number this package does not implement.
	ErrUnsupportedVersion = errors.New("gitpack: unsupported version")

	// ErrLargeOffsetUnsupported indicates an object's offset exceeds what
	// this package will encode without corrupting a 31-bit index entry.
	ErrLargeOffsetUnsupported = errors.New("gitpack: offset too large for index")
)

// maxPackSize is the largest packfile this package will generate an index
// for, matching the documented limit of this implementation.
const maxPackSize = 1 << 31
