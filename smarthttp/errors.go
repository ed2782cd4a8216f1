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

package smarthttp

import "errors"

// ErrUnauthorized is wrapped by errors returned when the remote responds
// with HTTP 401 or 403.
var ErrUnauthorized = errors.New("smarthttp: unauthorized")

// ErrProtocol is wrapped by errors returned when the remote's reply
// violates the expected pkt-line or capability framing.
var ErrProtocol = errors.New("smarthttp: protocol error")
