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
Package smarthttp drives the Smart HTTP v1 git-upload-pack protocol: ref
discovery followed by a pkt-line negotiation that ends with a (possibly
side-band-multiplexed) packfile. It never shells out to a local git binary
and never speaks git-receive-pack; this client only ever fetches.
*/
package smarthttp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tcardew/gitpartial/githash"
)

// Remote represents a remote Git repository reachable over Smart HTTP that
// can be fetched from.
type Remote struct {
	urlstr string
	impl   impl
}

// Options holds optional arguments for creating a Remote.
type Options struct {
	HTTPClient        *http.Client // defaults to http.DefaultClient
	HTTPAuthorization string
	UserAgent         string
}

func (opts *Options) httpClient() *http.Client {
	if opts == nil || opts.HTTPClient == nil {
		return http.DefaultClient
	}
	return opts.HTTPClient
}

func (opts *Options) httpAuthorization() string {
	if opts == nil {
		return ""
	}
	return opts.HTTPAuthorization
}

func (opts *Options) httpUserAgent() string {
	if opts == nil {
		return ""
	}
	return opts.UserAgent
}

// NewRemote returns a new Remote for the given URL, or returns an error if
// the URL's scheme is not http or https.
func NewRemote(u *url.URL, opts *Options) (*Remote, error) {
	urlstr := u.Redacted()
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("open remote %s: unsupported scheme %q (only http and https are supported)", urlstr, u.Scheme)
	}
	auth := opts.httpAuthorization()
	if u.User != nil {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.String()))
	}
	return &Remote{
		urlstr: urlstr,
		impl: &httpRemote{
			client:        opts.httpClient(),
			base:          u,
			authorization: auth,
			userAgent:     opts.httpUserAgent(),
		},
	}, nil
}

func parseObjectID(src []byte) (githash.SHA1, error) {
	var id githash.SHA1
	if err := id.UnmarshalText(src); err != nil {
		return githash.SHA1{}, fmt.Errorf("parse object id: %w", err)
	}
	return id, nil
}

type impl interface {
	advertiseRefs(ctx context.Context) (io.ReadCloser, error)
	uploadPack(ctx context.Context, request io.Reader) (io.ReadCloser, error)
}

// ParseURL parses a Git remote HTTP(S) URL. Provider-specific shorthand
// (e.g. the SCP-like syntax used for SSH remotes) is out of scope: callers
// are expected to hand this a well-formed http:// or https:// URL.
func ParseURL(urlstr string) (*url.URL, error) {
	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, fmt.Errorf("parse remote url %q: %w", urlstr, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("parse remote url %q: unsupported scheme %q", urlstr, u.Scheme)
	}
	return u, nil
}
