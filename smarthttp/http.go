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

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tcardew/gitpartial/pktline"
)

const (
	authorizationHeader = "Authorization"
	contentTypeHeader   = "Content-Type"
	userAgentHeader     = "User-Agent"
)

type httpRemote struct {
	client        *http.Client
	base          *url.URL
	authorization string
	userAgent     string
}

func (r *httpRemote) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.Clone(ctx)
	req.Header = r.fillHeaders(req.Header)
	slog.DebugContext(ctx, "smarthttp request", "method", req.Method, "url", req.URL.Redacted())
	resp, err := r.client.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "smarthttp request failed", "method", req.Method, "url", req.URL.Redacted(), "error", err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		slog.DebugContext(ctx, "smarthttp request rejected", "method", req.Method, "url", req.URL.Redacted(), "status", resp.Status)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("http %s: %w", resp.Status, ErrUnauthorized)
		}
		return nil, fmt.Errorf("http %s", resp.Status)
	}
	return resp, nil
}

func (r *httpRemote) url(path string, params url.Values) *url.URL {
	u := new(url.URL)
	*u = *r.base
	u.Path += path
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u
}

func (r *httpRemote) fillHeaders(h http.Header) http.Header {
	if h == nil {
		h = make(http.Header)
	}
	if _, set := h[userAgentHeader]; !set && r.userAgent != "" {
		h.Set(userAgentHeader, r.userAgent)
	}
	if _, set := h[authorizationHeader]; !set && r.authorization != "" {
		h.Set(authorizationHeader, r.authorization)
	}
	return h
}

// advertiseRefs performs the GET /info/refs?service=git-upload-pack request
// that begins a Smart HTTP v1 fetch and returns a reader positioned just
// after the leading "# service=git-upload-pack" pkt-line and its flush.
func (r *httpRemote) advertiseRefs(ctx context.Context) (_ io.ReadCloser, err error) {
	resp, err := r.do(ctx, &http.Request{
		Method: http.MethodGet,
		URL:    r.url("/info/refs", url.Values{"service": {"git-upload-pack"}}),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			resp.Body.Close()
		}
	}()
	if contentType := resp.Header.Get(contentTypeHeader); contentType != "application/x-git-upload-pack-advertisement" {
		return nil, fmt.Errorf("content-type is %q, not git upload pack: %w", contentType, ErrProtocol)
	}
	respReader := pktline.NewReader(resp.Body)
	const want = "# service=git-upload-pack"
	respReader.Next()
	line, err := respReader.Text()
	if err != nil {
		return nil, fmt.Errorf("initial packet: %w", err)
	}
	if !bytes.Equal(line, []byte(want)) {
		return nil, fmt.Errorf("invalid initial packet: %w", ErrProtocol)
	}
	if !respReader.Next() {
		return nil, respReader.Err()
	}
	if respReader.Type() != pktline.Flush {
		return nil, fmt.Errorf("invalid initial packet: %w", ErrProtocol)
	}
	return resp.Body, nil
}

// uploadPack performs the POST /git-upload-pack request that carries the
// want/have negotiation and returns the server's response body.
func (r *httpRemote) uploadPack(ctx context.Context, request io.Reader) (_ io.ReadCloser, err error) {
	resp, err := r.do(ctx, &http.Request{
		Method: http.MethodPost,
		URL:    r.url("/git-upload-pack", nil),
		Header: http.Header{
			contentTypeHeader: {"application/x-git-upload-pack-request"},
		},
		Body: io.NopCloser(request),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			resp.Body.Close()
		}
	}()
	if contentType := resp.Header.Get(contentTypeHeader); contentType != "application/x-git-upload-pack-result" {
		return nil, fmt.Errorf("content-type is %q, not git upload pack: %w", contentType, ErrProtocol)
	}
	return resp.Body, nil
}
