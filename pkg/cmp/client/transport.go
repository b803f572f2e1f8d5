/*
Copyright 2021 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Transport carries one CMP request to the server and returns its reply.
// Implementations must preserve message bytes; both endpoints re-decode at
// the trust boundary to catch encoding defects.
type Transport interface {
	RoundTrip(ctx context.Context, req *cmp.Message, timeout time.Duration) (*cmp.Message, error)
}

// ContentTypePKIXCMP is the media type of CMP over HTTP, RFC 6712.
const ContentTypePKIXCMP = "application/pkixcmp"

// HTTPTransport delivers CMP messages with POST requests per RFC 6712.
type HTTPTransport struct {
	// URL of the CMP endpoint, e.g. http://ca.example.com/pkix/.
	URL string

	Codec cmp.Codec

	// Client is the underlying HTTP client. Defaults to
	// http.DefaultClient.
	Client *http.Client

	Log logr.Logger
}

var _ Transport = &HTTPTransport{}

// RoundTrip encodes req, POSTs it and decodes the reply. The timeout bounds
// the whole exchange.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *cmp.Message, timeout time.Duration) (*cmp.Message, error) {
	data, err := t.Codec.Encode(req)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrTransportIO, err)
	}
	httpReq.Header.Set("Content-Type", ContentTypePKIXCMP)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	t.Log.V(2).Info("sending CMP request", "body", req.Body.Type().String(), "url", t.URL)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP status %d", cmp.ErrTransportBadReply, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ContentTypePKIXCMP {
		return nil, fmt.Errorf("%w: unexpected content type %q", cmp.ErrTransportBadReply, ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", cmp.ErrTransportIO, err)
	}
	reply, err := t.Codec.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrTransportBadReply, err)
	}
	return reply, nil
}

// classifyHTTPError maps an http.Client error onto the transport error
// taxonomy.
func classifyHTTPError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", cmp.ErrTransportTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", cmp.ErrCancelled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", cmp.ErrTransportTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", cmp.ErrTransportUnreachable, err)
	}
	return fmt.Errorf("%w: %v", cmp.ErrTransportIO, err)
}
