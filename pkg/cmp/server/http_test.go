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

package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/pkg/cmp/client"
	"github.com/cert-manager/cmp/internal/codec"
)

func Test_HTTPHandler_end_to_end(t *testing.T) {
	s := newTestResponder(t, nil)
	ts := httptest.NewServer(s.HTTPHandler())
	defer ts.Close()

	transport := &client.HTTPTransport{
		URL:   ts.URL,
		Codec: codec.New(),
		Log:   logr.Discard(),
	}

	reply, err := transport.RoundTrip(context.Background(), newRequest(irBody(t, cmp.POPOSignature)), 0)
	require.NoError(t, err)
	assert.Equal(t, cmp.BodyTypeIP, reply.Body.Type())
	assert.Equal(t, cmp.StatusAccepted, reply.Body.IP.Response[0].Status.Status)
}

func Test_HTTPHandler_rejects_bad_requests(t *testing.T) {
	s := newTestResponder(t, nil)
	ts := httptest.NewServer(s.HTTPHandler())
	defer ts.Close()

	t.Run("wrong-method", func(t *testing.T) {
		resp, err := http.Get(ts.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("wrong-content-type", func(t *testing.T) {
		resp, err := http.Post(ts.URL, "text/plain", bytes.NewReader([]byte("hello")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("garbage-body", func(t *testing.T) {
		resp, err := http.Post(ts.URL, contentTypePKIXCMP, bytes.NewReader([]byte("garbage")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
