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
	"io"
	"net/http"
)

// contentTypePKIXCMP is the media type of CMP over HTTP, RFC 6712.
const contentTypePKIXCMP = "application/pkixcmp"

// maxRequestBytes bounds the request body the handler will read.
const maxRequestBytes = 1 << 20

// HTTPHandler serves the responder over HTTP: POST with an encoded
// PKIMessage body, answered with the encoded response message.
func (s *Context) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != contentTypePKIXCMP {
			http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "reading request", http.StatusBadRequest)
			return
		}
		req, err := s.opts.Codec.Decode(body)
		if err != nil {
			http.Error(w, "decoding PKIMessage", http.StatusBadRequest)
			return
		}

		resp, err := s.Process(r.Context(), req)
		if err != nil {
			s.log.Error(err, "failed to process request")
			http.Error(w, "processing PKIMessage", http.StatusBadRequest)
			return
		}

		data, err := s.opts.Codec.Encode(resp)
		if err != nil {
			s.log.Error(err, "failed to encode response")
			http.Error(w, "encoding response", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentTypePKIXCMP)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			s.log.Error(err, "failed to write response")
		}
	})
}
