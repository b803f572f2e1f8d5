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

// Package codec provides the in-tree binary implementation of the cmp.Codec
// collaborator. The wire model is flat (byte slices, strings, integers), so
// a generic binary encoding round-trips it bit-exactly; ASN.1 DER encoding
// per RFC 4210 remains an external collaborator plugged in behind the same
// interface.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Binary is a cmp.Codec backed by encoding/gob.
type Binary struct{}

var _ cmp.Codec = Binary{}

// New returns the binary codec.
func New() Binary {
	return Binary{}
}

// Encode serializes a message.
func (Binary) Encode(m *cmp.Message) ([]byte, error) {
	if m == nil {
		return nil, cmp.ErrNullArgument
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrCodec, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a message.
func (Binary) Decode(data []byte) (*cmp.Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", cmp.ErrCodec)
	}
	m := new(cmp.Message)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrCodec, err)
	}
	return m, nil
}

// Dup encodes and re-decodes the message, asserting that it survives the
// wire untouched.
func (c Binary) Dup(m *cmp.Message) (*cmp.Message, error) {
	data, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}

// EncodeProtectedPart serializes the protection input.
func (Binary) EncodeProtectedPart(p *cmp.ProtectedPart) ([]byte, error) {
	if p == nil {
		return nil, cmp.ErrNullArgument
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrCodec, err)
	}
	return buf.Bytes(), nil
}
