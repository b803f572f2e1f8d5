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

package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cert-manager/cmp/pkg/cmp"
)

func sampleMessage() *cmp.Message {
	reqs := cmp.CertReqMessages{{
		CertReqID: cmp.CertReqID,
		Template: cmp.CertTemplate{
			Subject:   "CN=client",
			PublicKey: []byte{0x30, 0x01, 0x02},
			DNSNames:  []string{"client.example.com"},
		},
		POP: cmp.ProofOfPossession{
			Method:    cmp.POPOSignature,
			Signature: []byte{0xde, 0xad},
			Alg:       cmp.AlgECDSAWithSHA256,
		},
	}}
	return &cmp.Message{
		Header: cmp.Header{
			PVNO:          cmp.PVNO,
			Sender:        cmp.GeneralName{DirectoryName: "CN=client"},
			Recipient:     cmp.GeneralName{DirectoryName: "CN=server"},
			MessageTime:   time.Date(2022, 3, 14, 9, 26, 53, 0, time.UTC),
			ProtectionAlg: cmp.AlgECDSAWithSHA256,
			TransactionID: []byte("0123456789abcdef"),
			SenderNonce:   []byte("nonce-nonce-nonc"),
		},
		Body:       cmp.Body{IR: &reqs},
		Protection: []byte{0x01, 0x02, 0x03},
		ExtraCerts: [][]byte{{0x30, 0x82}},
	}
}

func Test_Binary_roundtrip(t *testing.T) {
	c := New()
	msg := sampleMessage()

	data, err := c.Encode(msg)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func Test_Binary_Dup_is_independent(t *testing.T) {
	c := New()
	msg := sampleMessage()

	dup, err := c.Dup(msg)
	require.NoError(t, err)
	require.Equal(t, msg, dup)

	// Mutating the duplicate must not reach the original.
	dup.Header.TransactionID[0] = 'x'
	assert.Equal(t, byte('0'), msg.Header.TransactionID[0])
}

func Test_Binary_Decode_garbage(t *testing.T) {
	c := New()

	_, err := c.Decode(nil)
	assert.ErrorIs(t, err, cmp.ErrCodec)

	_, err = c.Decode([]byte("not a message"))
	assert.ErrorIs(t, err, cmp.ErrCodec)
}

func Test_Binary_EncodeProtectedPart_deterministic(t *testing.T) {
	c := New()
	msg := sampleMessage()

	a, err := c.EncodeProtectedPart(msg.ProtectedPart())
	require.NoError(t, err)
	b, err := c.EncodeProtectedPart(msg.ProtectedPart())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
