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
	"context"
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/internal/codec"
	"github.com/cert-manager/cmp/internal/pki"
)

func newTestResponder(t *testing.T, mutate func(*Options)) *Context {
	t.Helper()

	serverCert, serverKey, err := pki.NewSelfSignedIdentity("server", clock.RealClock{}, time.Hour)
	require.NoError(t, err)
	certOut, _, err := pki.NewSelfSignedIdentity("client", clock.RealClock{}, time.Hour)
	require.NoError(t, err)

	opts := Options{
		Log:                       logr.Discard(),
		Codec:                     codec.New(),
		Crypto:                    pki.New(),
		Cert:                      serverCert,
		Key:                       serverKey,
		CertOut:                   certOut,
		AcceptUnprotectedRequests: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func marshalTestKey(pub crypto.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// newRequest builds an unprotected request message around the given body.
func newRequest(body cmp.Body) *cmp.Message {
	return &cmp.Message{
		Header: cmp.Header{
			PVNO:          cmp.PVNO,
			Sender:        cmp.GeneralName{DirectoryName: "CN=client"},
			Recipient:     cmp.GeneralName{DirectoryName: "CN=server"},
			MessageTime:   time.Date(2022, 3, 14, 9, 26, 53, 0, time.UTC),
			TransactionID: []byte("0123456789abcdef"),
			SenderNonce:   []byte("nonce-nonce-nonc"),
		},
		Body: body,
	}
}

func irBody(t *testing.T, pop cmp.POPOMethod) cmp.Body {
	t.Helper()
	key, err := pki.NewSigningKey()
	require.NoError(t, err)
	der, err := marshalTestKey(key.Public())
	require.NoError(t, err)

	reqs := cmp.CertReqMessages{{
		CertReqID: cmp.CertReqID,
		Template:  cmp.CertTemplate{Subject: "CN=client", PublicKey: der},
		POP:       cmp.ProofOfPossession{Method: pop},
	}}
	if pop == cmp.POPOSignature {
		sig, err := pki.New().Sign(reqs[0].Template.POPInput(), key, cmp.AlgECDSAWithSHA256)
		require.NoError(t, err)
		reqs[0].POP.Signature = sig
		reqs[0].POP.Alg = cmp.AlgECDSAWithSHA256
	}
	return cmp.Body{IR: &reqs}
}

func Test_Process_echoes_header_discipline(t *testing.T) {
	s := newTestResponder(t, nil)
	req := newRequest(irBody(t, cmp.POPOSignature))

	resp, err := s.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, cmp.PVNO, resp.Header.PVNO)
	assert.Equal(t, req.Header.TransactionID, resp.Header.TransactionID)
	assert.Equal(t, req.Header.SenderNonce, resp.Header.RecipNonce)
	assert.Equal(t, "CN=client", resp.Header.Recipient.DirectoryName)
	assert.NotEmpty(t, resp.Header.SenderNonce)
	assert.Equal(t, cmp.BodyTypeIP, resp.Body.Type())
	assert.Equal(t, cmp.StatusAccepted, resp.Body.IP.Response[0].Status.Status)
	require.NotNil(t, resp.Body.IP.Response[0].CertifiedKeyPair)
}

func Test_Process_rejects_non_directory_sender(t *testing.T) {
	s := newTestResponder(t, nil)
	req := newRequest(irBody(t, cmp.POPOSignature))
	req.Header.Sender = cmp.GeneralName{DNSName: "client.example.com"}

	_, err := s.Process(context.Background(), req)
	assert.ErrorIs(t, err, cmp.ErrSenderTypeUnsupported)
}

func Test_Process_wrong_pvno(t *testing.T) {
	s := newTestResponder(t, nil)
	req := newRequest(irBody(t, cmp.POPOSignature))
	req.Header.PVNO = 1

	resp, err := s.Process(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
	assert.True(t, resp.Body.Error.PKIStatusInfo.FailInfo.Has(cmp.FailUnsupportedVersion))
}

func Test_Process_requires_protection_by_default(t *testing.T) {
	s := newTestResponder(t, func(o *Options) {
		o.AcceptUnprotectedRequests = false
	})
	req := newRequest(irBody(t, cmp.POPOSignature))

	resp, err := s.Process(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
	assert.True(t, resp.Body.Error.PKIStatusInfo.FailInfo.Has(cmp.FailBadMessageCheck))
}

func Test_Process_pop_rejection(t *testing.T) {
	// A responder that does not accept RAVerified must reject it with
	// failInfo badPOP, as a regular response rather than an ERROR.
	s := newTestResponder(t, nil)
	req := newRequest(irBody(t, cmp.POPORAVerified))

	resp, err := s.Process(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeIP, resp.Body.Type())

	status := resp.Body.IP.Response[0].Status
	assert.Equal(t, cmp.StatusRejection, status.Status)
	assert.True(t, status.FailInfo.Has(cmp.FailBadPOP))
	assert.Nil(t, resp.Body.IP.Response[0].CertifiedKeyPair)
}

func Test_Process_pop_raverified_accepted_when_configured(t *testing.T) {
	s := newTestResponder(t, func(o *Options) {
		o.AcceptRAVerified = true
	})
	req := newRequest(irBody(t, cmp.POPORAVerified))

	resp, err := s.Process(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeIP, resp.Body.Type())
	assert.Equal(t, cmp.StatusAccepted, resp.Body.IP.Response[0].Status.Status)
}

func Test_Process_poll_defers_response(t *testing.T) {
	s := newTestResponder(t, func(o *Options) {
		o.PollCount = 1
		o.CheckAfterTime = 7
	})

	resp, err := s.Process(context.Background(), newRequest(irBody(t, cmp.POPOSignature)))
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeIP, resp.Body.Type())
	assert.Equal(t, cmp.StatusWaiting, resp.Body.IP.Response[0].Status.Status)

	pollReq := cmp.PollReqContent{{CertReqID: cmp.CertReqID}}
	resp, err = s.Process(context.Background(), newRequest(cmp.Body{PollReq: &pollReq}))
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypePOLLREP, resp.Body.Type())
	assert.Equal(t, int64(7), (*resp.Body.PollRep)[0].CheckAfter)

	resp, err = s.Process(context.Background(), newRequest(cmp.Body{PollReq: &pollReq}))
	require.NoError(t, err)
	assert.Equal(t, cmp.BodyTypeIP, resp.Body.Type())
	assert.Equal(t, cmp.StatusAccepted, resp.Body.IP.Response[0].Status.Status)
}

func Test_Process_second_transaction_while_polling(t *testing.T) {
	s := newTestResponder(t, func(o *Options) {
		o.PollCount = 2
	})

	_, err := s.Process(context.Background(), newRequest(irBody(t, cmp.POPOSignature)))
	require.NoError(t, err)

	second := newRequest(irBody(t, cmp.POPOSignature))
	second.Header.TransactionID = []byte("fedcba9876543210")

	resp, err := s.Process(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
	assert.True(t, resp.Body.Error.PKIStatusInfo.FailInfo.Has(cmp.FailTransactionIDInUse))
}

func Test_Process_pollReq_without_pending_request(t *testing.T) {
	s := newTestResponder(t, nil)

	pollReq := cmp.PollReqContent{{CertReqID: cmp.CertReqID}}
	resp, err := s.Process(context.Background(), newRequest(cmp.Body{PollReq: &pollReq}))
	require.NoError(t, err)
	assert.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
}

func Test_Process_certConf(t *testing.T) {
	s := newTestResponder(t, nil)

	// Issue first so the responder has a request id on record.
	_, err := s.Process(context.Background(), newRequest(irBody(t, cmp.POPOSignature)))
	require.NoError(t, err)

	hash, err := pki.New().Digest(s.opts.CertOut.Raw, cmp.AlgSHA256)
	require.NoError(t, err)

	t.Run("matching-hash", func(t *testing.T) {
		cc := cmp.CertConfirmContent{{
			CertReqID:  cmp.CertReqID,
			CertHash:   hash,
			StatusInfo: &cmp.PKIStatusInfo{Status: cmp.StatusAccepted},
		}}
		resp, err := s.Process(context.Background(), newRequest(cmp.Body{CertConf: &cc}))
		require.NoError(t, err)
		assert.Equal(t, cmp.BodyTypePKICONF, resp.Body.Type())
	})

	t.Run("wrong-hash", func(t *testing.T) {
		cc := cmp.CertConfirmContent{{
			CertReqID: cmp.CertReqID,
			CertHash:  []byte("not the right hash"),
		}}
		resp, err := s.Process(context.Background(), newRequest(cmp.Body{CertConf: &cc}))
		require.NoError(t, err)
		require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
		assert.True(t, resp.Body.Error.PKIStatusInfo.FailInfo.Has(cmp.FailBadMessageCheck))
	})

	t.Run("wrong-request-id", func(t *testing.T) {
		cc := cmp.CertConfirmContent{{CertReqID: 4, CertHash: hash}}
		resp, err := s.Process(context.Background(), newRequest(cmp.Body{CertConf: &cc}))
		require.NoError(t, err)
		require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
		assert.True(t, resp.Body.Error.PKIStatusInfo.FailInfo.Has(cmp.FailBadCertID))
	})
}

func Test_Process_rr_matching(t *testing.T) {
	s := newTestResponder(t, nil)

	t.Run("matching-cert-accepted", func(t *testing.T) {
		rr := cmp.RevReqContent{{CertID: cmp.CertID{
			Issuer:       s.opts.CertOut.Issuer.String(),
			SerialNumber: s.opts.CertOut.SerialNumber.String(),
		}}}
		resp, err := s.Process(context.Background(), newRequest(cmp.Body{RR: &rr}))
		require.NoError(t, err)
		require.Equal(t, cmp.BodyTypeRP, resp.Body.Type())
		assert.Equal(t, cmp.StatusAccepted, resp.Body.RP.Status[0].Status)
	})

	t.Run("unknown-cert-rejected", func(t *testing.T) {
		rr := cmp.RevReqContent{{CertID: cmp.CertID{
			Issuer:       "CN=somebody-else",
			SerialNumber: "42",
		}}}
		resp, err := s.Process(context.Background(), newRequest(cmp.Body{RR: &rr}))
		require.NoError(t, err)
		require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
		assert.Contains(t, resp.Body.Error.ErrorDetails[0], "request not accepted")
	})
}

func Test_Process_genm_echo(t *testing.T) {
	s := newTestResponder(t, nil)

	gm := cmp.GenMsgContent{{InfoType: "1.2.3.4", InfoValue: []byte("value")}}
	resp, err := s.Process(context.Background(), newRequest(cmp.Body{GENM: &gm}))
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeGENP, resp.Body.Type())
	assert.Equal(t, cmp.GenRepContent(gm), *resp.Body.GENP)
}

func Test_Process_send_error(t *testing.T) {
	s := newTestResponder(t, func(o *Options) {
		o.SendError = true
		o.SendUnprotectedErrors = true
		o.StatusOut = cmp.PKIStatusInfo{
			Status:        cmp.StatusRejection,
			FailInfo:      cmp.FailSignerNotTrusted,
			StatusStrings: []string{"test string"},
		}
	})

	resp, err := s.Process(context.Background(), newRequest(irBody(t, cmp.POPOSignature)))
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeERROR, resp.Body.Type())
	assert.Equal(t, cmp.StatusRejection, resp.Body.Error.PKIStatusInfo.Status)
	assert.Contains(t, resp.Body.Error.PKIStatusInfo.StatusStrings, "test string")
	// sendUnprotectedErrors leaves the ERROR unprotected.
	assert.Empty(t, resp.Header.ProtectionAlg)
	assert.Nil(t, resp.Protection)
}

func Test_Responder_RoundTrip_duplicates(t *testing.T) {
	s := newTestResponder(t, nil)
	req := newRequest(irBody(t, cmp.POPOSignature))

	resp, err := s.RoundTrip(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmp.BodyTypeIP, resp.Body.Type())
}
