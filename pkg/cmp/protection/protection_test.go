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

package protection

import (
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

func unprotectedMessage(body cmp.Body) *cmp.Message {
	return &cmp.Message{
		Header: cmp.Header{
			PVNO:          cmp.PVNO,
			TransactionID: []byte("tx"),
			SenderNonce:   []byte("nonce"),
		},
		Body: body,
	}
}

func rejectionCertRep() cmp.Body {
	rep := cmp.CertRepMessage{Response: []cmp.CertResponse{{
		CertReqID: cmp.CertReqID,
		Status:    cmp.PKIStatusInfo{Status: cmp.StatusRejection, FailInfo: cmp.FailBadPOP},
	}}}
	return cmp.Body{IP: &rep}
}

func Test_Policy_unprotected_exceptions(t *testing.T) {
	errBody := cmp.Body{Error: &cmp.ErrorMsgContent{
		PKIStatusInfo: cmp.PKIStatusInfo{Status: cmp.StatusRejection},
	}}
	pkiconfBody := cmp.Body{PKIConf: &cmp.PKIConfirmContent{}}
	rpReject := cmp.Body{RP: &cmp.RevRepContent{
		Status: []cmp.PKIStatusInfo{{Status: cmp.StatusRejection}},
	}}
	rpAccept := cmp.Body{RP: &cmp.RevRepContent{
		Status: []cmp.PKIStatusInfo{{Status: cmp.StatusAccepted}},
	}}
	acceptedCertRep := cmp.CertRepMessage{Response: []cmp.CertResponse{{
		Status: cmp.PKIStatusInfo{Status: cmp.StatusAccepted},
	}}}
	irBody := cmp.Body{IR: &cmp.CertReqMessages{{}}}

	tests := []struct {
		name    string
		policy  Policy
		body    cmp.Body
		wantErr bool
	}{
		{name: "error-tolerated", policy: Policy{UnprotectedErrors: true}, body: errBody},
		{name: "error-not-tolerated", policy: Policy{}, body: errBody, wantErr: true},
		{name: "pkiconf-tolerated", policy: Policy{UnprotectedErrors: true}, body: pkiconfBody},
		{name: "rp-rejection-tolerated", policy: Policy{UnprotectedErrors: true}, body: rpReject},
		{name: "rp-accepted-not-tolerated", policy: Policy{UnprotectedErrors: true}, body: rpAccept, wantErr: true},
		{name: "certrep-rejection-tolerated", policy: Policy{UnprotectedErrors: true}, body: rejectionCertRep()},
		{name: "certrep-accepted-not-tolerated", policy: Policy{UnprotectedErrors: true}, body: cmp.Body{IP: &acceptedCertRep}, wantErr: true},
		{name: "server-accepts-any-request", policy: Policy{AcceptUnprotectedRequests: true}, body: irBody},
		{name: "server-strict", policy: Policy{}, body: irBody, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policy
			p.Log = logr.Discard()
			p.Codec = codec.New()
			p.Crypto = pki.New()

			err := p.ValidateIncoming(unprotectedMessage(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, cmp.ErrProtectionInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_Policy_signature_roundtrip(t *testing.T) {
	cert, key, err := pki.NewSelfSignedIdentity("server", clock.RealClock{}, time.Hour)
	require.NoError(t, err)

	sender := Policy{
		Log:    logr.Discard(),
		Codec:  codec.New(),
		Crypto: pki.New(),
		Cert:   cert,
		Key:    key,
		SigAlg: cmp.AlgECDSAWithSHA256,
	}

	msg := unprotectedMessage(rejectionCertRep())
	require.NoError(t, sender.Apply(msg))
	assert.Equal(t, cmp.AlgECDSAWithSHA256, msg.Header.ProtectionAlg)
	assert.NotEmpty(t, msg.Protection)
	assert.NotEmpty(t, msg.ExtraCerts)

	t.Run("verified-via-pinned-cert", func(t *testing.T) {
		receiver := Policy{
			Log:              logr.Discard(),
			Codec:            codec.New(),
			Crypto:           pki.New(),
			PinnedServerCert: cert,
		}
		assert.NoError(t, receiver.ValidateIncoming(msg))
	})

	t.Run("verified-via-trust-store", func(t *testing.T) {
		// The self-signed sender cert is its own anchor in the root set.
		receiver := Policy{
			Log:          logr.Discard(),
			Codec:        codec.New(),
			Crypto:       pki.New(),
			TrustedRoots: []*x509.Certificate{cert},
		}
		assert.NoError(t, receiver.ValidateIncoming(msg))
	})

	t.Run("tamper-detected", func(t *testing.T) {
		receiver := Policy{
			Log:              logr.Discard(),
			Codec:            codec.New(),
			Crypto:           pki.New(),
			PinnedServerCert: cert,
		}
		tampered, err := codec.New().Dup(msg)
		require.NoError(t, err)
		tampered.Body.IP.Response[0].Status.Status = cmp.StatusAccepted
		assert.ErrorIs(t, receiver.ValidateIncoming(tampered), cmp.ErrProtectionInvalid)
	})
}

func Test_Policy_mac_roundtrip(t *testing.T) {
	secret := []byte("shared secret")

	sender := Policy{
		Log:          logr.Discard(),
		Codec:        codec.New(),
		Crypto:       pki.New(),
		SharedSecret: secret,
		MACAlg:       cmp.AlgHMACWithSHA256,
	}
	msg := unprotectedMessage(rejectionCertRep())
	require.NoError(t, sender.Apply(msg))

	receiver := Policy{
		Log:          logr.Discard(),
		Codec:        codec.New(),
		Crypto:       pki.New(),
		SharedSecret: secret,
	}
	assert.NoError(t, receiver.ValidateIncoming(msg))

	receiver.SharedSecret = []byte("wrong")
	assert.ErrorIs(t, receiver.ValidateIncoming(msg), cmp.ErrProtectionInvalid)
}

func Test_Policy_unprotected_send(t *testing.T) {
	p := Policy{
		Log:             logr.Discard(),
		Codec:           codec.New(),
		Crypto:          pki.New(),
		SharedSecret:    []byte("secret"),
		MACAlg:          cmp.AlgHMACWithSHA256,
		UnprotectedSend: true,
	}
	msg := unprotectedMessage(rejectionCertRep())
	require.NoError(t, p.Apply(msg))
	assert.Empty(t, msg.Header.ProtectionAlg)
	assert.Nil(t, msg.Protection)
}
