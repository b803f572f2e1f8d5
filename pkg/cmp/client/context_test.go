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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/internal/codec"
	"github.com/cert-manager/cmp/internal/pki"
)

// nopTransport satisfies Transport for tests that never send.
type nopTransport struct{}

func (nopTransport) RoundTrip(ctx context.Context, req *cmp.Message, timeout time.Duration) (*cmp.Message, error) {
	return nil, cmp.ErrTransportUnreachable
}

func newBareContext(t *testing.T, mutate func(*Options)) *Context {
	t.Helper()
	opts := Options{
		Transport: nopTransport{},
		Codec:     codec.New(),
		Crypto:    pki.New(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func Test_New_requires_collaborators(t *testing.T) {
	_, err := New(Options{Codec: codec.New(), Crypto: pki.New()})
	assert.ErrorIs(t, err, cmp.ErrNullArgument)

	_, err = New(Options{Transport: nopTransport{}, Crypto: pki.New()})
	assert.ErrorIs(t, err, cmp.ErrNullArgument)
}

func Test_SenderName_derivation(t *testing.T) {
	cert, _, err := pki.NewSelfSignedIdentity("client", clock.RealClock{}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Options)
		want    string
		wantErr bool
	}{
		{
			name:   "certificate-subject-wins",
			mutate: func(o *Options) { o.Cert = cert; o.ReferenceValue = []byte("ref") },
			want:   "CN=client",
		},
		{
			name:   "subject-template",
			mutate: func(o *Options) { o.Subject = "CN=template" },
			want:   "CN=template",
		},
		{
			name:   "reference-value",
			mutate: func(o *Options) { o.ReferenceValue = []byte("ref-1") },
			want:   "CN=ref-1",
		},
		{
			name:   "null-dn-when-unprotected",
			mutate: func(o *Options) { o.UnprotectedSend = true },
			want:   "",
		},
		{
			name:    "no-identity",
			mutate:  nil,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBareContext(t, tt.mutate)
			got, err := c.SenderName()
			if tt.wantErr {
				assert.ErrorIs(t, err, cmp.ErrMissingSenderIdentity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_RecipientName_derivation(t *testing.T) {
	cert, _, err := pki.NewSelfSignedIdentity("client", clock.RealClock{}, time.Hour)
	require.NoError(t, err)

	c := newBareContext(t, func(o *Options) { o.ExpectedSender = "CN=the-server" })
	assert.Equal(t, "CN=the-server", c.RecipientName())

	c = newBareContext(t, func(o *Options) { o.Cert = cert })
	assert.Equal(t, cert.Issuer.String(), c.RecipientName())

	c = newBareContext(t, nil)
	assert.Empty(t, c.RecipientName())
}

func Test_Option_table_roundtrip(t *testing.T) {
	c := newBareContext(t, nil)

	tests := []struct {
		opt   Option
		value int
	}{
		{OptMsgTimeout, 90},
		{OptTotalTimeout, 600},
		{OptValidityDays, 30},
		{OptPopoMethod, int(cmp.POPORAVerified)},
		{OptRevocationReason, 4},
		{OptImplicitConfirm, 1},
		{OptDisableConfirm, 1},
		{OptUnprotectedSend, 1},
		{OptUnprotectedErrors, 1},
		{OptPermitTAInExtraCertsForIR, 1},
		{OptDigestAlgNid, 673},
	}
	for _, tt := range tests {
		require.NoError(t, c.SetOption(tt.opt, tt.value), "option %d", tt.opt)
		got, err := c.GetOption(tt.opt)
		require.NoError(t, err, "option %d", tt.opt)
		assert.Equal(t, tt.value, got, "option %d", tt.opt)
	}

	assert.Equal(t, 10*time.Minute, c.opts.TotalTimeout)
	assert.True(t, c.policy.UnprotectedSend)
	assert.True(t, c.policy.UnprotectedErrors)

	assert.ErrorIs(t, c.SetOption(Option(9999), 1), cmp.ErrInvalidArgs)
	_, err := c.GetOption(Option(9999))
	assert.ErrorIs(t, err, cmp.ErrInvalidArgs)
	assert.ErrorIs(t, c.SetOption(OptDigestAlgNid, 1), cmp.ErrInvalidArgs)
}

func Test_Reinit_clears_session_state(t *testing.T) {
	c := newBareContext(t, func(o *Options) { o.MsgTimeout = 42 * time.Second })

	c.transactionID = []byte("tx")
	c.recipNonce = []byte("nonce")
	c.lastStatus = &cmp.PKIStatusInfo{Status: cmp.StatusRejection}

	c.Reinit()

	assert.Nil(t, c.TransactionID())
	assert.Nil(t, c.RecipNonce())
	assert.Nil(t, c.LastStatus())
	assert.Nil(t, c.NewCert())
	// Configuration survives.
	assert.Equal(t, 42*time.Second, c.opts.MsgTimeout)
}
