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

package test

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/pkg/cmp/client"
	"github.com/cert-manager/cmp/pkg/cmp/server"
	"github.com/cert-manager/cmp/internal/codec"
	"github.com/cert-manager/cmp/internal/pki"
)

// recordingTransport keeps the transcript of body types crossing the wire.
type recordingTransport struct {
	inner      client.Transport
	transcript []string
}

func (r *recordingTransport) RoundTrip(ctx context.Context, req *cmp.Message, timeout time.Duration) (*cmp.Message, error) {
	r.transcript = append(r.transcript, req.Body.Type().String())
	reply, err := r.inner.RoundTrip(ctx, req, timeout)
	if err == nil {
		r.transcript = append(r.transcript, reply.Body.Type().String())
	}
	return reply, err
}

// rig is one client/server pair wired together in process.
type rig struct {
	client     *client.Context
	server     *server.Context
	transport  *recordingTransport
	clientCert *x509.Certificate
	serverCert *x509.Certificate
}

func newRig(serverMut func(*server.Options), clientMut func(*client.Options)) *rig {
	serverCert, serverKey, err := pki.NewSelfSignedIdentity("server", clock.RealClock{}, time.Hour)
	Expect(err).NotTo(HaveOccurred())
	clientCert, _, err := pki.NewSelfSignedIdentity("client", clock.RealClock{}, time.Hour)
	Expect(err).NotTo(HaveOccurred())
	newKey, err := pki.NewSigningKey()
	Expect(err).NotTo(HaveOccurred())

	srvOpts := server.Options{
		Log:                       logr.Discard(),
		Codec:                     codec.New(),
		Crypto:                    pki.New(),
		Cert:                      serverCert,
		Key:                       serverKey,
		CertOut:                   clientCert,
		AcceptUnprotectedRequests: true,
	}
	if serverMut != nil {
		serverMut(&srvOpts)
	}
	srv, err := server.New(srvOpts)
	Expect(err).NotTo(HaveOccurred())

	rt := &recordingTransport{inner: srv}
	cliOpts := client.Options{
		Log:              logr.Discard(),
		Transport:        rt,
		Codec:            codec.New(),
		Crypto:           pki.New(),
		NewKey:           newKey,
		Subject:          "CN=client",
		OldCert:          clientCert,
		PinnedServerCert: serverCert,
		UnprotectedSend:  true,
	}
	if clientMut != nil {
		clientMut(&cliOpts)
	}
	cli, err := client.New(cliOpts)
	Expect(err).NotTo(HaveOccurred())

	return &rig{
		client:     cli,
		server:     srv,
		transport:  rt,
		clientCert: clientCert,
		serverCert: serverCert,
	}
}

var _ = Describe("CMP transactions end to end", func() {
	It("completes an IR session immediately and confirms explicitly", func() {
		r := newRig(nil, nil)

		By("running the IR session")
		cert, err := r.client.ExecIR(context.Background())
		Expect(err).NotTo(HaveOccurred())

		By("checking the issued certificate and the transcript")
		Expect(cert.Raw).To(Equal(r.clientCert.Raw))
		Expect(r.transport.transcript).To(Equal([]string{"IR", "IP", "CERTCONF", "PKICONF"}))
		Expect(r.client.CAPubs()).To(BeEmpty())
	})

	It("delivers caPubs alongside the issued certificate", func() {
		r := newRig(func(o *server.Options) {
			o.CAPubsOut = []*x509.Certificate{o.Cert, o.Cert}
		}, nil)

		_, err := r.client.ExecIR(context.Background())
		Expect(err).NotTo(HaveOccurred())

		caPubs := r.client.CAPubs()
		Expect(caPubs).To(HaveLen(2))
		Expect(caPubs[0].Raw).To(Equal(r.serverCert.Raw))
		Expect(caPubs[1].Raw).To(Equal(r.serverCert.Raw))
	})

	It("polls until the server releases the deferred response", func() {
		r := newRig(func(o *server.Options) {
			o.PollCount = 2
			o.CheckAfterTime = 1
		}, nil)

		start := time.Now()
		cert, err := r.client.ExecIR(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(cert.Raw).To(Equal(r.clientCert.Raw))

		Expect(r.transport.transcript).To(Equal([]string{
			"IR", "IP",
			"POLLREQ", "POLLREP",
			"POLLREQ", "POLLREP",
			"POLLREQ", "IP",
			"CERTCONF", "PKICONF",
		}))
		Expect(time.Since(start)).To(BeNumerically(">=", 2*time.Second))
	})

	It("gives up polling when the total timeout is spent", func() {
		r := newRig(func(o *server.Options) {
			o.PollCount = 4
			o.CheckAfterTime = 1
		}, func(o *client.Options) {
			o.TotalTimeout = 3 * time.Second
		})

		start := time.Now()
		_, err := r.client.ExecIR(context.Background())
		Expect(err).To(MatchError(cmp.ErrPollTimeout))
		Expect(time.Since(start)).To(BeNumerically("<=", 3500*time.Millisecond))
		Expect(r.client.NewCert()).To(BeNil())
	})

	It("skips the confirmation round under implicit confirm", func() {
		r := newRig(func(o *server.Options) {
			o.GrantImplicitConfirm = true
		}, func(o *client.Options) {
			o.ImplicitConfirm = true
		})

		cert, err := r.client.ExecCR(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(cert.Raw).To(Equal(r.clientCert.Raw))
		Expect(r.transport.transcript).To(Equal([]string{"CR", "CP"}))
	})

	It("surfaces a signalled rejection from the server", func() {
		r := newRig(func(o *server.Options) {
			o.SendError = true
			o.StatusOut = cmp.PKIStatusInfo{
				Status:        cmp.StatusRejection,
				FailInfo:      cmp.FailSignerNotTrusted,
				StatusStrings: []string{"test string"},
			}
		}, nil)

		_, err := r.client.ExecRR(context.Background())
		Expect(err).To(HaveOccurred())

		last := r.client.LastStatus()
		Expect(last).NotTo(BeNil())
		Expect(last.Status).To(Equal(cmp.StatusRejection))
		Expect(last.FailInfo.Has(cmp.FailSignerNotTrusted)).To(BeTrue())
		Expect(last.StatusStrings).To(ContainElement(ContainSubstring("test string")))
	})
})
