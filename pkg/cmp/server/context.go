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

// Package server implements the CMP responder: a per-request state machine
// mirroring the client transaction engine, dispatching decoded messages to
// a handler and producing protected responses.
package server

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/pkg/cmp/protection"
	"github.com/cert-manager/cmp/internal/metrics"
)

// Options configures a server Context. Codec and Crypto are required.
type Options struct {
	// Log is the responder's log sink. Defaults to a discarding logger.
	Log logr.Logger

	// Clock supplies response message time. Defaults to the real clock.
	Clock clock.Clock

	Codec  cmp.Codec
	Crypto cmp.Crypto

	// Identity used for protecting responses.
	Cert           *x509.Certificate
	Key            crypto.Signer
	SigAlg         string
	SharedSecret   []byte
	MACAlg         string
	ReferenceValue []byte

	// Canned response data of the responder.
	CertOut   *x509.Certificate
	ChainOut  []*x509.Certificate
	CAPubsOut []*x509.Certificate

	// StatusOut is the PKIStatusInfo returned in certificate and revocation
	// responses. The zero value reports acceptance.
	StatusOut cmp.PKIStatusInfo

	// Behavior toggles.
	GrantImplicitConfirm      bool
	SendUnprotectedErrors     bool
	AcceptUnprotectedRequests bool
	AcceptRAVerified          bool

	// SendError short-circuits every request into an ERROR response
	// carrying StatusOut.
	SendError bool

	// PollCount is the number of pollRep answers a certificate request goes
	// through before the deferred response is released.
	PollCount int

	// CheckAfterTime is the checkAfter value of pollRep answers, in
	// seconds. Defaults to 1.
	CheckAfterTime int64

	// Handler processes dispatched requests. Defaults to DefaultHandler.
	Handler Handler

	// Registry receives responder metrics when set.
	Registry prometheus.Registerer
}

// Context is the per-responder state: configuration, protection policy,
// and the memo of the pending polled transaction. One request is processed
// at a time.
type Context struct {
	opts    Options
	log     logr.Logger
	clock   clock.Clock
	policy  *protection.Policy
	handler Handler
	metrics *metrics.Responder

	// mu serializes Process.
	mu sync.Mutex

	// pollCount counts down the remaining pollRep answers of the pending
	// transaction.
	pollCount int

	// Per-request and per-transaction state.
	recipient       string
	recipNonce      []byte
	transactionID   []byte
	implicitConfirm bool

	// certReq memoizes the certificate request that is being polled for.
	certReq   *cmp.Message
	certReqID int
}

// New builds a responder Context from options.
func New(opts Options) (*Context, error) {
	if opts.Codec == nil || opts.Crypto == nil {
		return nil, fmt.Errorf("%w: codec and crypto are required", cmp.ErrNullArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.SigAlg == "" {
		opts.SigAlg = cmp.AlgECDSAWithSHA256
	}
	if opts.MACAlg == "" {
		opts.MACAlg = cmp.AlgHMACWithSHA256
	}
	if opts.CheckAfterTime == 0 {
		opts.CheckAfterTime = 1
	}
	if opts.Handler == nil {
		opts.Handler = DefaultHandler{}
	}

	s := &Context{
		opts:      opts,
		log:       opts.Log.WithName("cmp-server"),
		clock:     opts.Clock,
		handler:   opts.Handler,
		metrics:   metrics.NewResponder(opts.Registry),
		pollCount: opts.PollCount,
	}
	s.policy = &protection.Policy{
		Log:                       s.log.WithName("protection"),
		Crypto:                    opts.Crypto,
		Codec:                     opts.Codec,
		Cert:                      opts.Cert,
		Key:                       opts.Key,
		SigAlg:                    opts.SigAlg,
		SharedSecret:              opts.SharedSecret,
		MACAlg:                    opts.MACAlg,
		AcceptUnprotectedRequests: opts.AcceptUnprotectedRequests,
	}
	return s, nil
}

// Reinit clears the per-transaction state, readying the responder for a new
// session.
func (s *Context) Reinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipient = ""
	s.recipNonce = nil
	s.transactionID = nil
	s.implicitConfirm = false
	s.certReq = nil
	s.certReqID = 0
	s.pollCount = s.opts.PollCount
}

// Context implements cmp.HeaderSource for responses.
var _ cmp.HeaderSource = &Context{}

// SenderName derives the responder's sender name from its protection
// identity.
func (s *Context) SenderName() (string, error) {
	switch {
	case s.opts.Cert != nil:
		return s.opts.Cert.Subject.String(), nil
	case len(s.opts.ReferenceValue) > 0:
		return "CN=" + string(s.opts.ReferenceValue), nil
	default:
		return "", nil
	}
}

// RecipientName echoes the sender of the request being answered.
func (s *Context) RecipientName() string { return s.recipient }

// SenderKID is the subject key identifier of the responder certificate or
// the reference value.
func (s *Context) SenderKID() []byte {
	if s.opts.Cert != nil && len(s.opts.Cert.SubjectKeyId) > 0 {
		return s.opts.Cert.SubjectKeyId
	}
	return s.opts.ReferenceValue
}

// ProtectionAlg reports the algorithm responses are protected with.
func (s *Context) ProtectionAlg() string { return s.policy.Alg() }

// TransactionID echoes the transaction of the request being answered.
func (s *Context) TransactionID() []byte { return s.transactionID }

// RecipNonce echoes the sender nonce of the request being answered.
func (s *Context) RecipNonce() []byte { return s.recipNonce }

// ImplicitConfirm reports whether the response grants implicit
// confirmation.
func (s *Context) ImplicitConfirm() bool { return s.implicitConfirm }
