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

// Package client implements the CMP client transaction engine: one Context
// per party runs IR, CR, P10CR, KUR, RR and GENM sessions against a CMP
// server, including polling and certificate confirmation.
package client

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
	"github.com/cert-manager/cmp/pkg/cmp/protection"
)

// CertConfCallback lets the caller veto an issued certificate before it is
// confirmed. Returning nil accepts the certificate; a non-nil status info
// (typically rejection with failure bits and reason text) is sent in the
// certConf instead of acceptance.
type CertConfCallback func(cert *x509.Certificate) *cmp.PKIStatusInfo

// Options configures a client Context. Transport, Codec and Crypto are
// required; everything else has a usable zero value.
type Options struct {
	// Log is the log sink of the engine. Defaults to a discarding logger.
	Log logr.Logger

	// Clock supplies message time and polling sleeps. Defaults to the real
	// clock.
	Clock clock.Clock

	Transport Transport
	Codec     cmp.Codec
	Crypto    cmp.Crypto

	// Identity used for protecting outgoing messages.
	Cert           *x509.Certificate
	Key            crypto.Signer
	ReferenceValue []byte
	SharedSecret   []byte

	// Peer verification material.
	ExpectedSender   string
	TrustedRoots     []*x509.Certificate
	Intermediates    []*x509.Certificate
	PinnedServerCert *x509.Certificate

	// Certificate template for IR/CR/KUR.
	NewKey         crypto.Signer
	Subject        string
	Issuer         string
	DNSNames       []string
	EmailAddresses []string
	IPAddresses    []string
	Policies       []string
	Extensions     []cmp.Extension

	// OldCert is the certificate being updated (KUR) or revoked (RR).
	OldCert *x509.Certificate

	// CSR is the PKCS#10 request sent verbatim in a P10CR.
	CSR *cmp.CertificationRequest

	// CertConf, when set, is consulted before confirming an issued
	// certificate.
	CertConf CertConfCallback

	// Behavior options, see also the Option table in options.go.
	MsgTimeout                time.Duration
	TotalTimeout              time.Duration
	ImplicitConfirm           bool
	DisableConfirm            bool
	UnprotectedSend           bool
	UnprotectedErrors         bool
	PopoMethod                cmp.POPOMethod
	DigestAlg                 string
	OWFAlg                    string
	MACAlg                    string
	SigAlg                    string
	RevocationReason          int
	ValidityDays              int
	SubjectAltNameNoDefault   bool
	SubjectAltNameCritical    bool
	PoliciesCritical          bool
	IgnoreKeyUsage            bool
	PermitTAInExtraCertsForIR bool
	LogVerbosity              int
}

// defaultMsgTimeout bounds a single round trip when the caller sets none.
const defaultMsgTimeout = 2 * time.Minute

// Context is the per-party client state: configuration, the protection
// policy derived from it, and the state of the transaction in flight. A
// Context runs one transaction at a time; concurrent transactions need
// distinct contexts.
type Context struct {
	opts   Options
	log    logr.Logger
	clock  clock.Clock
	policy *protection.Policy

	// mu guards against a second transaction entering while one is in
	// flight.
	mu sync.Mutex

	// Per-transaction state, cleared when the session terminates.
	transactionID []byte
	senderNonce   []byte
	recipNonce    []byte

	// Results of the most recent session. Cleared by Reinit.
	lastStatus   *cmp.PKIStatusInfo
	newCert      *x509.Certificate
	caPubs       []*x509.Certificate
	extraCertsIn []*x509.Certificate
}

// New builds a Context from options.
func New(opts Options) (*Context, error) {
	if opts.Transport == nil || opts.Codec == nil || opts.Crypto == nil {
		return nil, fmt.Errorf("%w: transport, codec and crypto are required", cmp.ErrNullArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.MsgTimeout == 0 {
		opts.MsgTimeout = defaultMsgTimeout
	}
	if opts.DigestAlg == "" {
		opts.DigestAlg = cmp.AlgSHA256
	}
	if opts.OWFAlg == "" {
		opts.OWFAlg = cmp.AlgSHA256
	}
	if opts.MACAlg == "" {
		opts.MACAlg = cmp.AlgHMACWithSHA256
	}
	if opts.SigAlg == "" {
		opts.SigAlg = cmp.AlgECDSAWithSHA256
	}
	if opts.PopoMethod == cmp.POPONone {
		opts.PopoMethod = cmp.POPOSignature
	}

	c := &Context{
		opts:  opts,
		log:   opts.Log.WithName("cmp-client"),
		clock: opts.Clock,
	}
	c.policy = &protection.Policy{
		Log:                       c.log.WithName("protection"),
		Crypto:                    opts.Crypto,
		Codec:                     opts.Codec,
		Cert:                      opts.Cert,
		Key:                       opts.Key,
		SigAlg:                    opts.SigAlg,
		SharedSecret:              opts.SharedSecret,
		MACAlg:                    opts.MACAlg,
		TrustedRoots:              opts.TrustedRoots,
		Intermediates:             opts.Intermediates,
		PinnedServerCert:          opts.PinnedServerCert,
		ExpectedSender:            opts.ExpectedSender,
		UnprotectedSend:           opts.UnprotectedSend,
		UnprotectedErrors:         opts.UnprotectedErrors,
		PermitTAInExtraCertsForIR: opts.PermitTAInExtraCertsForIR,
	}
	return c, nil
}

// Reinit clears all per-transaction state and session results while keeping
// the configuration, readying the context for the next transaction.
func (c *Context) Reinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactionID = nil
	c.senderNonce = nil
	c.recipNonce = nil
	c.lastStatus = nil
	c.newCert = nil
	c.caPubs = nil
	c.extraCertsIn = nil
}

// TransactionID returns the transaction ID of the session in flight, nil
// between sessions.
func (c *Context) TransactionID() []byte { return c.transactionID }

// LastStatus returns the PKIStatusInfo most recently received from the
// server, nil when none has been seen.
func (c *Context) LastStatus() *cmp.PKIStatusInfo { return c.lastStatus }

// NewCert returns the certificate issued by the most recent successful
// certificate transaction.
func (c *Context) NewCert() *x509.Certificate { return c.newCert }

// CAPubs returns the CA certificates published alongside issued
// certificates.
func (c *Context) CAPubs() []*x509.Certificate { return c.caPubs }

// ExtraCertsIn returns the extraCerts received in responses.
func (c *Context) ExtraCertsIn() []*x509.Certificate { return c.extraCertsIn }

// Context implements cmp.HeaderSource for outgoing requests.
var _ cmp.HeaderSource = &Context{}

// SenderName derives the sender directory name: the subject of the client
// certificate, the configured subject template, or the reference value for
// MAC protection. When sending unprotected the NULL-DN is legal; otherwise a
// missing identity is an error.
func (c *Context) SenderName() (string, error) {
	switch {
	case c.opts.Cert != nil:
		return c.opts.Cert.Subject.String(), nil
	case c.opts.Subject != "":
		return c.opts.Subject, nil
	case len(c.opts.ReferenceValue) > 0:
		return "CN=" + string(c.opts.ReferenceValue), nil
	case c.opts.UnprotectedSend || len(c.opts.SharedSecret) > 0:
		return "", nil
	default:
		return "", cmp.ErrMissingSenderIdentity
	}
}

// RecipientName is the configured expected sender, the issuer of the client
// certificate, the configured issuer, or the NULL-DN.
func (c *Context) RecipientName() string {
	switch {
	case c.opts.ExpectedSender != "":
		return c.opts.ExpectedSender
	case c.opts.Cert != nil:
		return c.opts.Cert.Issuer.String()
	case c.opts.Issuer != "":
		return c.opts.Issuer
	default:
		return ""
	}
}

// SenderKID is the subject key identifier of the protection certificate or
// the reference value.
func (c *Context) SenderKID() []byte {
	if c.opts.Cert != nil && len(c.opts.Cert.SubjectKeyId) > 0 {
		return c.opts.Cert.SubjectKeyId
	}
	return c.opts.ReferenceValue
}

// ProtectionAlg reports the algorithm outgoing protection will use.
func (c *Context) ProtectionAlg() string { return c.policy.Alg() }

// RecipNonce returns the sender nonce last received from the server.
func (c *Context) RecipNonce() []byte { return c.recipNonce }

// ImplicitConfirm reports whether requests ask for implicit confirmation.
func (c *Context) ImplicitConfirm() bool { return c.opts.ImplicitConfirm }
