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

// Package protection decides when message protection is required, verifies
// incoming protection, and computes outgoing protection. Both the client
// engine and the server responder run every message through a Policy.
package protection

import (
	"crypto"
	"crypto/hmac"
	"crypto/x509"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Policy holds the protection configuration of one party.
type Policy struct {
	// Log receives warnings about tolerated protection exceptions.
	Log logr.Logger

	Crypto cmp.Crypto
	Codec  cmp.Codec

	// Signing identity. When both Cert and Key are set, outgoing messages
	// are signature protected under SigAlg.
	Cert   *x509.Certificate
	Key    crypto.Signer
	SigAlg string

	// SharedSecret enables MAC protection under MACAlg when no signing
	// identity is configured.
	SharedSecret []byte
	MACAlg       string

	// Verification material for incoming signature protection.
	TrustedRoots     []*x509.Certificate
	Intermediates    []*x509.Certificate
	PinnedServerCert *x509.Certificate

	// ExpectedSender, when set, requires the signer certificate subject to
	// match it.
	ExpectedSender string

	// UnprotectedSend leaves outgoing messages unprotected.
	UnprotectedSend bool

	// UnprotectedErrors tolerates missing protection on negative replies
	// (client side).
	UnprotectedErrors bool

	// AcceptUnprotectedRequests tolerates missing protection on any request
	// (server side).
	AcceptUnprotectedRequests bool

	// PermitTAInExtraCertsForIR allows the trust anchor for an ip reply to
	// be taken from the reply's own extraCerts.
	PermitTAInExtraCertsForIR bool
}

// Alg returns the protection algorithm outgoing messages will carry, or the
// empty string when they go out unprotected.
func (p *Policy) Alg() string {
	switch {
	case p.UnprotectedSend:
		return ""
	case p.Cert != nil && p.Key != nil:
		return p.SigAlg
	case len(p.SharedSecret) > 0:
		return p.MACAlg
	default:
		return ""
	}
}

// Apply computes the protection of an outgoing message according to the
// policy. The header's protectionAlg is made authoritative before the
// protected part is serialized, since the algorithm field is itself covered.
func (p *Policy) Apply(msg *cmp.Message) error {
	if msg == nil {
		return cmp.ErrNullArgument
	}

	alg := p.Alg()
	msg.Header.ProtectionAlg = alg
	if alg == "" {
		msg.Protection = nil
		return nil
	}

	data, err := p.Codec.EncodeProtectedPart(msg.ProtectedPart())
	if err != nil {
		return err
	}

	if cmp.IsMACAlg(alg) {
		mac, err := p.Crypto.MAC(data, p.SharedSecret, alg)
		if err != nil {
			return err
		}
		msg.Protection = mac
		return nil
	}

	sig, err := p.Crypto.Sign(data, p.Key, alg)
	if err != nil {
		return err
	}
	msg.Protection = sig
	if p.Cert != nil {
		msg.ExtraCerts = append(msg.ExtraCerts, p.Cert.Raw)
	}
	return nil
}

// ValidateIncoming verifies the protection of a received message, or accepts
// its absence when one of the configured exceptions applies.
func (p *Policy) ValidateIncoming(msg *cmp.Message) error {
	if msg == nil {
		return cmp.ErrNullArgument
	}

	alg := msg.Header.ProtectionAlg
	if alg == "" {
		if p.unprotectedException(msg) {
			return nil
		}
		return fmt.Errorf("%w: message is not protected", cmp.ErrProtectionInvalid)
	}

	data, err := p.Codec.EncodeProtectedPart(msg.ProtectedPart())
	if err != nil {
		return err
	}

	if cmp.IsMACAlg(alg) {
		if len(p.SharedSecret) == 0 {
			return fmt.Errorf("%w: MAC protected message but no shared secret configured", cmp.ErrProtectionInvalid)
		}
		want, err := p.Crypto.MAC(data, p.SharedSecret, alg)
		if err != nil {
			return err
		}
		if !hmac.Equal(want, msg.Protection) {
			return fmt.Errorf("%w: MAC mismatch", cmp.ErrProtectionInvalid)
		}
		return nil
	}

	signer, err := p.findSigner(msg)
	if err != nil {
		return err
	}
	if err := p.Crypto.Verify(data, msg.Protection, signer.PublicKey, alg); err != nil {
		return fmt.Errorf("%w: %v", cmp.ErrProtectionInvalid, err)
	}
	return nil
}

// findSigner locates the certificate that protects the message: the pinned
// server certificate when configured, otherwise a certificate from
// extraCerts (whose subject matches ExpectedSender when that is set) that
// chains to the trusted roots. When no trusted roots are configured, the
// first such extraCerts certificate is returned without chain verification.
func (p *Policy) findSigner(msg *cmp.Message) (*x509.Certificate, error) {
	if p.PinnedServerCert != nil {
		return p.PinnedServerCert, nil
	}

	var lastErr error
	for _, der := range msg.ExtraCerts {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			lastErr = err
			continue
		}
		if p.ExpectedSender != "" && cert.Subject.String() != p.ExpectedSender {
			continue
		}
		if len(p.TrustedRoots) > 0 {
			if _, err := p.Crypto.BuildChain(cert, p.Intermediates, p.TrustedRoots); err == nil {
				return cert, nil
			} else {
				lastErr = err
			}
			if p.permitSelfSignedAnchor(msg, cert) {
				return cert, nil
			}
			continue
		}
		return cert, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: no trusted signer certificate: %v", cmp.ErrProtectionInvalid, lastErr)
	}
	return nil, fmt.Errorf("%w: no signer certificate available", cmp.ErrProtectionInvalid)
}

// permitSelfSignedAnchor implements the permitTAInExtraCertsForIR escape
// hatch: the trust anchor of an initialization response may travel in the
// response itself.
func (p *Policy) permitSelfSignedAnchor(msg *cmp.Message, cert *x509.Certificate) bool {
	if !p.PermitTAInExtraCertsForIR || msg.Body.Type() != cmp.BodyTypeIP {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// unprotectedException reports whether a message without protection is
// tolerated by configuration.
func (p *Policy) unprotectedException(msg *cmp.Message) bool {
	if p.AcceptUnprotectedRequests {
		p.Log.V(1).Info("ignoring missing protection of request message")
		return true
	}
	if !p.UnprotectedErrors {
		return false
	}

	switch msg.Body.Type() {
	case cmp.BodyTypeERROR:
		p.Log.V(1).Info("ignoring missing protection of error response")
		return true
	case cmp.BodyTypePKICONF:
		p.Log.V(1).Info("ignoring missing protection of PKI confirmation message")
		return true
	case cmp.BodyTypeRP:
		if rp := msg.Body.RP; len(rp.Status) > 0 && rp.Status[0].Status == cmp.StatusRejection {
			p.Log.V(1).Info("ignoring missing protection of revocation response with rejection status")
			return true
		}
	case cmp.BodyTypeIP, cmp.BodyTypeCP, cmp.BodyTypeKUP:
		rep := msg.Body.CertRep()
		if len(rep.Response) > 0 && rep.Response[0].Status.Status == cmp.StatusRejection {
			p.Log.V(1).Info("ignoring missing protection of certificate response with rejection status")
			return true
		}
	}
	return false
}
