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
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// ExecIR runs an initialization request session and returns the issued
// certificate.
func (c *Context) ExecIR(ctx context.Context) (*x509.Certificate, error) {
	return c.execCertSession(ctx, cmp.BodyTypeIR)
}

// ExecCR runs a certificate request session and returns the issued
// certificate.
func (c *Context) ExecCR(ctx context.Context) (*x509.Certificate, error) {
	return c.execCertSession(ctx, cmp.BodyTypeCR)
}

// ExecP10CR runs a PKCS#10 certificate request session and returns the
// issued certificate.
func (c *Context) ExecP10CR(ctx context.Context) (*x509.Certificate, error) {
	return c.execCertSession(ctx, cmp.BodyTypeP10CR)
}

// ExecKUR runs a key update request session and returns the issued
// certificate.
func (c *Context) ExecKUR(ctx context.Context) (*x509.Certificate, error) {
	return c.execCertSession(ctx, cmp.BodyTypeKUR)
}

// Revocation outcome codes returned by ExecRR.
const (
	RevocationAccepted        = 1
	RevocationGrantedWithMods = 2
	RevocationRejected        = 3
	RevocationWarning         = 5
	RevocationNotification    = 6
)

// ExecRR runs a revocation request session for the configured old
// certificate. The returned outcome code reflects the server's PKIStatus;
// rejection is reported as an outcome, not an error.
func (c *Context) ExecRR(ctx context.Context) (int, error) {
	if err := c.beginTransaction(); err != nil {
		return 0, err
	}
	defer c.endTransaction()

	if c.opts.OldCert == nil {
		return 0, fmt.Errorf("%w: no certificate to revoke", cmp.ErrInvalidArgs)
	}
	details := cmp.RevDetails{
		CertID: cmp.CertID{
			Issuer:       c.opts.OldCert.Issuer.String(),
			SerialNumber: c.opts.OldCert.SerialNumber.String(),
		},
		Reason: c.opts.RevocationReason,
	}
	req, err := cmp.NewRR(c, c.clock, details)
	if err != nil {
		return 0, err
	}
	if err := c.finalizeOutgoing(req); err != nil {
		return 0, err
	}

	reply, err := c.sendReceiveCheck(ctx, req, cmp.BodyTypeRP)
	if err != nil {
		return 0, err
	}
	if reply.Body.Type() == cmp.BodyTypePOLLREP {
		if reply, err = c.pollAfterRep(ctx, cmp.BodyTypeRP, reply); err != nil {
			return 0, err
		}
	}

	si, err := c.saveRevStatus(reply)
	if err != nil {
		return 0, err
	}
	if si.Status == cmp.StatusWaiting {
		reply, err = c.pollForResponse(ctx, cmp.BodyTypeRP)
		if err != nil {
			return 0, err
		}
		if si, err = c.saveRevStatus(reply); err != nil {
			return 0, err
		}
	}

	switch si.Status {
	case cmp.StatusAccepted:
		c.log.V(1).Info("revocation accepted", "status", si.Status.String())
		return RevocationAccepted, nil
	case cmp.StatusGrantedWithMods:
		return RevocationGrantedWithMods, nil
	case cmp.StatusRejection:
		c.log.Info("revocation rejected", "status", si.String())
		return RevocationRejected, nil
	case cmp.StatusRevocationWarning:
		return RevocationWarning, nil
	case cmp.StatusRevocationNotification:
		return RevocationNotification, nil
	default:
		return 0, fmt.Errorf("%w: %s in revocation response", cmp.ErrUnexpectedStatus, si.Status)
	}
}

// ExecGENM runs a general message session carrying the given ITAVs and
// returns the ITAVs of the response.
func (c *Context) ExecGENM(ctx context.Context, itavs []cmp.ITAV) ([]cmp.ITAV, error) {
	if err := c.beginTransaction(); err != nil {
		return nil, err
	}
	defer c.endTransaction()

	req, err := cmp.NewGENM(c, c.clock, itavs)
	if err != nil {
		return nil, err
	}
	if err := c.finalizeOutgoing(req); err != nil {
		return nil, err
	}

	reply, err := c.sendReceiveCheck(ctx, req, cmp.BodyTypeGENP)
	if err != nil {
		return nil, err
	}
	return []cmp.ITAV(*reply.Body.GENP), nil
}

// beginTransaction takes the single-transaction guard without blocking.
func (c *Context) beginTransaction() error {
	if !c.mu.TryLock() {
		return cmp.ErrTransactionInFlight
	}
	return nil
}

// endTransaction clears the per-transaction identifiers and releases the
// guard. The session results (last status, issued certificate, caPubs)
// survive until Reinit.
func (c *Context) endTransaction() {
	c.transactionID = nil
	c.senderNonce = nil
	c.recipNonce = nil
	c.mu.Unlock()
}

// finalizeOutgoing protects the message and records its transaction ID and
// sender nonce as the session state.
func (c *Context) finalizeOutgoing(msg *cmp.Message) error {
	if err := c.policy.Apply(msg); err != nil {
		return err
	}
	c.transactionID = msg.Header.TransactionID
	c.senderNonce = msg.Header.SenderNonce
	return nil
}

// replyTypeFor maps a request body type onto the expected reply type.
func replyTypeFor(reqType cmp.BodyType) cmp.BodyType {
	switch reqType {
	case cmp.BodyTypeIR:
		return cmp.BodyTypeIP
	case cmp.BodyTypeCR, cmp.BodyTypeP10CR:
		return cmp.BodyTypeCP
	case cmp.BodyTypeKUR:
		return cmp.BodyTypeKUP
	default:
		return cmp.BodyTypeNone
	}
}

// bodyKindAccepted implements the body-kind check: the reply must be of the
// expected type, except that a pollRep may stand in for a certificate or
// revocation response, and a final response may arrive in place of an
// expected pollRep.
func bodyKindAccepted(expected, got cmp.BodyType) bool {
	if got == expected {
		return true
	}
	switch expected {
	case cmp.BodyTypeIP, cmp.BodyTypeCP, cmp.BodyTypeKUP, cmp.BodyTypeRP:
		return got == cmp.BodyTypePOLLREP
	case cmp.BodyTypePOLLREP:
		switch got {
		case cmp.BodyTypeIP, cmp.BodyTypeCP, cmp.BodyTypeKUP, cmp.BodyTypeRP:
			return true
		}
	}
	return false
}

// sendReceiveCheck performs the generic part of one exchange: round trip,
// header discipline, protection validation and the body-kind check. On
// success the peer's sender nonce is recorded for echoing in the next
// request.
func (c *Context) sendReceiveCheck(ctx context.Context, req *cmp.Message, expected cmp.BodyType) (*cmp.Message, error) {
	c.log.V(1).Info("sending request", "body", req.Body.Type().String())

	reply, err := c.opts.Transport.RoundTrip(ctx, req, c.opts.MsgTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", cmp.ErrCancelled, err)
		}
		return nil, err
	}
	c.log.V(1).Info("received reply", "body", reply.Body.Type().String())

	if err := cmp.CheckReplyHeader(req, reply); err != nil {
		return nil, err
	}
	if err := c.policy.ValidateIncoming(reply); err != nil {
		return nil, err
	}

	if got := reply.Body.Type(); !bodyKindAccepted(expected, got) {
		if got == cmp.BodyTypeERROR {
			si := reply.Body.Error.PKIStatusInfo
			c.lastStatus = &si
			return nil, fmt.Errorf("%w: received ERROR: %s", cmp.ErrUnexpectedBody, si.String())
		}
		return nil, fmt.Errorf("%w: want %s, got %s", cmp.ErrUnexpectedBody, expected, got)
	}

	c.recipNonce = reply.Header.SenderNonce
	return reply, nil
}

// execCertSession runs the full certificate request state machine for one
// of IR, CR, P10CR or KUR.
func (c *Context) execCertSession(ctx context.Context, reqType cmp.BodyType) (*x509.Certificate, error) {
	if err := c.beginTransaction(); err != nil {
		return nil, err
	}
	defer c.endTransaction()

	req, err := c.buildCertRequest(reqType)
	if err != nil {
		return nil, err
	}
	if err := c.finalizeOutgoing(req); err != nil {
		return nil, err
	}

	reply, err := c.sendReceiveCheck(ctx, req, replyTypeFor(reqType))
	if err != nil {
		return nil, err
	}
	return c.certResponse(ctx, reqType, reply)
}

// buildCertRequest constructs the request message for the given type from
// the context template.
func (c *Context) buildCertRequest(reqType cmp.BodyType) (*cmp.Message, error) {
	if reqType == cmp.BodyTypeP10CR {
		if c.opts.CSR == nil {
			return nil, fmt.Errorf("%w: no PKCS#10 request configured", cmp.ErrInvalidArgs)
		}
		return cmp.NewP10CR(c, c.clock, *c.opts.CSR)
	}

	tmpl, err := c.certTemplate()
	if err != nil {
		return nil, err
	}
	pop, err := c.proofOfPossession(&tmpl)
	if err != nil {
		return nil, err
	}
	reqMsg := cmp.CertReqMsg{
		CertReqID: cmp.CertReqID,
		Template:  tmpl,
		POP:       pop,
	}

	switch reqType {
	case cmp.BodyTypeIR:
		return cmp.NewIR(c, c.clock, cmp.CertReqMessages{reqMsg})
	case cmp.BodyTypeCR:
		return cmp.NewCR(c, c.clock, cmp.CertReqMessages{reqMsg})
	case cmp.BodyTypeKUR:
		if c.opts.OldCert == nil {
			return nil, fmt.Errorf("%w: key update without old certificate", cmp.ErrInvalidArgs)
		}
		reqMsg.OldCertID = &cmp.CertID{
			Issuer:       c.opts.OldCert.Issuer.String(),
			SerialNumber: c.opts.OldCert.SerialNumber.String(),
		}
		return cmp.NewKUR(c, c.clock, cmp.CertReqMessages{reqMsg})
	default:
		return nil, fmt.Errorf("%w: %s is not a certificate request type", cmp.ErrInvalidArgs, reqType)
	}
}

// certTemplate assembles the CRMF template from the configured identity and
// subject data.
func (c *Context) certTemplate() (cmp.CertTemplate, error) {
	tmpl := cmp.CertTemplate{
		Issuer:                 c.opts.Issuer,
		DNSNames:               c.opts.DNSNames,
		EmailAddresses:         c.opts.EmailAddresses,
		IPAddresses:            c.opts.IPAddresses,
		Policies:               c.opts.Policies,
		PoliciesCritical:       c.opts.PoliciesCritical,
		SubjectAltNameCritical: c.opts.SubjectAltNameCritical,
		ValidityDays:           c.opts.ValidityDays,
		Extensions:             c.opts.Extensions,
	}

	switch {
	case c.opts.Subject != "":
		tmpl.Subject = c.opts.Subject
	case c.opts.OldCert != nil:
		tmpl.Subject = c.opts.OldCert.Subject.String()
	case c.opts.Cert != nil:
		tmpl.Subject = c.opts.Cert.Subject.String()
	}

	// Default the SANs from the certificate being updated unless disabled.
	if !c.opts.SubjectAltNameNoDefault && len(tmpl.DNSNames) == 0 && c.opts.OldCert != nil {
		tmpl.DNSNames = c.opts.OldCert.DNSNames
	}

	if c.opts.NewKey != nil {
		der, err := marshalPublicKey(c.opts.NewKey.Public())
		if err != nil {
			return cmp.CertTemplate{}, err
		}
		tmpl.PublicKey = der
	}
	return tmpl, nil
}

// proofOfPossession produces the POP for the template: RAVerified when no
// key is available, a signature by the new key otherwise.
func (c *Context) proofOfPossession(tmpl *cmp.CertTemplate) (cmp.ProofOfPossession, error) {
	method := c.opts.PopoMethod
	if c.opts.NewKey == nil {
		method = cmp.POPORAVerified
	}

	switch method {
	case cmp.POPORAVerified:
		return cmp.ProofOfPossession{Method: cmp.POPORAVerified}, nil
	case cmp.POPOSignature:
		sig, err := c.opts.Crypto.Sign(tmpl.POPInput(), c.opts.NewKey, c.opts.SigAlg)
		if err != nil {
			return cmp.ProofOfPossession{}, err
		}
		return cmp.ProofOfPossession{
			Method:    cmp.POPOSignature,
			Signature: sig,
			Alg:       c.opts.SigAlg,
		}, nil
	case cmp.POPONone:
		return cmp.ProofOfPossession{Method: cmp.POPONone}, nil
	default:
		return cmp.ProofOfPossession{}, fmt.Errorf("%w: popo method %d not supported", cmp.ErrInvalidArgs, method)
	}
}

// certResponse handles an ip/cp/kup reply: status bookkeeping, polling on
// waiting status, certificate extraction and confirmation.
func (c *Context) certResponse(ctx context.Context, reqType cmp.BodyType, reply *cmp.Message) (*x509.Certificate, error) {
	finalType := replyTypeFor(reqType)

	// A pollRep standing in for the certificate response puts the session
	// straight into the poll loop.
	if reply.Body.Type() == cmp.BodyTypePOLLREP {
		var err error
		if reply, err = c.pollAfterRep(ctx, finalType, reply); err != nil {
			return nil, err
		}
	}

	resp, err := c.saveCertStatus(reply)
	if err != nil {
		return nil, err
	}
	if resp.Status.Status == cmp.StatusWaiting {
		if reply, err = c.pollForResponse(ctx, finalType); err != nil {
			return nil, err
		}
		if resp, err = c.saveCertStatus(reply); err != nil {
			return nil, err
		}
	}

	if resp.CertReqID != cmp.CertReqID {
		return nil, fmt.Errorf("%w: %d", cmp.ErrUnexpectedRequestID, resp.CertReqID)
	}
	if resp.Status.Status != cmp.StatusAccepted && resp.Status.Status != cmp.StatusGrantedWithMods {
		return nil, fmt.Errorf("%w: %s", cmp.ErrRequestNotAccepted, resp.Status.String())
	}

	cert, err := c.extractCert(resp)
	if err != nil {
		return nil, err
	}

	rep := reply.Body.CertRep()
	for _, der := range rep.CAPubs {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing caPubs certificate: %v", cmp.ErrCodec, err)
		}
		c.caPubs = append(c.caPubs, ca)
	}
	for _, der := range reply.ExtraCerts {
		ec, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing extraCerts certificate: %v", cmp.ErrCodec, err)
		}
		c.extraCertsIn = append(c.extraCertsIn, ec)
	}

	if !c.opts.DisableConfirm && !reply.Header.ImplicitConfirm() {
		if err := c.sendCertConf(ctx, cert, reply.Header.ProtectionAlg); err != nil {
			return nil, err
		}
	}

	c.newCert = cert
	return cert, nil
}

// saveCertStatus records the status of the first certificate response
// element as the session status.
func (c *Context) saveCertStatus(reply *cmp.Message) (*cmp.CertResponse, error) {
	rep := reply.Body.CertRep()
	if rep == nil || len(rep.Response) == 0 {
		return nil, fmt.Errorf("%w: certificate response without response element", cmp.ErrCodec)
	}
	resp := &rep.Response[0]
	si := resp.Status
	c.lastStatus = &si
	return resp, nil
}

// saveRevStatus records the status of the first revocation response element
// as the session status.
func (c *Context) saveRevStatus(reply *cmp.Message) (*cmp.PKIStatusInfo, error) {
	rp := reply.Body.RP
	if rp == nil || len(rp.Status) == 0 {
		return nil, fmt.Errorf("%w: revocation response without status", cmp.ErrCodec)
	}
	si := rp.Status[0]
	c.lastStatus = &si
	return &si, nil
}

// extractCert pulls the issued certificate out of a response element,
// decrypting it with the new key when it was key-transport encrypted.
func (c *Context) extractCert(resp *cmp.CertResponse) (*x509.Certificate, error) {
	if resp.CertifiedKeyPair == nil {
		return nil, fmt.Errorf("%w: response carries no certificate", cmp.ErrUnexpectedBody)
	}
	der := resp.CertifiedKeyPair.CertOrEncCert.Certificate
	if len(der) == 0 {
		enc := resp.CertifiedKeyPair.CertOrEncCert.EncryptedCert
		if len(enc) == 0 {
			return nil, fmt.Errorf("%w: response carries no certificate", cmp.ErrUnexpectedBody)
		}
		if c.opts.NewKey == nil {
			return nil, fmt.Errorf("%w: encrypted certificate but no private key", cmp.ErrInvalidArgs)
		}
		var err error
		if der, err = c.opts.Crypto.DecryptKeyTransport(enc, c.opts.NewKey); err != nil {
			return nil, err
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing issued certificate: %v", cmp.ErrCodec, err)
	}
	return cert, nil
}

// pollForResponse runs the waiting-status poll loop until the final
// response of the given type arrives or the total timeout budget is spent.
func (c *Context) pollForResponse(ctx context.Context, finalType cmp.BodyType) (*cmp.Message, error) {
	c.log.V(1).Info("received waiting status, polling for response")

	timeLeft := c.opts.TotalTimeout
	limited := timeLeft > 0

	for {
		preq, err := cmp.NewPollReq(c, c.clock, cmp.CertReqID)
		if err != nil {
			return nil, err
		}
		if err := c.finalizeOutgoing(preq); err != nil {
			return nil, err
		}

		reply, err := c.sendReceiveCheck(ctx, preq, cmp.BodyTypePOLLREP)
		if err != nil {
			if errors.Is(err, cmp.ErrTransportTimeout) {
				return nil, fmt.Errorf("%w: %v", cmp.ErrPollTimeout, err)
			}
			return nil, err
		}

		if reply.Body.Type() != cmp.BodyTypePOLLREP {
			if reply.Body.Type() != finalType {
				return nil, fmt.Errorf("%w: want %s, got %s", cmp.ErrUnexpectedBody, finalType, reply.Body.Type())
			}
			c.log.V(1).Info("got final response on polling request")
			return reply, nil
		}

		pr := (*reply.Body.PollRep)[0]
		if pr.CertReqID != cmp.CertReqID {
			return nil, fmt.Errorf("%w: %d in pollRep", cmp.ErrUnexpectedRequestID, pr.CertReqID)
		}

		wait := time.Duration(pr.CheckAfter) * time.Second
		if limited {
			if timeLeft > wait {
				timeLeft -= wait
			} else {
				// Sleep out the remaining budget, then give up before the
				// next poll.
				wait = timeLeft
				timeLeft = 0
			}
		}
		c.log.V(1).Info("waiting before next poll", "checkAfter", wait.String())
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if limited && timeLeft == 0 {
			return nil, cmp.ErrPollTimeout
		}
	}
}

// pollAfterRep handles a pollRep that arrived in place of the certificate
// response: honor its checkAfter, then continue the regular poll loop.
func (c *Context) pollAfterRep(ctx context.Context, finalType cmp.BodyType, reply *cmp.Message) (*cmp.Message, error) {
	pr := (*reply.Body.PollRep)[0]
	if pr.CertReqID != cmp.CertReqID {
		return nil, fmt.Errorf("%w: %d in pollRep", cmp.ErrUnexpectedRequestID, pr.CertReqID)
	}
	if err := c.sleep(ctx, time.Duration(pr.CheckAfter)*time.Second); err != nil {
		return nil, err
	}
	return c.pollForResponse(ctx, finalType)
}

// sendCertConf exchanges the certConf/PKIconf pair that closes an explicit
// confirmation.
func (c *Context) sendCertConf(ctx context.Context, cert *x509.Certificate, protectionAlg string) error {
	owf := c.opts.OWFAlg
	if protectionAlg != "" {
		owf = cmp.OWFForAlg(protectionAlg)
	}
	hash, err := c.opts.Crypto.Digest(cert.Raw, owf)
	if err != nil {
		return err
	}

	si := &cmp.PKIStatusInfo{Status: cmp.StatusAccepted}
	if c.opts.CertConf != nil {
		if veto := c.opts.CertConf(cert); veto != nil {
			c.log.Info("certificate rejected by confirmation callback", "status", veto.String())
			si = veto
		}
	}

	conf, err := cmp.NewCertConf(c, c.clock, cmp.CertStatus{
		CertReqID:  cmp.CertReqID,
		CertHash:   hash,
		StatusInfo: si,
	})
	if err != nil {
		return err
	}
	if err := c.finalizeOutgoing(conf); err != nil {
		return err
	}

	if _, err := c.sendReceiveCheck(ctx, conf, cmp.BodyTypePKICONF); err != nil {
		if errors.Is(err, cmp.ErrTransport) || errors.Is(err, cmp.ErrUnexpectedBody) {
			return fmt.Errorf("%w: %v", cmp.ErrPKIConfNotReceived, err)
		}
		return err
	}
	return nil
}

// sleep waits for d on the engine clock, honoring cancellation.
func (c *Context) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", cmp.ErrCancelled, ctx.Err())
	}
}

// marshalPublicKey serializes a public key as DER SubjectPublicKeyInfo.
func marshalPublicKey(pub interface{}) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling public key: %v", cmp.ErrInvalidArgs, err)
	}
	return der, nil
}
