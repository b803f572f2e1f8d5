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
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Handler processes dispatched CMP requests, one method per incoming body
// type. DefaultHandler provides the canned-responder behavior; callers embed
// it and override individual methods.
type Handler interface {
	ProcessCertRequest(s *Context, req *cmp.Message) (*cmp.Message, error)
	ProcessRR(s *Context, req *cmp.Message) (*cmp.Message, error)
	ProcessPollReq(s *Context, req *cmp.Message) (*cmp.Message, error)
	ProcessCertConf(s *Context, req *cmp.Message) (*cmp.Message, error)
	ProcessError(s *Context, req *cmp.Message) (*cmp.Message, error)
	ProcessGENM(s *Context, req *cmp.Message) (*cmp.Message, error)
}

// Process runs the responder state machine on one decoded request and
// returns the response message. Handler failures are converted into ERROR
// responses; only a request that cannot be decoded or whose sender is not a
// directory name yields an error and no response.
func (s *Context) Process(ctx context.Context, req *cmp.Message) (*cmp.Message, error) {
	if req == nil {
		return nil, cmp.ErrNullArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bodyName := req.Body.Type().String()
	s.metrics.ObserveRequest(bodyName)

	// Encode and re-decode the request, asserting it survives the wire.
	req, err := s.opts.Codec.Dup(req)
	if err != nil {
		return nil, err
	}

	if !req.Header.Sender.IsDirectoryName() {
		return nil, fmt.Errorf("%w: %q", cmp.ErrSenderTypeUnsupported, req.Header.Sender.DNSName)
	}

	// Record the requester for response header construction.
	s.recipient = req.Header.Sender.DirectoryName
	s.recipNonce = req.Header.SenderNonce
	s.transactionID = req.Header.TransactionID
	s.implicitConfirm = false

	resp, err := s.respond(ctx, req)
	if err != nil {
		s.log.Error(err, "request failed, responding with ERROR", "body", bodyName)
		s.metrics.ObserveError(bodyName)
		if resp, err = s.errorResponse(err); err != nil {
			return nil, err
		}
	}

	if err := s.applyResponseProtection(resp); err != nil {
		return nil, err
	}
	s.log.V(1).Info("processed request", "body", bodyName, "response", resp.Body.Type().String())
	return resp, nil
}

// respond validates the request and dispatches it to the handler.
func (s *Context) respond(ctx context.Context, req *cmp.Message) (*cmp.Message, error) {
	_ = ctx

	if req.Header.PVNO != cmp.PVNO {
		return nil, fmt.Errorf("%w: pvno %d", cmp.ErrUnsupportedVersion, req.Header.PVNO)
	}
	if err := s.policy.ValidateIncoming(req); err != nil {
		return nil, err
	}

	// Fault injection: answer anything with the canned error.
	if s.opts.SendError {
		return cmp.NewErrorMsg(s, s.clock, s.opts.StatusOut, -1, nil)
	}

	switch req.Body.Type() {
	case cmp.BodyTypeIR, cmp.BodyTypeCR, cmp.BodyTypeP10CR, cmp.BodyTypeKUR:
		return s.handler.ProcessCertRequest(s, req)
	case cmp.BodyTypeRR:
		return s.handler.ProcessRR(s, req)
	case cmp.BodyTypePOLLREQ:
		return s.handler.ProcessPollReq(s, req)
	case cmp.BodyTypeCERTCONF:
		return s.handler.ProcessCertConf(s, req)
	case cmp.BodyTypeERROR:
		return s.handler.ProcessError(s, req)
	case cmp.BodyTypeGENM:
		return s.handler.ProcessGENM(s, req)
	default:
		return nil, fmt.Errorf("%w: %s", cmp.ErrUnexpectedBody, req.Body.Type())
	}
}

// errorResponse converts a handler failure into a CMP ERROR response with a
// best-effort failInfo and the failure text as errorDetails.
func (s *Context) errorResponse(cause error) (*cmp.Message, error) {
	si := cmp.PKIStatusInfo{
		Status:   cmp.StatusRejection,
		FailInfo: cmp.FailInfoForError(cause),
	}
	return cmp.NewErrorMsg(s, s.clock, si, -1, []string{cause.Error()})
}

// applyResponseProtection protects a response, leaving ERROR, PKIconf and
// rejected revocation responses unprotected when so configured.
func (s *Context) applyResponseProtection(resp *cmp.Message) error {
	if s.opts.SendUnprotectedErrors && unprotectedResponseEligible(resp) {
		resp.Header.ProtectionAlg = ""
		resp.Protection = nil
		return nil
	}
	return s.policy.Apply(resp)
}

func unprotectedResponseEligible(resp *cmp.Message) bool {
	switch resp.Body.Type() {
	case cmp.BodyTypeERROR, cmp.BodyTypePKICONF:
		return true
	case cmp.BodyTypeRP:
		rp := resp.Body.RP
		return len(rp.Status) > 0 && rp.Status[0].Status == cmp.StatusRejection
	}
	return false
}

// RoundTrip lets the responder stand in for a remote server as the client
// engine's transport. Request and response are both passed through the
// codec, mirroring what a real wire would do.
func (s *Context) RoundTrip(ctx context.Context, req *cmp.Message, timeout time.Duration) (*cmp.Message, error) {
	_ = timeout // the in-process exchange does not block on i/o

	resp, err := s.Process(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrTransportBadReply, err)
	}
	return s.opts.Codec.Dup(resp)
}

// DefaultHandler is the canned responder: it issues the configured
// certificate, defers through the configured number of polls, verifies
// confirmations, and accepts revocation only of the certificate it issues.
type DefaultHandler struct{}

var _ Handler = DefaultHandler{}

// certReqs returns the CertReqMessages of an ir/cr/kur body.
func certReqs(req *cmp.Message) (cmp.CertReqMessages, error) {
	var reqs *cmp.CertReqMessages
	switch req.Body.Type() {
	case cmp.BodyTypeIR:
		reqs = req.Body.IR
	case cmp.BodyTypeCR:
		reqs = req.Body.CR
	case cmp.BodyTypeKUR:
		reqs = req.Body.KUR
	default:
		return nil, fmt.Errorf("%w: %s carries no CertReqMessages", cmp.ErrUnexpectedBody, req.Body.Type())
	}
	if len(*reqs) == 0 {
		return nil, fmt.Errorf("%w: empty CertReqMessages", cmp.ErrCodec)
	}
	return *reqs, nil
}

// ProcessCertRequest answers an ir/cr/p10cr/kur with the corresponding
// ip/cp/kup.
func (DefaultHandler) ProcessCertRequest(s *Context, req *cmp.Message) (*cmp.Message, error) {
	var respType cmp.BodyType
	switch req.Body.Type() {
	case cmp.BodyTypeIR:
		respType = cmp.BodyTypeIP
	case cmp.BodyTypeCR, cmp.BodyTypeP10CR:
		respType = cmp.BodyTypeCP
	case cmp.BodyTypeKUR:
		respType = cmp.BodyTypeKUP
	default:
		return nil, fmt.Errorf("%w: %s", cmp.ErrUnexpectedBody, req.Body.Type())
	}

	// A single pending polled transaction is supported; a second one is
	// rejected while the first is in flight.
	if s.certReq != nil && !bytes.Equal(s.certReq.Header.TransactionID, req.Header.TransactionID) {
		return nil, cmp.ErrTransactionIDInUse
	}

	reqID := cmp.CertReqID
	var popErr error
	if req.Body.Type() != cmp.BodyTypeP10CR {
		reqs, err := certReqs(req)
		if err != nil {
			return nil, err
		}
		reqID = reqs[0].CertReqID
		popErr = s.verifyPOP(&reqs[0])
	}
	s.certReqID = reqID

	rep := cmp.CertRepMessage{}
	var extraCerts [][]byte

	switch {
	case popErr != nil:
		s.log.Info("rejecting certificate request", "reason", popErr.Error())
		rep.Response = []cmp.CertResponse{{
			CertReqID: reqID,
			Status: cmp.PKIStatusInfo{
				Status:        cmp.StatusRejection,
				FailInfo:      cmp.FailBadPOP,
				StatusStrings: []string{popErr.Error()},
			},
		}}

	case s.pollCount > 0:
		// Defer the response: memoize the request and tell the client to
		// poll.
		memo, err := s.opts.Codec.Dup(req)
		if err != nil {
			return nil, err
		}
		s.certReq = memo
		rep.Response = []cmp.CertResponse{{
			CertReqID: reqID,
			Status:    cmp.PKIStatusInfo{Status: cmp.StatusWaiting},
		}}

	default:
		si := s.opts.StatusOut
		rep.Response = []cmp.CertResponse{{CertReqID: reqID, Status: si}}
		if si.Status == cmp.StatusAccepted || si.Status == cmp.StatusGrantedWithMods {
			if s.opts.CertOut == nil {
				return nil, fmt.Errorf("%w: no certificate configured to return", cmp.ErrInternal)
			}
			rep.Response[0].CertifiedKeyPair = &cmp.CertifiedKeyPair{
				CertOrEncCert: cmp.CertOrEncCert{Certificate: s.opts.CertOut.Raw},
			}
			for _, c := range s.opts.ChainOut {
				extraCerts = append(extraCerts, c.Raw)
			}
			for _, c := range s.opts.CAPubsOut {
				rep.CAPubs = append(rep.CAPubs, c.Raw)
			}
		}
		if req.Header.ImplicitConfirm() && s.opts.GrantImplicitConfirm {
			s.implicitConfirm = true
		}
		s.certReq = nil
	}

	resp, err := cmp.NewCertRep(s, s.clock, respType, rep)
	if err != nil {
		return nil, err
	}
	resp.ExtraCerts = extraCerts
	return resp, nil
}

// verifyPOP checks the proof of possession of a certificate request.
func (s *Context) verifyPOP(reqMsg *cmp.CertReqMsg) error {
	switch reqMsg.POP.Method {
	case cmp.POPORAVerified:
		if s.opts.AcceptRAVerified {
			return nil
		}
		return fmt.Errorf("%w: RAVerified not accepted", cmp.ErrPOPVerifyFailed)
	case cmp.POPOSignature:
		pub, err := x509.ParsePKIXPublicKey(reqMsg.Template.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: parsing template public key: %v", cmp.ErrPOPVerifyFailed, err)
		}
		if err := s.opts.Crypto.Verify(reqMsg.Template.POPInput(), reqMsg.POP.Signature, pub, reqMsg.POP.Alg); err != nil {
			return fmt.Errorf("%w: %v", cmp.ErrPOPVerifyFailed, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: popo method %d not supported", cmp.ErrPOPVerifyFailed, reqMsg.POP.Method)
	}
}

// ProcessPollReq answers a pollReq with either another pollRep or, once the
// poll count is spent, the deferred certificate response.
func (h DefaultHandler) ProcessPollReq(s *Context, req *cmp.Message) (*cmp.Message, error) {
	if s.certReq == nil {
		return nil, fmt.Errorf("%w: no certificate request is pending", cmp.ErrRequestNotAccepted)
	}
	pr := *req.Body.PollReq
	if len(pr) == 0 {
		return nil, fmt.Errorf("%w: empty pollReq", cmp.ErrCodec)
	}
	if pr[0].CertReqID != s.certReqID {
		return nil, fmt.Errorf("%w: %d in pollReq", cmp.ErrUnexpectedRequestID, pr[0].CertReqID)
	}

	if s.pollCount == 0 {
		return h.ProcessCertRequest(s, s.certReq)
	}
	s.pollCount--
	return cmp.NewPollRep(s, s.clock, s.certReqID, s.opts.CheckAfterTime)
}

// ProcessCertConf verifies the confirmation hash against the issued
// certificate and answers with pkiconf.
func (DefaultHandler) ProcessCertConf(s *Context, req *cmp.Message) (*cmp.Message, error) {
	cc := *req.Body.CertConf
	if len(cc) == 0 {
		s.log.Info("certificate rejected by client")
		return cmp.NewPKIConf(s, s.clock)
	}
	if len(cc) > 1 {
		s.log.Info("all CertStatus but the first will be ignored")
	}
	status := cc[0]

	if status.CertReqID != s.certReqID {
		return nil, fmt.Errorf("%w: %d in certConf", cmp.ErrUnexpectedRequestID, status.CertReqID)
	}
	if s.opts.CertOut == nil {
		return nil, fmt.Errorf("%w: no issued certificate to confirm", cmp.ErrInternal)
	}

	owf := cmp.OWFForAlg(req.Header.ProtectionAlg)
	want, err := s.opts.Crypto.Digest(s.opts.CertOut.Raw, owf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(want, status.CertHash) {
		return nil, cmp.ErrWrongCertHash
	}

	if status.StatusInfo != nil && status.StatusInfo.Status != cmp.StatusAccepted {
		s.log.Info("certificate rejected by client", "status", status.StatusInfo.String())
	}
	return cmp.NewPKIConf(s, s.clock)
}

// ProcessRR accepts revocation only of the certificate this responder
// issues.
func (DefaultHandler) ProcessRR(s *Context, req *cmp.Message) (*cmp.Message, error) {
	rr := *req.Body.RR
	if len(rr) == 0 {
		return nil, fmt.Errorf("%w: empty revocation request", cmp.ErrCodec)
	}
	details := rr[0]

	if s.opts.CertOut == nil {
		return nil, fmt.Errorf("%w: no certificate configured", cmp.ErrInternal)
	}
	if details.CertID.Issuer != s.opts.CertOut.Issuer.String() ||
		details.CertID.SerialNumber != s.opts.CertOut.SerialNumber.String() {
		return nil, fmt.Errorf("%w: revocation of unknown certificate", cmp.ErrRequestNotAccepted)
	}

	certID := details.CertID
	return cmp.NewRevRep(s, s.clock, s.opts.StatusOut, &certID)
}

// ProcessError acknowledges a client error message with pkiconf.
func (DefaultHandler) ProcessError(s *Context, req *cmp.Message) (*cmp.Message, error) {
	s.log.Info("received error from client", "status", req.Body.Error.PKIStatusInfo.String())
	return cmp.NewPKIConf(s, s.clock)
}

// ProcessGENM mirrors the incoming ITAVs into the genp response.
func (DefaultHandler) ProcessGENM(s *Context, req *cmp.Message) (*cmp.Message, error) {
	return cmp.NewGENP(s, s.clock, []cmp.ITAV(*req.Body.GENM))
}
