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

package cmp

import (
	"fmt"

	"k8s.io/utils/clock"
)

// CertReqID is the certReqId used throughout: this module produces exactly
// one certificate request per transaction.
const CertReqID = 0

// newMessage builds a message with a fresh header around the given body.
func newMessage(src HeaderSource, clk clock.PassiveClock, body Body) (*Message, error) {
	hdr, err := NewHeader(src, clk)
	if err != nil {
		return nil, err
	}
	return &Message{Header: *hdr, Body: body}, nil
}

// checkSingleRequest enforces the single-CertReqMsg shape of ir/cr/kur
// bodies.
func checkSingleRequest(reqs CertReqMessages) error {
	if len(reqs) != 1 {
		return fmt.Errorf("%w: want exactly one CertReqMsg, got %d", ErrInvalidArgs, len(reqs))
	}
	if reqs[0].CertReqID != CertReqID {
		return fmt.Errorf("%w: certReqId must be %d, got %d", ErrInvalidArgs, CertReqID, reqs[0].CertReqID)
	}
	return nil
}

// NewIR builds an initialization request.
func NewIR(src HeaderSource, clk clock.PassiveClock, reqs CertReqMessages) (*Message, error) {
	if err := checkSingleRequest(reqs); err != nil {
		return nil, err
	}
	return newMessage(src, clk, Body{IR: &reqs})
}

// NewCR builds a certificate request.
func NewCR(src HeaderSource, clk clock.PassiveClock, reqs CertReqMessages) (*Message, error) {
	if err := checkSingleRequest(reqs); err != nil {
		return nil, err
	}
	return newMessage(src, clk, Body{CR: &reqs})
}

// NewKUR builds a key update request. The single CertReqMsg must carry the
// oldCertId of the certificate being updated.
func NewKUR(src HeaderSource, clk clock.PassiveClock, reqs CertReqMessages) (*Message, error) {
	if err := checkSingleRequest(reqs); err != nil {
		return nil, err
	}
	if reqs[0].OldCertID == nil {
		return nil, fmt.Errorf("%w: key update request without oldCertId", ErrInvalidArgs)
	}
	return newMessage(src, clk, Body{KUR: &reqs})
}

// NewP10CR wraps a caller-supplied PKCS#10 certification request verbatim.
func NewP10CR(src HeaderSource, clk clock.PassiveClock, csr CertificationRequest) (*Message, error) {
	if len(csr.DER) == 0 {
		return nil, fmt.Errorf("%w: empty PKCS#10 request", ErrInvalidArgs)
	}
	return newMessage(src, clk, Body{P10CR: &csr})
}

// NewRR builds a revocation request for the certificate named by details.
func NewRR(src HeaderSource, clk clock.PassiveClock, details RevDetails) (*Message, error) {
	if details.CertID.Issuer == "" || details.CertID.SerialNumber == "" {
		return nil, fmt.Errorf("%w: revocation request needs issuer and serial", ErrInvalidArgs)
	}
	rr := RevReqContent{details}
	return newMessage(src, clk, Body{RR: &rr})
}

// NewCertConf builds a certificate confirmation for the single issued
// certificate of the session.
func NewCertConf(src HeaderSource, clk clock.PassiveClock, status CertStatus) (*Message, error) {
	if status.CertReqID != CertReqID {
		return nil, fmt.Errorf("%w: certConf certReqId must be %d", ErrInvalidArgs, CertReqID)
	}
	if len(status.CertHash) == 0 {
		return nil, fmt.Errorf("%w: certConf without certHash", ErrInvalidArgs)
	}
	cc := CertConfirmContent{status}
	return newMessage(src, clk, Body{CertConf: &cc})
}

// NewPollReq builds a poll request for the pending certificate request.
func NewPollReq(src HeaderSource, clk clock.PassiveClock, certReqID int) (*Message, error) {
	pr := PollReqContent{{CertReqID: certReqID}}
	return newMessage(src, clk, Body{PollReq: &pr})
}

// NewGENM builds a general message carrying the caller's ITAVs.
func NewGENM(src HeaderSource, clk clock.PassiveClock, itavs []ITAV) (*Message, error) {
	gm := GenMsgContent(itavs)
	return newMessage(src, clk, Body{GENM: &gm})
}

// NewCertRep builds an ip/cp/kup response. typ selects the body variant and
// must be one of those three.
func NewCertRep(src HeaderSource, clk clock.PassiveClock, typ BodyType, rep CertRepMessage) (*Message, error) {
	var body Body
	switch typ {
	case BodyTypeIP:
		body.IP = &rep
	case BodyTypeCP:
		body.CP = &rep
	case BodyTypeKUP:
		body.KUP = &rep
	default:
		return nil, fmt.Errorf("%w: %s is not a certificate response type", ErrInvalidArgs, typ)
	}
	return newMessage(src, clk, body)
}

// NewRevRep builds an rp response.
func NewRevRep(src HeaderSource, clk clock.PassiveClock, si PKIStatusInfo, certID *CertID) (*Message, error) {
	rp := RevRepContent{Status: []PKIStatusInfo{si}, CertID: certID}
	return newMessage(src, clk, Body{RP: &rp})
}

// NewPKIConf builds a pkiconf response.
func NewPKIConf(src HeaderSource, clk clock.PassiveClock) (*Message, error) {
	return newMessage(src, clk, Body{PKIConf: &PKIConfirmContent{}})
}

// NewPollRep builds a pollRep telling the requester to check again after the
// given number of seconds.
func NewPollRep(src HeaderSource, clk clock.PassiveClock, certReqID int, checkAfter int64) (*Message, error) {
	pr := PollRepContent{{CertReqID: certReqID, CheckAfter: checkAfter}}
	return newMessage(src, clk, Body{PollRep: &pr})
}

// NewGENP builds a genp response carrying the given ITAVs.
func NewGENP(src HeaderSource, clk clock.PassiveClock, itavs []ITAV) (*Message, error) {
	gp := GenRepContent(itavs)
	return newMessage(src, clk, Body{GENP: &gp})
}

// NewErrorMsg builds an error response. errorCode below zero is omitted
// semantics: callers pass -1 when no implementation-defined reason number
// applies.
func NewErrorMsg(src HeaderSource, clk clock.PassiveClock, si PKIStatusInfo, errorCode int, details []string) (*Message, error) {
	em := ErrorMsgContent{PKIStatusInfo: si, ErrorCode: errorCode, ErrorDetails: details}
	return newMessage(src, clk, Body{Error: &em})
}
