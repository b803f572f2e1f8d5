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

// BodyType is the PKIBody CHOICE tag, RFC 4210 section 5.1.2. The numeric
// values are the wire tags; the full alphabet is listed even though this
// module only constructs and consumes a subset of it.
type BodyType int

const (
	BodyTypeIR       BodyType = 0
	BodyTypeIP       BodyType = 1
	BodyTypeCR       BodyType = 2
	BodyTypeCP       BodyType = 3
	BodyTypeP10CR    BodyType = 4
	BodyTypePOPDECC  BodyType = 5
	BodyTypePOPDECR  BodyType = 6
	BodyTypeKUR      BodyType = 7
	BodyTypeKUP      BodyType = 8
	BodyTypeKRR      BodyType = 9
	BodyTypeKRP      BodyType = 10
	BodyTypeRR       BodyType = 11
	BodyTypeRP       BodyType = 12
	BodyTypeCCR      BodyType = 13
	BodyTypeCCP      BodyType = 14
	BodyTypeCKUANN   BodyType = 15
	BodyTypeCANN     BodyType = 16
	BodyTypeRANN     BodyType = 17
	BodyTypeCRLANN   BodyType = 18
	BodyTypePKICONF  BodyType = 19
	BodyTypeNESTED   BodyType = 20
	BodyTypeGENM     BodyType = 21
	BodyTypeGENP     BodyType = 22
	BodyTypeERROR    BodyType = 23
	BodyTypeCERTCONF BodyType = 24
	BodyTypePOLLREQ  BodyType = 25
	BodyTypePOLLREP  BodyType = 26

	// BodyTypeNone is reported for a Body with no variant populated.
	BodyTypeNone BodyType = -1
)

var bodyTypeNames = [...]string{
	"IR", "IP", "CR", "CP", "P10CR", "POPDECC", "POPDECR", "KUR", "KUP",
	"KRR", "KRP", "RR", "RP", "CCR", "CCP", "CKUANN", "CANN", "RANN",
	"CRLANN", "PKICONF", "NESTED", "GENM", "GENP", "ERROR", "CERTCONF",
	"POLLREQ", "POLLREP",
}

func (t BodyType) String() string {
	if t < 0 || int(t) >= len(bodyTypeNames) {
		return "unknown"
	}
	return bodyTypeNames[t]
}

// Body is the tagged union over the PKIBody variants handled by this module.
// Exactly one field is non-nil in a well-formed message; Type derives the
// tag from the populated field.
type Body struct {
	IR       *CertReqMessages
	IP       *CertRepMessage
	CR       *CertReqMessages
	CP       *CertRepMessage
	P10CR    *CertificationRequest
	KUR      *CertReqMessages
	KUP      *CertRepMessage
	RR       *RevReqContent
	RP       *RevRepContent
	PKIConf  *PKIConfirmContent
	GENM     *GenMsgContent
	GENP     *GenRepContent
	Error    *ErrorMsgContent
	CertConf *CertConfirmContent
	PollReq  *PollReqContent
	PollRep  *PollRepContent
}

// Type returns the PKIBody tag of the populated variant, or BodyTypeNone for
// an empty body.
func (b *Body) Type() BodyType {
	switch {
	case b == nil:
		return BodyTypeNone
	case b.IR != nil:
		return BodyTypeIR
	case b.IP != nil:
		return BodyTypeIP
	case b.CR != nil:
		return BodyTypeCR
	case b.CP != nil:
		return BodyTypeCP
	case b.P10CR != nil:
		return BodyTypeP10CR
	case b.KUR != nil:
		return BodyTypeKUR
	case b.KUP != nil:
		return BodyTypeKUP
	case b.RR != nil:
		return BodyTypeRR
	case b.RP != nil:
		return BodyTypeRP
	case b.PKIConf != nil:
		return BodyTypePKICONF
	case b.GENM != nil:
		return BodyTypeGENM
	case b.GENP != nil:
		return BodyTypeGENP
	case b.Error != nil:
		return BodyTypeERROR
	case b.CertConf != nil:
		return BodyTypeCERTCONF
	case b.PollReq != nil:
		return BodyTypePOLLREQ
	case b.PollRep != nil:
		return BodyTypePOLLREP
	default:
		return BodyTypeNone
	}
}

// CertRep returns the CertRepMessage of an ip/cp/kup body, nil otherwise.
func (b *Body) CertRep() *CertRepMessage {
	switch {
	case b.IP != nil:
		return b.IP
	case b.CP != nil:
		return b.CP
	case b.KUP != nil:
		return b.KUP
	default:
		return nil
	}
}

// POPOMethod selects the proof-of-possession method of a certificate
// request.
type POPOMethod int

const (
	POPONone POPOMethod = iota
	POPOSignature
	POPOKeyEnc
	POPORAVerified
)

// Extension is an X.509 extension requested in a certificate template,
// carried as the DER value under its dotted OID.
type Extension struct {
	ID       string
	Critical bool
	Value    []byte
}

// CertID identifies a certificate by issuer and serial, RFC 4211 CertId.
// Both fields are strings: the issuer in RFC 2253 form, the serial in
// decimal.
type CertID struct {
	Issuer       string
	SerialNumber string
}

// CertTemplate is the subset of the CRMF certificate template this module
// populates: the requested public key, names, and extensions.
type CertTemplate struct {
	Subject                string
	Issuer                 string
	PublicKey              []byte // DER SubjectPublicKeyInfo
	DNSNames               []string
	EmailAddresses         []string
	IPAddresses            []string
	Policies               []string
	PoliciesCritical       bool
	SubjectAltNameCritical bool
	ValidityDays           int
	Extensions             []Extension
}

// POPInput returns the bytes covered by a signature proof-of-possession for
// the template. Signing the serialized key and subject binds the proof to
// this request.
func (t *CertTemplate) POPInput() []byte {
	in := make([]byte, 0, len(t.PublicKey)+len(t.Subject))
	in = append(in, t.PublicKey...)
	in = append(in, t.Subject...)
	return in
}

// ProofOfPossession carries the POP of one certificate request.
type ProofOfPossession struct {
	Method    POPOMethod
	Signature []byte
	Alg       string
}

// CertReqMsg is a single CRMF certificate request.
type CertReqMsg struct {
	CertReqID int
	Template  CertTemplate
	// OldCertID is set for key update requests and names the certificate
	// being updated.
	OldCertID *CertID
	POP       ProofOfPossession
}

// CertReqMessages is the ir/cr/kur body content. This module produces and
// consumes exactly one CertReqMsg per transaction.
type CertReqMessages []CertReqMsg

// CertificationRequest wraps a caller-supplied PKCS#10 request verbatim for
// p10cr.
type CertificationRequest struct {
	DER []byte
}

// CertOrEncCert holds either a certificate in the clear or one encrypted to
// the requested key.
type CertOrEncCert struct {
	Certificate   []byte // DER
	EncryptedCert []byte
}

// CertifiedKeyPair carries the issued certificate of a CertResponse.
type CertifiedKeyPair struct {
	CertOrEncCert CertOrEncCert
}

// CertResponse is one response element of an ip/cp/kup body.
type CertResponse struct {
	CertReqID        int
	Status           PKIStatusInfo
	CertifiedKeyPair *CertifiedKeyPair
}

// CertRepMessage is the ip/cp/kup body content.
type CertRepMessage struct {
	CAPubs   [][]byte // DER certificates published by the CA
	Response []CertResponse
}

// RevDetails names one certificate to revoke together with the requested
// reason code.
type RevDetails struct {
	CertID CertID
	Reason int
}

// RevReqContent is the rr body content.
type RevReqContent []RevDetails

// RevRepContent is the rp body content.
type RevRepContent struct {
	Status []PKIStatusInfo
	CertID *CertID
}

// CertStatus confirms (or rejects) one issued certificate.
type CertStatus struct {
	CertReqID int
	CertHash  []byte
	// StatusInfo is optional; absence means acceptance.
	StatusInfo *PKIStatusInfo
}

// CertConfirmContent is the certConf body content.
type CertConfirmContent []CertStatus

// PKIConfirmContent is the pkiconf body content (empty on the wire).
type PKIConfirmContent struct{}

// PollReq polls for the outcome of one pending certificate request.
type PollReq struct {
	CertReqID int
}

// PollReqContent is the pollReq body content.
type PollReqContent []PollReq

// PollRep tells the requester when to poll again.
type PollRep struct {
	CertReqID  int
	CheckAfter int64 // seconds
	Reason     []string
}

// PollRepContent is the pollRep body content.
type PollRepContent []PollRep

// ITAV is an InfoTypeAndValue, the extensibility envelope of genm/genp.
type ITAV struct {
	InfoType  string
	InfoValue []byte
}

// GenMsgContent is the genm body content.
type GenMsgContent []ITAV

// GenRepContent is the genp body content.
type GenRepContent []ITAV

// ErrorMsgContent is the error body content.
type ErrorMsgContent struct {
	PKIStatusInfo PKIStatusInfo
	ErrorCode     int
	ErrorDetails  []string
}
