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
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// PVNO is the only protocol version this module speaks (cmp2000).
const PVNO = 2

// NonceLength is the size of generated sender nonces in bytes.
const NonceLength = 16

// itavImplicitConfirm is the generalInfo InfoType signalling that no
// certConf/PKIconf round is required (id-it-implicitConfirm).
const itavImplicitConfirm = "1.3.6.1.5.5.7.4.13"

// GeneralName is the reduced GeneralName CHOICE carried in headers. The
// sender and recipient of a CMP message are directory names; an empty
// DirectoryName is the NULL-DN. DNSName exists so that a peer using a
// non-directoryName sender can be detected and rejected.
type GeneralName struct {
	DirectoryName string // RFC 2253
	DNSName       string
}

// IsDirectoryName reports whether the name is in directoryName form
// (including the NULL-DN).
func (g GeneralName) IsDirectoryName() bool {
	return g.DNSName == ""
}

// Header is the PKIHeader of every CMP message.
type Header struct {
	PVNO          int
	Sender        GeneralName
	Recipient     GeneralName
	MessageTime   time.Time
	ProtectionAlg string // empty when the message is unprotected
	SenderKID     []byte
	TransactionID []byte
	SenderNonce   []byte
	RecipNonce    []byte
	GeneralInfo   []ITAV
}

// ImplicitConfirm reports whether the implicitConfirm flag is present in
// generalInfo.
func (h *Header) ImplicitConfirm() bool {
	for _, itav := range h.GeneralInfo {
		if itav.InfoType == itavImplicitConfirm {
			return true
		}
	}
	return false
}

// HeaderSource supplies the per-party data needed to construct an outgoing
// header. Both the client context and the server context implement it, which
// keeps header construction a free function instead of tying it to either
// side.
type HeaderSource interface {
	// SenderName returns the sender directory name: the certificate subject
	// when signature protection is used, the reference value when MAC
	// protection is used, or the NULL-DN when sending unprotected. It fails
	// when no identity can be derived.
	SenderName() (string, error)

	// RecipientName returns the directory name of the intended recipient,
	// or the empty string for the NULL-DN.
	RecipientName() string

	// SenderKID returns the key identifier announced in the header, either
	// the subject key identifier of the protection certificate or the
	// reference value. May be nil.
	SenderKID() []byte

	// ProtectionAlg returns the algorithm the protection of the outgoing
	// message will use, or the empty string for none.
	ProtectionAlg() string

	// TransactionID returns the transaction identifier of the session in
	// flight, or nil when a new transaction is being opened.
	TransactionID() []byte

	// RecipNonce returns the senderNonce most recently received from the
	// peer, or nil when none has been seen yet.
	RecipNonce() []byte

	// ImplicitConfirm reports whether the outgoing message should request
	// (or grant) implicit confirmation.
	ImplicitConfirm() bool
}

// NewNonce returns a fresh random nonce of NonceLength bytes.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceLength)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("%w: reading random nonce: %v", ErrInternal, err)
	}
	return n, nil
}

// NewTransactionID returns a fresh 128-bit transaction identifier.
func NewTransactionID() []byte {
	id := uuid.New()
	return id[:]
}

// NewHeader constructs the header for an outgoing message. A transaction ID
// is generated when the source has none, so the first message of a session
// fixes the ID all subsequent messages reuse. The sender nonce is always
// fresh; the peer's last sender nonce is echoed as recipNonce when known.
func NewHeader(src HeaderSource, clk clock.PassiveClock) (*Header, error) {
	if src == nil || clk == nil {
		return nil, ErrNullArgument
	}

	sender, err := src.SenderName()
	if err != nil {
		return nil, err
	}

	txid := src.TransactionID()
	if len(txid) == 0 {
		txid = NewTransactionID()
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	h := &Header{
		PVNO:          PVNO,
		Sender:        GeneralName{DirectoryName: sender},
		Recipient:     GeneralName{DirectoryName: src.RecipientName()},
		MessageTime:   clk.Now().UTC(),
		ProtectionAlg: src.ProtectionAlg(),
		SenderKID:     src.SenderKID(),
		TransactionID: txid,
		SenderNonce:   nonce,
		RecipNonce:    src.RecipNonce(),
	}
	if src.ImplicitConfirm() {
		h.GeneralInfo = append(h.GeneralInfo, ITAV{InfoType: itavImplicitConfirm})
	}
	return h, nil
}

// CheckReplyHeader enforces the header discipline on a reply: the protocol
// version must be 2, the recipNonce must echo the senderNonce of the request
// and the transaction ID must be stable across the session.
func CheckReplyHeader(req, reply *Message) error {
	if req == nil || reply == nil {
		return ErrNullArgument
	}
	if reply.Header.PVNO != PVNO {
		return fmt.Errorf("%w: pvno %d", ErrUnsupportedVersion, reply.Header.PVNO)
	}
	if len(req.Header.SenderNonce) > 0 &&
		!bytes.Equal(req.Header.SenderNonce, reply.Header.RecipNonce) {
		return ErrNonceMismatch
	}
	if len(req.Header.TransactionID) > 0 &&
		!bytes.Equal(req.Header.TransactionID, reply.Header.TransactionID) {
		return ErrTransactionIDMismatch
	}
	return nil
}
