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

// Package pki implements the cmp.Crypto collaborator on the standard library
// crypto stack, together with the self-signed identity helpers the responder
// CLI and the test suites use.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"hash"
	"math/big"
	"time"

	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp"
)

// Provider implements cmp.Crypto. The zero value is ready for use and safe
// for concurrent readers.
type Provider struct{}

var _ cmp.Crypto = Provider{}

// New returns the standard library crypto provider.
func New() Provider {
	return Provider{}
}

func hashFuncFor(alg string) (func() hash.Hash, crypto.Hash, error) {
	switch cmp.OWFForAlg(alg) {
	case cmp.AlgSHA256:
		return sha256.New, crypto.SHA256, nil
	case cmp.AlgSHA384:
		return sha512.New384, crypto.SHA384, nil
	case cmp.AlgSHA512:
		return sha512.New, crypto.SHA512, nil
	}
	return nil, 0, fmt.Errorf("%w: unsupported digest algorithm %q", cmp.ErrInvalidArgs, alg)
}

// Digest hashes data under the named one-way function.
func (Provider) Digest(data []byte, alg string) ([]byte, error) {
	newHash, _, err := hashFuncFor(alg)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}

// Sign signs data with key under the named algorithm. The data is hashed
// with the algorithm's one-way function first.
func (p Provider) Sign(data []byte, key crypto.Signer, alg string) ([]byte, error) {
	if key == nil {
		return nil, cmp.ErrNullArgument
	}
	digest, h, err := p.digestForSigning(data, alg, key.Public())
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(rand.Reader, digest, h)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// Verify checks a signature over data against a public key.
func (p Provider) Verify(data, sig []byte, pub crypto.PublicKey, alg string) error {
	digest, h, err := p.digestForSigning(data, alg, pub)
	if err != nil {
		return err
	}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return fmt.Errorf("%w: ecdsa signature mismatch", cmp.ErrProtectionInvalid)
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, h, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", cmp.ErrProtectionInvalid, err)
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, sig) {
			return fmt.Errorf("%w: ed25519 signature mismatch", cmp.ErrProtectionInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported public key type %T", cmp.ErrInvalidArgs, pub)
	}
	return nil
}

// digestForSigning hashes data, except for Ed25519 which signs the message
// directly.
func (p Provider) digestForSigning(data []byte, alg string, pub crypto.PublicKey) ([]byte, crypto.Hash, error) {
	if _, ok := pub.(ed25519.PublicKey); ok {
		return data, crypto.Hash(0), nil
	}
	newHash, h, err := hashFuncFor(alg)
	if err != nil {
		return nil, 0, err
	}
	hs := newHash()
	hs.Write(data)
	return hs.Sum(nil), h, nil
}

// MAC computes an HMAC over data with the shared secret.
func (Provider) MAC(data, secret []byte, alg string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty shared secret", cmp.ErrInvalidArgs)
	}
	newHash, _, err := hashFuncFor(alg)
	if err != nil {
		return nil, err
	}
	m := hmac.New(newHash, secret)
	m.Write(data)
	return m.Sum(nil), nil
}

// BuildChain builds and verifies a chain from cert to one of the roots.
func (Provider) BuildChain(cert *x509.Certificate, intermediates, roots []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, cmp.ErrNullArgument
	}
	rootPool := x509.NewCertPool()
	for _, c := range roots {
		rootPool.AddCert(c)
	}
	interPool := x509.NewCertPool()
	for _, c := range intermediates {
		interPool.AddCert(c)
	}
	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         rootPool,
		Intermediates: interPool,
		// CMP protection certificates are not TLS server certificates.
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cmp.ErrProtectionInvalid, err)
	}
	return chains[0], nil
}

// DecryptKeyTransport decrypts a value encrypted to the public half of key.
// Only RSA key transport is supported.
func (Provider) DecryptKeyTransport(encValue []byte, key crypto.PrivateKey) ([]byte, error) {
	dec, ok := key.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T cannot decrypt", cmp.ErrInvalidArgs, key)
	}
	out, err := dec.Decrypt(rand.Reader, encValue, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting certificate: %w", err)
	}
	return out, nil
}

// NewSigningKey generates a P-256 key, the default key type for identities
// and certificate requests.
func NewSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// NewSelfSignedIdentity generates a key and a matching self-signed
// certificate for the given common name, valid for duration from now. It
// backs ephemeral responder identities and test fixtures.
func NewSelfSignedIdentity(cn string, clk clock.PassiveClock, duration time.Duration) (*x509.Certificate, crypto.Signer, error) {
	key, err := NewSigningKey()
	if err != nil {
		return nil, nil, err
	}
	cert, err := SignLeaf(cn, key.Public(), nil, key, clk, duration)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// SignLeaf issues a certificate for pub under the issuer certificate and
// key. A nil issuer produces a self-signed certificate.
func SignLeaf(cn string, pub crypto.PublicKey, issuer *x509.Certificate, issuerKey crypto.Signer, clk clock.PassiveClock, duration time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := clk.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(duration),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  issuer == nil,
	}
	parent := tmpl
	if issuer != nil {
		parent = issuer
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
