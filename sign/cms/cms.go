// Package cms builds and verifies CMS SignedData containers (RFC 5652) with
// the CAdES baseline signed attributes: content type, message digest, signing
// time and an ESS signing-certificate-v2 reference. SHA-256 is the only
// digest in use.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

var (
	oidData                 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidAttrContentType      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidAttrSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidAttrSigningCertV2    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	oidDigestSHA256         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// ErrUnsupportedKey is returned for key types other than RSA and ECDSA.
var ErrUnsupportedKey = errors.New("unsupported signing key type")

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type issuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerial
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type essCertIDv2 struct {
	HashAlgorithm algorithmIdentifier
	CertHash      []byte
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

// Builder assembles one SignedData container for a single signer.
type Builder struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         crypto.Signer
	SigningTime time.Time
	// Detached leaves the encapsulated content out of the container, as
	// PDF embedding and companion p7s files require.
	Detached bool
}

// Sign produces the DER-encoded ContentInfo carrying the SignedData.
func (b *Builder) Sign(content []byte) ([]byte, error) {
	if b.Certificate == nil || b.Key == nil {
		return nil, errors.New("builder needs a certificate and a key")
	}
	sigAlg, _, err := signatureAlgorithmFor(b.Key)
	if err != nil {
		return nil, err
	}

	attrsDER, err := b.signedAttributes(content)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(attrsDER)
	signature, err := b.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing attributes: %w", err)
	}

	// The attributes were digested as a SET OF; the SignerInfo carries them
	// under an implicit [0] tag instead.
	implicitAttrs := make([]byte, len(attrsDER))
	copy(implicitAttrs, attrsDER)
	implicitAttrs[0] = 0xA0

	si := signerInfo{
		Version: 1,
		SID: issuerAndSerial{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm:    sha256Algorithm(),
		SignedAttrs:        asn1.RawValue{FullBytes: implicitAttrs},
		SignatureAlgorithm: algorithmIdentifier{Algorithm: sigAlg},
		Signature:          signature,
	}

	eci := encapContentInfo{EContentType: oidData}
	if !b.Detached {
		inner, err := asn1.Marshal(content)
		if err != nil {
			return nil, err
		}
		eci.EContent = asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner,
		}
	}

	var certBytes []byte
	certBytes = append(certBytes, b.Certificate.Raw...)
	for _, c := range b.Chain {
		certBytes = append(certBytes, c.Raw...)
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []algorithmIdentifier{sha256Algorithm()},
		EncapContentInfo: eci,
		Certificates: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: certBytes,
		},
		SignerInfos: []signerInfo{si},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("marshaling SignedData: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: oidSignedData,
		Content: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER,
		},
	})
}

// signedAttributes builds the SET OF signed attributes in its digested form
// (tag 0x31, members in DER order).
func (b *Builder) signedAttributes(content []byte) ([]byte, error) {
	contentDigest := sha256.Sum256(content)
	certDigest := sha256.Sum256(b.Certificate.Raw)

	signingTime := b.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	attrs := make([][]byte, 0, 4)
	add := func(oid asn1.ObjectIdentifier, value interface{}) error {
		valueDER, err := asn1.Marshal(value)
		if err != nil {
			return err
		}
		attrDER, err := asn1.Marshal(attribute{
			Type:   oid,
			Values: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: valueDER},
		})
		if err != nil {
			return err
		}
		attrs = append(attrs, attrDER)
		return nil
	}

	if err := add(oidAttrContentType, oidData); err != nil {
		return nil, err
	}
	if err := add(oidAttrSigningTime, signingTime.UTC()); err != nil {
		return nil, err
	}
	if err := add(oidAttrMessageDigest, contentDigest[:]); err != nil {
		return nil, err
	}
	if err := add(oidAttrSigningCertV2, signingCertificateV2{
		Certs: []essCertIDv2{{HashAlgorithm: sha256Algorithm(), CertHash: certDigest[:]}},
	}); err != nil {
		return nil, err
	}

	// DER SET OF orders members by their encoding.
	sort.Slice(attrs, func(i, j int) bool { return bytes.Compare(attrs[i], attrs[j]) < 0 })
	var body []byte
	for _, a := range attrs {
		body = append(body, a...)
	}
	return asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: body,
	})
}

func sha256Algorithm() algorithmIdentifier {
	return algorithmIdentifier{
		Algorithm:  oidDigestSHA256,
		Parameters: asn1.RawValue{Tag: 5}, // NULL
	}
}

func signatureAlgorithmFor(key crypto.Signer) (asn1.ObjectIdentifier, x509.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return oidRSAEncryption, x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return oidECDSAWithSHA256, x509.ECDSAWithSHA256, nil
	}
	return nil, 0, ErrUnsupportedKey
}
