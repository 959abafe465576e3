package cms

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotSignedData is returned when the outer ContentInfo carries
	// something else.
	ErrNotSignedData = errors.New("not a SignedData container")
	// ErrDigestMismatch is returned when the message-digest attribute does
	// not match the presented content.
	ErrDigestMismatch = errors.New("message digest mismatch")
	// ErrNoSignerInfo is returned for containers without signers.
	ErrNoSignerInfo = errors.New("no signer info present")
)

// SignedData is a parsed container ready for verification.
type SignedData struct {
	Certificates []*x509.Certificate
	// Content is the encapsulated content, nil for detached containers.
	Content []byte

	raw signedData
}

// Parse decodes a DER ContentInfo holding a SignedData.
func Parse(der []byte) (*SignedData, error) {
	var ci contentInfo
	if rest, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("parsing ContentInfo: %w", err)
	} else if len(rest) > 0 {
		return nil, errors.New("trailing bytes after ContentInfo")
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, ErrNotSignedData
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("parsing SignedData: %w", err)
	}

	out := &SignedData{raw: sd}
	if len(sd.Certificates.Bytes) > 0 {
		certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificates: %w", err)
		}
		out.Certificates = certs
	}
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		var inner []byte
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &inner); err != nil {
			return nil, fmt.Errorf("parsing encapsulated content: %w", err)
		}
		out.Content = inner
	}
	return out, nil
}

// SignerCertificate locates the certificate matching the first signer's
// issuer and serial number.
func (s *SignedData) SignerCertificate() (*x509.Certificate, error) {
	if len(s.raw.SignerInfos) == 0 {
		return nil, ErrNoSignerInfo
	}
	si := s.raw.SignerInfos[0]
	for _, cert := range s.Certificates {
		if cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, si.SID.Issuer.FullBytes) {
			return cert, nil
		}
	}
	return nil, errors.New("signer certificate not included in container")
}

// SigningTime returns the signing-time attribute of the first signer.
func (s *SignedData) SigningTime() (time.Time, error) {
	values, err := s.attributeValues(oidAttrSigningTime)
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if _, err := asn1.Unmarshal(values, &t); err != nil {
		return time.Time{}, fmt.Errorf("parsing signing time: %w", err)
	}
	return t, nil
}

// Verify checks the first signer: the message-digest attribute against
// content and the signature over the signed attributes. For attached
// containers pass nil to verify against the encapsulated content.
func (s *SignedData) Verify(content []byte) error {
	if len(s.raw.SignerInfos) == 0 {
		return ErrNoSignerInfo
	}
	if content == nil {
		content = s.Content
	}
	si := s.raw.SignerInfos[0]

	digestAttr, err := s.attributeValues(oidAttrMessageDigest)
	if err != nil {
		return err
	}
	var stored []byte
	if _, err := asn1.Unmarshal(digestAttr, &stored); err != nil {
		return fmt.Errorf("parsing message digest attribute: %w", err)
	}
	actual := sha256.Sum256(content)
	if !bytes.Equal(stored, actual[:]) {
		return ErrDigestMismatch
	}

	cert, err := s.SignerCertificate()
	if err != nil {
		return err
	}
	algo, err := verificationAlgorithm(si.SignatureAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	// The signature covers the attributes re-tagged as a SET OF.
	attrsDER := make([]byte, len(si.SignedAttrs.FullBytes))
	copy(attrsDER, si.SignedAttrs.FullBytes)
	if len(attrsDER) == 0 {
		return errors.New("signer has no signed attributes")
	}
	attrsDER[0] = 0x31
	if err := cert.CheckSignature(algo, attrsDER, si.Signature); err != nil {
		return fmt.Errorf("signature check: %w", err)
	}
	return nil
}

func (s *SignedData) attributeValues(oid asn1.ObjectIdentifier) ([]byte, error) {
	if len(s.raw.SignerInfos) == 0 {
		return nil, ErrNoSignerInfo
	}
	si := s.raw.SignerInfos[0]
	var attrs []attribute
	raw := asn1.RawValue{FullBytes: si.SignedAttrs.FullBytes}
	if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &attrs, "tag:0"); err != nil {
		return nil, fmt.Errorf("parsing signed attributes: %w", err)
	}
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			return a.Values.Bytes, nil
		}
	}
	return nil, fmt.Errorf("attribute %v not present", oid)
}

func verificationAlgorithm(oid asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case oid.Equal(oidRSAEncryption):
		return x509.SHA256WithRSA, nil
	case oid.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	}
	return 0, fmt.Errorf("unsupported signature algorithm %v", oid)
}
