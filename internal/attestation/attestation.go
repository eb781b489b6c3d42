// Package attestation issues a signed measurement document over a finalized
// Verdict. It is invoked by the transport layer after the pipeline has
// produced a verdict, never by the pipeline itself — the issuer would
// otherwise need to hash a verdict that, in turn, would need to reference
// the issuer.
package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"
	"time"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

const (
	omlVersion = "OML_1.0"
	keyBits    = 2048
)

// Issuer produces signed AttestationDocuments. One Issuer owns one RSA key
// pair for the lifetime of the process; the key is generated once at
// construction, never persisted.
type Issuer struct {
	key         *rsa.PrivateKey
	publicPEM   string
	teeType     string
	fingerprint string
}

// NewIssuer generates a fresh RSA-2048 signing key and returns an Issuer bound
// to the given environment fingerprint and TEE type tag.
func NewIssuer(teeType, fingerprint string) (*Issuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("attestation: generating signing key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("attestation: marshaling public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &Issuer{
		key:         key,
		publicPEM:   string(pemBytes),
		teeType:     teeType,
		fingerprint: fingerprint,
	}, nil
}

// canonicalJSON serializes v with sorted object keys so that signatures
// verify deterministically regardless of struct field order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// hexDigest64 hex-encodes a sha256 digest, which is always exactly 64 characters.
func hexDigest64(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildDocument assembles the unsigned AttestationDocument for a finalized
// verdict. PCR0 covers the verdict's canonical serialization; PCR1 covers the
// configuration snapshot — kept as two distinct digests so one is never a
// truncated view of the other.
func (iss *Issuer) BuildDocument(verdict domain.Verdict, configSnapshot any) (domain.AttestationDocument, error) {
	verdictJSON, err := canonicalJSON(verdict)
	if err != nil {
		return domain.AttestationDocument{}, fmt.Errorf("attestation: canonicalizing verdict: %w", err)
	}
	configJSON, err := canonicalJSON(configSnapshot)
	if err != nil {
		return domain.AttestationDocument{}, fmt.Errorf("attestation: canonicalizing config: %w", err)
	}

	userData, err := json.Marshal(map[string]string{"risk_level": string(verdict.RiskLevel)})
	if err != nil {
		return domain.AttestationDocument{}, err
	}

	return domain.AttestationDocument{
		Version:        omlVersion,
		TeeType:        iss.teeType,
		PCR0:           hexDigest64(verdictJSON),
		PCR1:           hexDigest64(configJSON),
		UserData:       string(userData),
		TeeFingerprint: iss.fingerprint,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Sign produces the full signed attestation bundle: base64 quote, base64
// PSS-SHA256 signature over the canonicalized quote JSON, and the PEM public key.
func (iss *Issuer) Sign(doc domain.AttestationDocument) (domain.SignedAttestation, error) {
	docJSON, err := canonicalJSON(doc)
	if err != nil {
		return domain.SignedAttestation{}, fmt.Errorf("attestation: canonicalizing document: %w", err)
	}

	digest := sha256.Sum256(docJSON)
	signature, err := rsa.SignPSS(rand.Reader, iss.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return domain.SignedAttestation{}, fmt.Errorf("attestation: signing: %w", err)
	}

	return domain.SignedAttestation{
		Quote:     base64.StdEncoding.EncodeToString(docJSON),
		Signature: base64.StdEncoding.EncodeToString(signature),
		PublicKey: iss.publicPEM,
	}, nil
}

// IssueForVerdict is the single entry point the transport layer calls once a
// Verdict has been finalized: build the document, sign it, return the bundle.
func (iss *Issuer) IssueForVerdict(verdict domain.Verdict, configSnapshot any) (domain.SignedAttestation, error) {
	doc, err := iss.BuildDocument(verdict, configSnapshot)
	if err != nil {
		return domain.SignedAttestation{}, err
	}
	return iss.Sign(doc)
}

// Verify checks a signed attestation bundle against its embedded public key.
func Verify(bundle domain.SignedAttestation) error {
	blockBytes := []byte(bundle.PublicKey)
	block, _ := pem.Decode(blockBytes)
	if block == nil {
		return fmt.Errorf("attestation: invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("attestation: parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("attestation: public key is not RSA")
	}

	quote, err := base64.StdEncoding.DecodeString(bundle.Quote)
	if err != nil {
		return fmt.Errorf("attestation: decoding quote: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(bundle.Signature)
	if err != nil {
		return fmt.Errorf("attestation: decoding signature: %w", err)
	}

	digest := sha256.Sum256(quote)
	return rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}
