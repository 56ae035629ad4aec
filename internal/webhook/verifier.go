// Package webhook authenticates inbound delivery-event webhook batches.
//
// The provider signs timestamp‖body with ECDSA P-256/SHA-256 and sends the
// signature base64-encoded in a header. Signatures may arrive DER-encoded or
// already in raw R‖S form; both are accepted.
package webhook

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/mailwizard/delivery-core/internal/pkg/logger"
)

// VerificationMode controls whether webhook signatures are enforced.
// There is deliberately no "skip when unconfigured" behavior: an Enforced
// verifier without a key is a construction error, and Disabled must be set
// explicitly by an operator.
type VerificationMode string

const (
	ModeEnforced VerificationMode = "enforced"
	ModeDisabled VerificationMode = "disabled"
)

var (
	// ErrInvalidSignature means the batch failed authentication and must be
	// rejected wholesale, with no partial processing.
	ErrInvalidSignature = errors.New("webhook: invalid signature")

	// ErrMissingKey means Enforced mode was requested without a public key.
	ErrMissingKey = errors.New("webhook: verification enforced but no public key configured")
)

const rawSignatureLen = 64 // R and S, 32 bytes each, zero-padded

// Verifier validates webhook batch signatures.
type Verifier struct {
	mode VerificationMode
	pub  *ecdsa.PublicKey
}

// NewVerifier builds a Verifier for the given mode. The key is a PEM-encoded
// P-256 public key and is required in Enforced mode.
func NewVerifier(mode VerificationMode, pemKey []byte) (*Verifier, error) {
	switch mode {
	case ModeDisabled:
		return &Verifier{mode: mode}, nil
	case ModeEnforced:
		if len(pemKey) == 0 {
			return nil, ErrMissingKey
		}
		pub, err := parsePublicKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("webhook: parsing public key: %w", err)
		}
		return &Verifier{mode: mode, pub: pub}, nil
	default:
		return nil, fmt.Errorf("webhook: unknown verification mode %q", mode)
	}
}

// Mode returns the verifier's configured mode so operators can surface it.
func (v *Verifier) Mode() VerificationMode { return v.mode }

// Verify checks the signature over timestamp‖body. In Disabled mode it
// accepts everything but logs a warning on each batch so an open endpoint
// is never silent.
func (v *Verifier) Verify(signatureB64, timestamp string, body []byte) error {
	if v.mode == ModeDisabled {
		logger.Warn("webhook: signature verification disabled, accepting unverified batch")
		return nil
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrInvalidSignature
	}

	raw := sig
	if len(sig) != rawSignatureLen {
		raw, err = derToRaw(sig)
		if err != nil {
			return ErrInvalidSignature
		}
	}

	r := new(big.Int).SetBytes(raw[:rawSignatureLen/2])
	s := new(big.Int).SetBytes(raw[rawSignatureLen/2:])

	msg := sha256.Sum256(append([]byte(timestamp), body...))
	if !ecdsa.Verify(v.pub, msg[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// derToRaw converts a DER-encoded ECDSA signature to the raw fixed-width
// R‖S form (32 bytes each, zero-padded). DER integers carry a leading zero
// byte when the high bit is set; big.Int strips that for us.
func derToRaw(der []byte) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing bytes after DER signature")
	}
	if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, errors.New("non-positive signature component")
	}
	rb, sb := sig.R.Bytes(), sig.S.Bytes()
	if len(rb) > 32 || len(sb) > 32 {
		return nil, errors.New("signature component exceeds curve width")
	}

	raw := make([]byte, rawSignatureLen)
	copy(raw[32-len(rb):32], rb)
	copy(raw[64-len(sb):], sb)
	return raw, nil
}

func parsePublicKey(pemKey []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not ECDSA")
	}
	if pub.Curve != elliptic.P256() {
		return nil, errors.New("key is not P-256")
	}
	return pub, nil
}
