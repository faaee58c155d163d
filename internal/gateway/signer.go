package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	rsaKeySize    = 2048
	jwtExpiration = 1 * time.Minute
)

// RequestSigner attaches a short-lived, per-request JWT to every call
// forwarded to a sandbox, so cmd/sandboxagent can verify the call
// genuinely originated at the gateway rather than an arbitrary peer
// reaching the sandbox's internal address directly. Grounded on
// pkg/router/jwt.go's JWTManager (RSA keypair + RS256 signing) merged
// with pkg/router/signer.go's canonical-request-hash anti-tampering
// claim, repurposed from "cluster session init" to "per-request origin
// attestation" — there is no Kubernetes Secret to persist into here (a
// single-process gateway with no cluster or horizontal scaling), so the
// keypair is generated fresh per gateway process lifetime, the same
// fallback path TryStoreOrLoadJWTKeySecret already takes when it detects
// it is not running in-cluster.
type RequestSigner struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewRequestSigner generates a fresh RSA keypair for the process lifetime.
func NewRequestSigner() (*RequestSigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to generate signer keypair: %w", err)
	}
	return &RequestSigner{privateKey: key, publicKey: &key.PublicKey}, nil
}

// PublicKeyPEM returns the public key in PEM format, the form
// cmd/sandboxagent reads (base64-encoded) from
// SANDBOXAGENT_GATEWAY_PUBLIC_KEY. Nothing in this repository calls it:
// the pool's CreateSpec carries no environment, so the containers it
// creates are not given this key.
func (s *RequestSigner) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign produces a short-lived RS256 token asserting sessionID and a
// SHA-256 hash of the code body, so the sandbox can detect tampering
// in transit even though the gateway and sandbox share no TLS mutual
// auth, the same anti-tampering goal pkg/router/signer.go's
// canonical_request_sha256 claim serves.
func (s *RequestSigner) Sign(sessionID string, body []byte) (string, error) {
	bodyHash := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":            "code-interpreter-gateway",
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(jwtExpiration).Unix(),
		"session_id":     sessionID,
		"body_sha256":    fmt.Sprintf("%x", bodyHash),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("gateway: sign request token: %w", err)
	}
	return signed, nil
}
