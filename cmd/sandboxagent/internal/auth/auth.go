// Package auth verifies the gateway's per-request origin attestation.
// Adapted from pkg/picod/auth.go's AuthManager, which verifies a PS256
// JWT carrying a canonical_request_sha256 claim against a
// rebuilt-from-scratch canonical request string; this gateway signs
// RS256 tokens carrying session_id and body_sha256 claims instead (see
// internal/gateway/signer.go), so verification here checks the simpler
// pair directly rather than reconstructing a canonical request.
package auth

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const gatewayTokenHeader = "X-Gateway-Token"

// Verifier checks gateway-issued JWTs against the gateway's public key.
// The key is supplied once at startup (out of band, via the sandbox
// image's bootstrap), mirroring AuthManager's one-shot /init handshake
// but without persisting it to disk — a fresh sandbox never outlives a
// single gateway-issued key.
type Verifier struct {
	mu        sync.RWMutex
	publicKey *rsa.PublicKey
}

// NewVerifier builds a Verifier from a PEM-encoded RSA public key, the
// format produced by internal/gateway/signer.go's PublicKeyPEM.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: key is not RSA")
	}
	return &Verifier{publicKey: rsaPub}, nil
}

// SetPublicKey replaces the verification key at run time. The agent
// binary itself never calls it; its key is fixed at startup.
func (v *Verifier) SetPublicKey(pub *rsa.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = pub
}

// Middleware verifies the X-Gateway-Token header's JWT signature and
// checks its session_id and body_sha256 claims against the actual
// request, rejecting anything that doesn't match with 401.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader(gatewayTokenHeader)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + gatewayTokenHeader})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v, expected RS256", token.Header["alg"])
			}
			v.mu.RLock()
			defer v.mu.RUnlock()
			return v.publicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired(), jwt.WithIssuedAt(), jwt.WithLeeway(time.Minute))

		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("invalid gateway token: %v", err)})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}

		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		claimedHash, _ := claims["body_sha256"].(string)
		actualHash := hex.EncodeToString(sha256Sum(bodyBytes))
		if claimedHash == "" || claimedHash != actualHash {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "body_sha256 mismatch, request may have been tampered"})
			c.Abort()
			return
		}

		sessionID, _ := claims["session_id"].(string)
		requestSessionID := strings.TrimSpace(c.GetHeader("X-Session-Id"))
		if sessionID == "" || sessionID != requestSessionID {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session_id mismatch"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
