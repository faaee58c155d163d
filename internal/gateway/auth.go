package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

const authTokenHeader = "X-Auth-Token"

// loadOrGenerateAuthToken returns cfg's configured token if set, otherwise
// loads a previously generated one from tokenFile, otherwise generates a
// fresh one and persists it to a well-known file. Grounded on
// pkg/picod/auth.go's key-persistence idiom, simplified from an RSA
// keypair to a bearer token since the gateway's own external auth is a
// shared-secret header, not PKI.
func loadOrGenerateAuthToken(configured, tokenFile string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if data, err := os.ReadFile(tokenFile); err == nil {
		return string(data), nil
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("gateway: generate auth token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(tokenFile), 0o700); err != nil {
		return "", fmt.Errorf("gateway: create auth token directory: %w", err)
	}
	if err := os.WriteFile(tokenFile, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("gateway: persist auth token: %w", err)
	}
	klog.Infof("gateway: generated new auth token, persisted to %s", tokenFile)

	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// authMiddleware rejects any request lacking a valid X-Auth-Token header
// with 401 AuthInvalid.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader(authTokenHeader)
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			writeTypedError(c, errAuthInvalid())
			c.Abort()
			return
		}
		c.Next()
	}
}
