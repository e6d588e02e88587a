package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const secretFileName = "jwt-secret.key"

// ResolveJWTSecret returns the configured secret, else the one stored in
// keysDir, else a freshly generated secret that is saved to keysDir.
func (c *Config) ResolveJWTSecret(logger zerolog.Logger) (string, error) {
	if c.Auth.JWTSecret != "" {
		return c.Auth.JWTSecret, nil
	}

	secretFile := filepath.Join(c.Auth.KeysDir, secretFileName)
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			logger.Info().Str("path", secretFile).Msg("JWT secret loaded")
			c.Auth.JWTSecret = secret
			return secret, nil
		}
	}

	secret, err := generateRandomSecret()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.Auth.KeysDir, 0o700); err != nil {
		logger.Warn().Err(err).Msg("JWT secret not persisted, tokens will not survive a restart")
	} else if err := os.WriteFile(secretFile, []byte(secret), 0o600); err != nil {
		logger.Warn().Err(err).Msg("JWT secret not persisted, tokens will not survive a restart")
	} else {
		logger.Info().Str("path", secretFile).Msg("JWT secret generated")
	}
	c.Auth.JWTSecret = secret
	return secret, nil
}

func generateRandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
