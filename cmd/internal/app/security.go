package app

import "errors"

// minJWTSecretBytes is measured in bytes (not runes) because the secret is
// used as raw HMAC key material.
const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: a server that signs session tokens with an empty
// or guessable secret must not come up at all.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: SERVICHAT_JWT_SECRET is required")
	}

	if cfg.RequireStrongSecret && len(cfg.JWTSecret) < minJWTSecretBytes {
		return errors.New("security policy: SERVICHAT_REQUIRE_STRONG_SECRET=true but SERVICHAT_JWT_SECRET is too short (min 32 bytes)")
	}

	return nil
}
