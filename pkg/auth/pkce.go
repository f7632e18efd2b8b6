package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods.
const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

// CheckFormat validates a PKCE verifier or challenge: 43 to 128 characters
// from [A-Za-z0-9_.-~].
func CheckFormat(input, name string) error {
	if len(input) < 43 {
		return fmt.Errorf("%s must be a string with a minimum length of 43 characters", name)
	}
	if len(input) > 128 {
		return fmt.Errorf("%s must be a string with a maximum length of 128 characters", name)
	}
	for i := 0; i < len(input); i++ {
		if !pkceChar(input[i]) {
			return fmt.Errorf("%s contains invalid characters", name)
		}
	}
	return nil
}

func pkceChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.', c == '-', c == '~':
		return true
	}
	return false
}

// ChallengeS256 derives the S256 challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier answers challenge under method. An
// empty method means plain.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" && challenge == "" {
		return false
	}
	if verifier == "" || CheckFormat(verifier, "code_verifier") != nil {
		return false
	}

	expected := verifier
	switch method {
	case "", MethodPlain:
	case MethodS256:
		expected = ChallengeS256(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}
