package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Verifier and challenge from RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, CheckFormat(rfcVerifier, "code_verifier"))
	assert.NoError(t, CheckFormat(strings.Repeat("a", 128), "code_verifier"))

	err := CheckFormat(strings.Repeat("a", 42), "code_verifier")
	assert.ErrorContains(t, err, "minimum length of 43")

	err = CheckFormat(strings.Repeat("a", 129), "code_challenge")
	assert.ErrorContains(t, err, "code_challenge must be a string with a maximum length")

	err = CheckFormat(strings.Repeat("a", 42)+"+", "code_verifier")
	assert.ErrorContains(t, err, "invalid characters")
}

func TestChallengeS256(t *testing.T) {
	assert.Equal(t, rfcChallenge, ChallengeS256(rfcVerifier))
}

func TestVerifyPKCE(t *testing.T) {
	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"s256", rfcVerifier, rfcChallenge, MethodS256, true},
		{"s256 mismatch", rfcVerifier, rfcVerifier, MethodS256, false},
		{"plain", rfcVerifier, rfcVerifier, MethodPlain, true},
		{"empty method is plain", rfcVerifier, rfcVerifier, "", true},
		{"plain mismatch", rfcVerifier, rfcChallenge, MethodPlain, false},
		{"both empty", "", "", MethodS256, false},
		{"missing verifier", "", rfcChallenge, MethodS256, false},
		{"short verifier", "abc", "abc", MethodPlain, false},
		{"unknown method", rfcVerifier, rfcVerifier, "S512", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyPKCE(tt.verifier, tt.challenge, tt.method))
		})
	}
}

func TestOwnerTokenCookieName(t *testing.T) {
	assert.Equal(t, "_gitpod_io_ws_abc-123_owner_", OwnerTokenCookieName("gitpod.io", "abc-123"))
	assert.Equal(t, "_://my_gitpod_example_com_ws_i1_owner_", OwnerTokenCookieName("https://my-gitpod.example.com", "i1"))
	assert.Equal(t, "_a_b_ws_i1_owner_", OwnerTokenCookieName("a b", "i1"))
}
