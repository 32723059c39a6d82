package oauthproxy

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestVerifyPKCEPlain(t *testing.T) {
	if !verifyPKCE("verifier-value", "plain", "verifier-value") {
		t.Error("matching plain challenge/verifier should verify")
	}
	if verifyPKCE("verifier-value", "plain", "wrong-value") {
		t.Error("mismatched plain verifier should not verify")
	}
}

func TestVerifyPKCES256(t *testing.T) {
	verifier := "a-random-code-verifier-value"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if !verifyPKCE(challenge, "S256", verifier) {
		t.Error("correct S256 challenge/verifier pair should verify")
	}
	if verifyPKCE(challenge, "S256", "a-different-verifier") {
		t.Error("wrong verifier should not verify under S256")
	}
}

func TestVerifyPKCEDefaultsToPlain(t *testing.T) {
	if !verifyPKCE("value", "", "value") {
		t.Error("empty method should default to plain comparison")
	}
}

func TestVerifyPKCERejectsEmptyVerifier(t *testing.T) {
	if verifyPKCE("challenge", "plain", "") {
		t.Error("an empty verifier must never verify")
	}
}

func TestVerifyPKCERejectsUnknownMethod(t *testing.T) {
	if verifyPKCE("challenge", "unknown-method", "challenge") {
		t.Error("an unrecognized method must not verify")
	}
}
