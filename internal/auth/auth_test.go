package auth

import (
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Sign("user-42", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	subject, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "user-42" {
		t.Errorf("subject = %q, want user-42", subject)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewVerifier("test-secret")
	other := NewVerifier("other-secret")

	token, err := other.Sign("user-42", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify(wrong secret) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Sign("user-42", -time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify(expired) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := NewVerifier("test-secret")

	if _, err := v.Verify("not.a.token"); err != ErrInvalidToken {
		t.Errorf("Verify(garbage) = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Verify(""); err != ErrInvalidToken {
		t.Errorf("Verify(empty) = %v, want ErrInvalidToken", err)
	}
}

func TestDisabledVerifier(t *testing.T) {
	v := NewVerifier("")

	if v.Enabled() {
		t.Error("Enabled() = true for empty secret, want false")
	}
	if _, err := v.Verify("anything"); err != ErrDisabled {
		t.Errorf("Verify = %v, want ErrDisabled", err)
	}
	if _, err := v.Sign("user", time.Minute); err != ErrDisabled {
		t.Errorf("Sign = %v, want ErrDisabled", err)
	}
}
