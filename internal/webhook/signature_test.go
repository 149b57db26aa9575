package webhook

import (
	"errors"
	"testing"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	t.Parallel()
	body := []byte(`{"ticker":"BTCUSDT"}`)
	sig := Sign("secret", body)

	if err := VerifySignature("secret", body, sig); err != nil {
		t.Fatalf("VerifySignature error: %v", err)
	}
	// Surrounding whitespace in the header is tolerated.
	if err := VerifySignature("secret", body, "  "+sig+"\n"); err != nil {
		t.Fatalf("VerifySignature with padding error: %v", err)
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	t.Parallel()
	body := []byte(`{"ticker":"BTCUSDT"}`)
	sig := Sign("secret", body)

	if err := VerifySignature("secret", body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("empty header error = %v, want ErrMissingSignature", err)
	}
	if err := VerifySignature("secret", body, "not-hex!"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("non-hex header error = %v, want ErrBadSignature", err)
	}
	if err := VerifySignature("other", body, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret error = %v, want ErrBadSignature", err)
	}
	if err := VerifySignature("secret", []byte(`{"ticker":"ETHUSDT"}`), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body error = %v, want ErrBadSignature", err)
	}

	// Flip one nibble of a valid signature.
	tampered := []byte(sig)
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}
	if err := VerifySignature("secret", body, string(tampered)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("flipped signature error = %v, want ErrBadSignature", err)
	}
}
