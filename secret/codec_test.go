package secret

import (
	"encoding/base64"
	"strings"
	"testing"

	"mailcore/utils"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCodec(t *testing.T, key string) *Codec {
	t.Helper()
	c, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t, testKey)

	for _, in := range []string{"", "hunter2", "ünïcödé ✉", strings.Repeat("x", 4096)} {
		ct, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", in, err)
		}
		if in != "" && strings.Contains(ct, in) {
			t.Errorf("ciphertext contains plaintext %q", in)
		}
		out, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if out != in {
			t.Errorf("round trip mismatch: got %q want %q", out, in)
		}
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	c := newTestCodec(t, testKey)

	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestBase64Key(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	c := newTestCodec(t, key)

	ct, err := c.Encrypt("pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if out, err := c.Decrypt(ct); err != nil || out != "pw" {
		t.Errorf("Decrypt = %q, %v", out, err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	c1 := newTestCodec(t, testKey)
	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c2 := newTestCodec(t, other)

	ct, _ := c1.Encrypt("secret")
	if _, err := c2.Decrypt(ct); !utils.IsKind(err, utils.KindDecryption) {
		t.Errorf("expected DecryptionError, got %v", err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	c := newTestCodec(t, testKey)
	ct, _ := c.Encrypt("secret")

	// Flip every position once; each must fail authentication.
	body := []byte(ct[len(prefix):])
	for i := range body {
		tampered := make([]byte, len(body))
		copy(tampered, body)
		if tampered[i] == '0' {
			tampered[i] = '1'
		} else {
			tampered[i] = '0'
		}
		out, err := c.Decrypt(prefix + string(tampered))
		if !utils.IsKind(err, utils.KindDecryption) {
			t.Fatalf("position %d: expected DecryptionError, got %v", i, err)
		}
		if out != "" {
			t.Fatalf("position %d: returned partial plaintext %q", i, out)
		}
	}
}

func TestMalformedCiphertext(t *testing.T) {
	c := newTestCodec(t, testKey)

	for _, in := range []string{"", "plain", "v1:zz", "v1:00ff"} {
		if _, err := c.Decrypt(in); !utils.IsKind(err, utils.KindDecryption) {
			t.Errorf("Decrypt(%q): expected DecryptionError, got %v", in, err)
		}
	}
}

func TestMissingOrMalformedKey(t *testing.T) {
	for _, key := range []string{"", "   ", "short", strings.Repeat("z", 64)} {
		_, err := NewCodec(key)
		if !utils.IsKind(err, utils.KindConfiguration) {
			t.Errorf("NewCodec(%q): expected ConfigurationError, got %v", key, err)
		}
	}
}

func TestDisabledCodecReportsConfiguration(t *testing.T) {
	_, cause := NewCodec("")
	c := Disabled(cause)

	if _, err := c.Encrypt("x"); !utils.IsKind(err, utils.KindConfiguration) {
		t.Errorf("Encrypt: expected ConfigurationError, got %v", err)
	}
	if _, err := c.Decrypt("v1:00"); !utils.IsKind(err, utils.KindConfiguration) {
		t.Errorf("Decrypt: expected ConfigurationError, got %v", err)
	}
}
