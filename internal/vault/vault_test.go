package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New("test-secret")

	ct, err := v.EncryptValue("hunter2")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if !IsEncrypted(ct) {
		t.Fatalf("ciphertext %q missing marker", ct)
	}
	if strings.Contains(ct, "hunter2") {
		t.Error("ciphertext contains the plaintext")
	}

	pt, err := v.DecryptValue(ct)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if pt != "hunter2" {
		t.Errorf("plaintext = %q, want %q", pt, "hunter2")
	}
}

func TestEncryptValueIdempotent(t *testing.T) {
	v := New("test-secret")

	once, err := v.EncryptValue("secret")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	twice, err := v.EncryptValue(once)
	if err != nil {
		t.Fatalf("EncryptValue(encrypted): %v", err)
	}
	if twice != once {
		t.Error("re-encrypting a tagged value must be a no-op")
	}
}

func TestDecryptValuePassesThroughPlaintext(t *testing.T) {
	v := New("test-secret")
	got, err := v.DecryptValue("just a string")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "just a string" {
		t.Errorf("got %q", got)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	v := New("test-secret")
	ct, err := v.EncryptValue("secret")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	tampered := ct[:len(ct)-2] + "AA"
	if _, err := v.DecryptValue(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptValue(tampered) = %v, want ErrDecryptionFailed", err)
	}

	if _, err := v.DecryptValue(Marker + "not base64!!!"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptValue(garbage) = %v, want ErrDecryptionFailed", err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	ct, err := New("key-one").EncryptValue("secret")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if _, err := New("key-two").DecryptValue(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptValue with rotated key = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeylessVaultPassesThrough(t *testing.T) {
	v := New("")

	ct, err := v.EncryptValue("secret")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if ct != "secret" {
		t.Errorf("keyless encrypt = %q, want plaintext pass-through", ct)
	}

	cfg := v.EncryptFields("discord", map[string]any{"bot_token": "tok"})
	if cfg["bot_token"] != "tok" {
		t.Errorf("bot_token = %v, want untouched plaintext", cfg["bot_token"])
	}
}

func TestEncryptFieldsOnlyTouchesSensitive(t *testing.T) {
	v := New("test-secret")

	in := map[string]any{
		"bot_token": "tok",
		"guild_id":  "g1",
		"enabled":   true,
	}
	out := v.EncryptFields("discord", in)

	token, _ := out["bot_token"].(string)
	if !IsEncrypted(token) {
		t.Errorf("bot_token = %q, want encrypted", token)
	}
	if out["guild_id"] != "g1" || out["enabled"] != true {
		t.Errorf("non-sensitive fields changed: %v", out)
	}
	if in["bot_token"] != "tok" {
		t.Error("input map was mutated")
	}

	back, err := v.DecryptFields("discord", out)
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if back["bot_token"] != "tok" {
		t.Errorf("round trip = %v", back["bot_token"])
	}
}

func TestRegisterSensitiveFields(t *testing.T) {
	v := New("test-secret")
	v.RegisterSensitiveFields("webhookd", "signing_key")
	v.RegisterSensitiveFields("webhookd", "signing_key") // duplicate ignored

	out := v.EncryptFields("webhookd", map[string]any{"signing_key": "k", "url": "u"})
	key, _ := out["signing_key"].(string)
	if !IsEncrypted(key) {
		t.Errorf("signing_key = %q, want encrypted", key)
	}
	if out["url"] != "u" {
		t.Errorf("url = %v", out["url"])
	}
}

func TestDecryptFieldsReportsFirstErrorButFinishes(t *testing.T) {
	v := New("test-secret")
	v.RegisterSensitiveFields("multi", "a", "b")

	good, err := v.EncryptValue("fine")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	out, err := v.DecryptFields("multi", map[string]any{
		"a": Marker + "broken",
		"b": good,
	})
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptFields = %v, want ErrDecryptionFailed", err)
	}
	if out["b"] != "fine" {
		t.Errorf("b = %v, want other fields still decrypted", out["b"])
	}
}
