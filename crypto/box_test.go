package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/elnosh/provablegbp/pgbp"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("unexpected error generating key: %v", err)
	}

	tests := []any{
		pgbp.MintRequestPayload{
			InstitutionId: "natwest-sandbox",
			SortCode:      "500000",
			AccountNumber: "12345678",
			Name:          "Jane Doe",
			PublicKey:     key.PublicKeyBase64(),
		},
		pgbp.AuthRequestPayload{Url: "https://bank.example/authorize?consent=1", ConsentId: "consent-1"},
		pgbp.AuthGrantedPayload{ConsentCode: "code-1", PublicKey: key.PublicKeyBase64()},
	}

	for _, payload := range tests {
		envelope, err := Encrypt(key.PublicKeyBase64(), payload)
		if err != nil {
			t.Fatalf("unexpected error encrypting: %v", err)
		}
		if envelope.Version != BoxVersion {
			t.Fatalf("expected version '%v' but got '%v'", BoxVersion, envelope.Version)
		}

		out := reflect.New(reflect.TypeOf(payload))
		if err := key.Decrypt(envelope, out.Interface()); err != nil {
			t.Fatalf("unexpected error decrypting: %v", err)
		}
		if !reflect.DeepEqual(payload, out.Elem().Interface()) {
			t.Fatalf("expected payload '%+v' but got '%+v'", payload, out.Elem().Interface())
		}
	}
}

func TestEncryptFreshNonce(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	payload := pgbp.AuthRequestPayload{Url: "https://bank.example", ConsentId: "c"}

	envelope1, _ := Encrypt(key.PublicKeyBase64(), payload)
	envelope2, _ := Encrypt(key.PublicKeyBase64(), payload)
	if envelope1.Nonce == envelope2.Nonce || envelope1.EphemPublicKey == envelope2.EphemPublicKey {
		t.Fatal("expected fresh nonce and ephemeral key per encryption")
	}
	if envelope1.Ciphertext == envelope2.Ciphertext {
		t.Fatal("expected different ciphertexts")
	}
}

func TestDecryptMismatchedKey(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	otherKey, _ := GenerateEncryptionKey()

	envelope, err := Encrypt(key.PublicKeyBase64(), pgbp.AuthRequestPayload{Url: "u", ConsentId: "c"})
	if err != nil {
		t.Fatalf("unexpected error encrypting: %v", err)
	}

	var payload pgbp.AuthRequestPayload
	err = otherKey.Decrypt(envelope, &payload)
	if !errors.Is(err, pgbp.DecryptionFailedErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.DecryptionFailedErr, err)
	}
}

func TestDecryptTampered(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	envelope, _ := Encrypt(key.PublicKeyBase64(), pgbp.AuthRequestPayload{Url: "u", ConsentId: "c"})

	ciphertext, _ := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	ciphertext[len(ciphertext)-1] ^= 0xff
	tampered := *envelope
	tampered.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)

	if _, err := key.DecryptBytes(&tampered); !errors.Is(err, pgbp.DecryptionFailedErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.DecryptionFailedErr, err)
	}

	badVersion := *envelope
	badVersion.Version = "x25519-chacha20"
	if _, err := key.DecryptBytes(&badVersion); !errors.Is(err, pgbp.DecryptionFailedErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.DecryptionFailedErr, err)
	}

	shortNonce := *envelope
	shortNonce.Nonce = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := key.DecryptBytes(&shortNonce); !errors.Is(err, pgbp.DecryptionFailedErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.DecryptionFailedErr, err)
	}
}

func TestEnvelopeSerialization(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	payload := pgbp.AuthGrantedPayload{ConsentCode: "code", PublicKey: key.PublicKeyBase64()}

	data, err := EncryptData(key.PublicKeyBase64(), payload)
	if err != nil {
		t.Fatalf("unexpected error encrypting: %v", err)
	}

	var decrypted pgbp.AuthGrantedPayload
	if err := key.DecryptData(data, &decrypted); err != nil {
		t.Fatalf("unexpected error decrypting: %v", err)
	}
	if decrypted != payload {
		t.Fatalf("expected payload '%+v' but got '%+v'", payload, decrypted)
	}

	if _, err := ParseEnvelope([]byte("not json")); !errors.Is(err, pgbp.DecryptionFailedErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.DecryptionFailedErr, err)
	}
}

// envelope produced by eth-sig-util encrypt
func TestParseEthSigUtilEnvelope(t *testing.T) {
	data := `{"version":"x25519-xsalsa20-poly1305",
		"nonce":"bD15FwAp5qKHkSXVYIOWdQSTRND/I1xD",
		"ephemPublicKey":"sd3anNO1KATzFua1N8v670lkuM+q6oFDT36fMPyvrzc=",
		"ciphertext":"hdU6KW3SxMbddrCNlz6LXMwt7fqF0oY2f2ZdFd6YNRmwnQSd2BWbPs3zi6eMsoBqCPzVuPjgBWamU4Q="}`

	envelope, err := ParseEnvelope([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error parsing envelope: %v", err)
	}
	if envelope.EphemPublicKey != "sd3anNO1KATzFua1N8v670lkuM+q6oFDT36fMPyvrzc=" {
		t.Fatalf("unexpected ephemeral key '%v'", envelope.EphemPublicKey)
	}
}

func TestParsePublicKey(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	raw := key.PublicKey()

	tests := []struct {
		input       string
		expectedErr error
	}{
		{input: base64.StdEncoding.EncodeToString(raw[:])},
		{input: base64.RawStdEncoding.EncodeToString(raw[:])},
		{input: "0x" + hex.EncodeToString(raw[:])},
		{input: string(raw[:])},
		{input: "0xzz", expectedErr: pgbp.InvalidKeyErr},
		{input: "0x" + hex.EncodeToString(raw[:16]), expectedErr: pgbp.InvalidKeyErr},
		{input: base64.StdEncoding.EncodeToString(raw[:16]), expectedErr: pgbp.InvalidKeyErr},
		{input: "", expectedErr: pgbp.InvalidKeyErr},
	}

	for i, test := range tests {
		publicKey, err := ParsePublicKey(test.input)
		if test.expectedErr != nil {
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("test %v: expected error '%v' but got '%v'", i, test.expectedErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("test %v: unexpected error: %v", i, err)
		}
		if *publicKey != *raw {
			t.Fatalf("test %v: parsed key does not match", i)
		}
	}

	if _, err := Encrypt("not-a-key", pgbp.AuthRequestPayload{}); !errors.Is(err, pgbp.InvalidKeyErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.InvalidKeyErr, err)
	}
}

func TestEncryptionKeyFromHex(t *testing.T) {
	key, _ := GenerateEncryptionKey()

	restored, err := EncryptionKeyFromHex("0x" + key.SecretHex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.PublicKeyBase64() != key.PublicKeyBase64() {
		t.Fatal("restored key has different public key")
	}

	if _, err := EncryptionKeyFromHex("abcd"); !errors.Is(err, pgbp.InvalidKeyErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.InvalidKeyErr, err)
	}
}

func TestConcurrentEncryptDecrypt(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	payload := pgbp.AuthRequestPayload{Url: "https://bank.example", ConsentId: "c"}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envelope, err := Encrypt(key.PublicKeyBase64(), payload)
			if err != nil {
				errs <- err
				return
			}
			var out pgbp.AuthRequestPayload
			if err := key.Decrypt(envelope, &out); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
}
