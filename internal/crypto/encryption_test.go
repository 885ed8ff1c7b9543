package crypto

import (
	"errors"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if key == "" {
		t.Fatal("Generated key is empty")
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}
	if key == key2 {
		t.Fatal("Generated keys should be unique")
	}
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	testCases := []struct {
		name string
		key  string
	}{
		{"Short passphrase", "hunter2"},
		{"Short base64", "c2hvcnQ="},
		{"Empty", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSealer(tc.key)
			if err == nil {
				t.Fatalf("NewSealer(%q) should fail", tc.key)
			}
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestPassphraseSealersInteroperate(t *testing.T) {
	const passphrase = "correct horse battery staple"

	sealerA, err := NewSealer(passphrase)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealerB, err := NewSealer(passphrase)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := sealerA.Seal("device-token-123")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// The salt rides inside the sealed value, so a second daemon with the
	// same passphrase can open it.
	opened, err := sealerB.Open(sealed)
	if err != nil {
		t.Fatalf("Open on second sealer failed: %v", err)
	}
	if opened != "device-token-123" {
		t.Fatalf("Opened value doesn't match. Got %q", opened)
	}

	wrong, err := NewSealer("a completely different passphrase")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := wrong.Open(sealed); err == nil {
		t.Fatal("Open with wrong passphrase should fail")
	}
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"FCM registration token", "dGhpcyBpcyBhIHRva2Vu:APA91bE_example"},
		{"With colon and dash", "e-XYZ:token-123456"},
		{"Long token", "ThisIsAVeryLongDeviceTokenWithManyCharacters1234567890!@#$"},
		{"Unicode", "🔐 token 令牌"},
		{"Empty string", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := sealer.Seal(tc.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			if tc.plaintext == "" {
				if sealed != "" {
					t.Fatal("Empty plaintext should seal to empty string")
				}
				return
			}

			if sealed == tc.plaintext {
				t.Fatal("Sealed value should differ from plaintext")
			}

			opened, err := sealer.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tc.plaintext {
				t.Fatalf("Opened value doesn't match. Expected %q, got %q", tc.plaintext, opened)
			}
		})
	}
}

func TestSealUniqueness(t *testing.T) {
	key, _ := GenerateKey()
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	plaintext := "device-token-123"

	sealed1, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("First seal failed: %v", err)
	}
	sealed2, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Second seal failed: %v", err)
	}

	// Random nonce makes repeated seals distinct.
	if sealed1 == sealed2 {
		t.Fatal("Same plaintext sealed twice should produce different outputs")
	}

	opened1, err := sealer.Open(sealed1)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	opened2, err := sealer.Open(sealed2)
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	if opened1 != plaintext || opened2 != plaintext {
		t.Fatal("Both sealed values should open to original plaintext")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	sealer1, _ := NewSealer(key1)
	sealer2, _ := NewSealer(key2)

	sealed, err := sealer1.Seal("device-token-123")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := sealer2.Open(sealed); err == nil {
		t.Fatal("Open with wrong key should fail")
	}
}

func TestIsSealed(t *testing.T) {
	key, _ := GenerateKey()
	sealer, _ := NewSealer(key)

	testCases := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Empty string", "", false},
		{"Plain token", "device-token-123", false},
		{"Short base64", "YWJjZA==", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSealed(tc.input); got != tc.expected {
				t.Fatalf("IsSealed(%q) = %v, expected %v", tc.input, got, tc.expected)
			}
		})
	}

	sealed, _ := sealer.Seal("device-token-123")
	if !IsSealed(sealed) {
		t.Fatal("IsSealed should return true for sealed data")
	}
}
