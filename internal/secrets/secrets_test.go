package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKey(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b
	}
	return k
}

// TestSealOpen verifies a sealed value opens to the original.
func TestSealOpen(t *testing.T) {
	key := testKey(7)
	sealed, err := Seal("postgres://sync:hunter2@db/tourney", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "hunter2") {
		t.Fatalf("Seal() = %q", sealed)
	}
	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "postgres://sync:hunter2@db/tourney" {
		t.Errorf("Open() = %q", got)
	}
}

// TestSealUsesFreshNonce verifies sealing twice yields different values.
func TestSealUsesFreshNonce(t *testing.T) {
	key := testKey(1)
	a, _ := Seal("secret", key)
	b, _ := Seal("secret", key)
	if a == b {
		t.Error("Seal() produced the same value twice")
	}
}

// TestOpenFailures verifies wrong keys, tampering and bad encodings fail.
func TestOpenFailures(t *testing.T) {
	key := testKey(3)
	sealed, err := Seal("secret", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	tampered := sealed[:len(sealed)-4] + "AAAA"

	tests := []struct {
		name  string
		value string
		key   Key
	}{
		{"wrong key", sealed, testKey(4)},
		{"tampered", tampered, key},
		{"not base64", Prefix + "!!!", key},
		{"too short", Prefix + "AAAA", key},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.value, tt.key); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

// TestOpenPlainValue verifies unsealed values pass through.
func TestOpenPlainValue(t *testing.T) {
	got, err := Open("plain", testKey(0))
	if err != nil || got != "plain" {
		t.Errorf("Open() = %q, %v", got, err)
	}
}

// TestKeyFile verifies the key is created once with private permissions.
func TestKeyFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadKey(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadKey() error = %v, want not exist", err)
	}

	first, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() error = %v", err)
	}
	second, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() second error = %v", err)
	}
	if first != second {
		t.Error("key changed between loads")
	}

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	os.WriteFile(filepath.Join(dir, KeyFileName), []byte("short"), 0600)
	if _, err := LoadKey(dir); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("LoadKey() error = %v, want ErrInvalidKey", err)
	}
}
