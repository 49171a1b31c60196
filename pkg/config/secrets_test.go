package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	password := "test-password-12345"
	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test123",
		"OPENAI_API_KEY":    "sk-test-openai",
		"GEMINI_API_KEY":    "AIza-test-gemini",
	}

	err := EncryptSecretsFile(tmpDir, password, secrets)
	if err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	secretsPath := filepath.Join(tmpDir, ".conductor", secretsFileName)
	info, err := os.Stat(secretsPath)
	if err != nil {
		t.Fatalf("Secrets file was not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(tmpDir, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}

	if len(decrypted) != len(secrets) {
		t.Errorf("Expected %d secrets, got %d", len(secrets), len(decrypted))
	}
	for key, expectedValue := range secrets {
		if actualValue, exists := decrypted[key]; !exists {
			t.Errorf("Secret %s not found in decrypted data", key)
		} else if actualValue != expectedValue {
			t.Errorf("Secret %s: expected %q, got %q", key, expectedValue, actualValue)
		}
	}
}

func TestDecryptWithWrongPassword(t *testing.T) {
	tmpDir := t.TempDir()

	secrets := map[string]string{"ANTHROPIC_API_KEY": "sk-ant-test123"}
	if err := EncryptSecretsFile(tmpDir, "correct-password", secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "wrong-password"); err == nil {
		t.Fatal("Expected decryption to fail with wrong password")
	}
}

func TestDecryptTruncatedFile(t *testing.T) {
	tmpDir := t.TempDir()
	stateDir := filepath.Join(tmpDir, ".conductor")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, secretsFileName), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "any"); err == nil {
		t.Fatal("Expected decryption of truncated file to fail")
	}
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	// Environment fallback when no secrets file is loaded.
	SetDecryptedSecrets(nil)
	t.Setenv("CONDUCTOR_TEST_SECRET", "from-env")
	value, err := GetSecret("CONDUCTOR_TEST_SECRET")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if value != "from-env" {
		t.Errorf("Expected env value, got %q", value)
	}

	// In-memory secrets take precedence over environment.
	SetDecryptedSecrets(map[string]string{"CONDUCTOR_TEST_SECRET": "from-file"})
	value, err = GetSecret("CONDUCTOR_TEST_SECRET")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if value != "from-file" {
		t.Errorf("Expected file value to win, got %q", value)
	}

	// Unknown secret is an error.
	if _, err := GetSecret("CONDUCTOR_MISSING_SECRET"); err == nil {
		t.Error("Expected error for missing secret")
	}
}

func TestSetAndDeleteSecret(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	SetSecret("K1", "v1")
	if v, err := GetSecret("K1"); err != nil || v != "v1" {
		t.Fatalf("GetSecret after SetSecret = %q, %v", v, err)
	}

	names := GetDecryptedSecretNames()
	if len(names) != 1 || names[0] != "K1" {
		t.Errorf("Expected names [K1], got %v", names)
	}

	DeleteSecret("K1")
	if _, err := GetSecret("K1"); err == nil {
		t.Error("Expected error after DeleteSecret")
	}
}
