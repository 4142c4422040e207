package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

// KeyManager handles the client SSH key pair stored in a directory.
type KeyManager struct {
	dir string
}

// NewKeyManager creates a new SSH key manager for a key directory (e.g., ~/.conntask/ssh).
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// PrivateKeyPath returns the path to the private key.
func (m *KeyManager) PrivateKeyPath() string { return filepath.Join(m.dir, privateKeyFile) }

// PublicKeyPath returns the path to the public key.
func (m *KeyManager) PublicKeyPath() string { return filepath.Join(m.dir, publicKeyFile) }

// KeysExist checks if both private and public keys exist.
func (m *KeyManager) KeysExist() bool {
	_, errPriv := os.Stat(m.PrivateKeyPath())
	_, errPub := os.Stat(m.PublicKeyPath())
	return errPriv == nil && errPub == nil
}

// GenerateKeys generates a new Ed25519 key pair replacing the existing one.
// Returns the public key in authorized_keys format.
func (m *KeyManager) GenerateKeys() (publicKeyAuthorized string, err error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return "", fmt.Errorf("could not create ssh key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("could not generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("could not convert to ssh public key: %w", err)
	}

	privKeyBlock, err := ssh.MarshalPrivateKey(privKey, "conntask-generated-key")
	if err != nil {
		return "", fmt.Errorf("could not marshal private key: %w", err)
	}

	privKeyPath := m.PrivateKeyPath()
	if err := os.WriteFile(privKeyPath, pem.EncodeToMemory(privKeyBlock), 0600); err != nil {
		return "", fmt.Errorf("could not write private key: %w", err)
	}

	publicKeyAuthorized = string(ssh.MarshalAuthorizedKey(sshPubKey))
	if err := os.WriteFile(m.PublicKeyPath(), []byte(publicKeyAuthorized), 0644); err != nil {
		os.Remove(privKeyPath)
		return "", fmt.Errorf("could not write public key: %w", err)
	}

	return publicKeyAuthorized, nil
}

// EnsureKeys generates the key pair only when missing and returns the public key.
func (m *KeyManager) EnsureKeys() (string, error) {
	if m.KeysExist() {
		return m.LoadPublicKey()
	}
	return m.GenerateKeys()
}

// LoadPublicKey reads the public key in authorized_keys format.
func (m *KeyManager) LoadPublicKey() (string, error) {
	data, err := os.ReadFile(m.PublicKeyPath())
	if err != nil {
		return "", fmt.Errorf("could not read public key: %w", err)
	}
	return string(data), nil
}

// LoadPrivateKey reads the private key bytes.
func (m *KeyManager) LoadPrivateKey() ([]byte, error) {
	data, err := os.ReadFile(m.PrivateKeyPath())
	if err != nil {
		return nil, fmt.Errorf("could not read private key: %w", err)
	}
	return data, nil
}
