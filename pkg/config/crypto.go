package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService   = "sakaki"
	keyringConfigKey = "config-master-key"
	masterKeySize    = 32
)

// getMasterKey returns the AES key protecting the config row. It is read
// from the OS keyring, then from a 0600 file under HomeDir, and generated
// when neither has one.
func getMasterKey() ([]byte, error) {
	if encoded, err := keyring.Get(keyringService, keyringConfigKey); err == nil {
		return decodeMasterKey(encoded)
	}

	if data, err := os.ReadFile(fallbackMasterKeyPath()); err == nil {
		return decodeMasterKey(string(data))
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(keyringService, keyringConfigKey, encoded); err != nil {
		// Headless hosts have no keyring.
		if err := writeFallbackMasterKey(encoded); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func decodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("invalid config master key length %d", len(key))
	}
	return key, nil
}

func fallbackMasterKeyPath() string {
	return filepath.Join(HomeDir(), ".config-master-key")
}

func writeFallbackMasterKey(encoded string) error {
	path := fallbackMasterKeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(encoded), 0600)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encryptConfig(key, plaintext []byte) ([]byte, []byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func decryptConfig(key, ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
