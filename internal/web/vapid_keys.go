package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDKeys is the application server identity for Web Push.
type VAPIDKeys struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EnsureVAPIDKeys loads the keypair at path, generating and persisting a new
// one when the file does not exist. A changed subject is written back.
func EnsureVAPIDKeys(path, subject string) (keys VAPIDKeys, generated bool, err error) {
	subject = strings.TrimSpace(subject)

	loaded, err := loadVAPIDKeys(path)
	switch {
	case err == nil:
		if subject != "" && loaded.Subject != subject {
			loaded.Subject = subject
			if err := writeVAPIDKeys(path, loaded); err != nil {
				return VAPIDKeys{}, false, err
			}
		}
		return loaded, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return VAPIDKeys{}, false, err
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	keys = VAPIDKeys{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		Subject:    subject,
		CreatedAt:  time.Now().UTC(),
	}
	if err := writeVAPIDKeys(path, keys); err != nil {
		return VAPIDKeys{}, false, err
	}
	return keys, true, nil
}

func loadVAPIDKeys(path string) (VAPIDKeys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VAPIDKeys{}, os.ErrNotExist
		}
		return VAPIDKeys{}, fmt.Errorf("read vapid keys file: %w", err)
	}

	var keys VAPIDKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return VAPIDKeys{}, fmt.Errorf("parse vapid keys file: %w", err)
	}
	keys.PublicKey = strings.TrimSpace(keys.PublicKey)
	keys.PrivateKey = strings.TrimSpace(keys.PrivateKey)
	keys.Subject = strings.TrimSpace(keys.Subject)
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return VAPIDKeys{}, fmt.Errorf("vapid keys file is missing required keys")
	}
	return keys, nil
}

func writeVAPIDKeys(path string, keys VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir vapid dir: %w", err)
	}

	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp vapid keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename vapid keys file: %w", err)
	}
	return nil
}
