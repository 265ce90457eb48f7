package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Keyring holds the age identity that opens sealed connector fields.
type Keyring struct {
	identity *age.X25519Identity
}

// GenerateKeyring creates a fresh identity.
func GenerateKeyring() (*Keyring, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Keyring{identity: id}, nil
}

// LoadOrCreateKeyring reads an AGE-SECRET-KEY-1 identity from path,
// generating and writing one with 0600 permissions when absent.
func LoadOrCreateKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing identity file: %w", err)
		}
		return &Keyring{identity: id}, nil
	case errors.Is(err, fs.ErrNotExist):
		k, err := GenerateKeyring()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(k.identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write identity file: %w", err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}
}

// Recipient returns the public key fields are sealed to.
func (k *Keyring) Recipient() string {
	return k.identity.Recipient().String()
}

// Seal encrypts fields to one or more age recipients.
func Seal(fields Fields, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key: %w", err)
		}
		recipients = append(recipients, r)
	}
	plaintext, err := json.Marshal(map[string]string(fields))
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	defer zero(plaintext)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts sealed fields.
func (k *Keyring) Open(ciphertext []byte) (Fields, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), k.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	defer zero(plaintext)

	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return Fields(fields), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
