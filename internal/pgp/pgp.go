// Package pgp decrypts OpenPGP alarm payloads with a local secret keyring.
package pgp

import (
	"bufio"
	"bytes"
	"context"
	_ "crypto/sha256" // self-signature hashes of keyrings exported by gpg
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// ErrDecrypt wraps every decryption failure.
var ErrDecrypt = errors.New("pgp decryption failed")

// Decrypter turns an encrypted payload into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyringDecrypter decrypts with the private keys of one keyring. The
// passphrase unlocks the private keys and also serves as the password for
// symmetrically encrypted payloads.
type KeyringDecrypter struct {
	mu         sync.Mutex // private keys are unlocked in place
	keys       openpgp.EntityList
	passphrase []byte
	logger     *slog.Logger
}

// LoadKeyring reads an armored or binary keyring from path.
func LoadKeyring(path string, passphrase string, logger *slog.Logger) (*KeyringDecrypter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	keys, err := ReadKeyring(f)
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", path, err)
	}
	return New(keys, passphrase, logger), nil
}

// ReadKeyring parses an armored or binary keyring.
func ReadKeyring(r io.Reader) (openpgp.EntityList, error) {
	br := bufio.NewReader(r)
	if isArmored(br) {
		return openpgp.ReadArmoredKeyRing(br)
	}
	return openpgp.ReadKeyRing(br)
}

// New wraps an already parsed keyring.
func New(keys openpgp.EntityList, passphrase string, logger *slog.Logger) *KeyringDecrypter {
	return &KeyringDecrypter{
		keys:       keys,
		passphrase: []byte(passphrase),
		logger:     logger,
	}
}

// Decrypt accepts armored or binary ciphertext.
func (d *KeyringDecrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecrypt)
	}

	var r io.Reader = bytes.NewReader(ciphertext)
	br := bufio.NewReader(r)
	r = br
	if isArmored(br) {
		block, err := armor.Decode(br)
		if err != nil {
			return nil, fmt.Errorf("%w: armor: %v", ErrDecrypt, err)
		}
		r = block.Body
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prompted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if prompted {
			return nil, errors.New("passphrase rejected")
		}
		prompted = true
		for _, k := range keys {
			if k.PrivateKey == nil || !k.PrivateKey.Encrypted {
				continue
			}
			if err := k.PrivateKey.Decrypt(d.passphrase); err != nil {
				d.logger.Debug("private key did not unlock", "key_id", k.PrivateKey.KeyIdString(), "error", err)
			}
		}
		if symmetric {
			return d.passphrase, nil
		}
		return nil, nil
	}

	md, err := openpgp.ReadMessage(r, d.keys, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("%w: read plaintext: %v", ErrDecrypt, err)
	}
	d.logger.Debug("decrypted payload", "bytes", len(plain), "symmetric", md.IsSymmetricallyEncrypted)
	return plain, nil
}

func isArmored(br *bufio.Reader) bool {
	head, _ := br.Peek(64)
	return bytes.Contains(head, []byte("-----BEGIN PGP"))
}
