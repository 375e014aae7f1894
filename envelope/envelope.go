// Package envelope encrypts values under a recipient's RSA public key before
// they leave the process. Only public-key operations happen here: a
// compromised client can encrypt, but never decrypt.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
)

// ErrEncryptionFailure is matched by every error returned from Encrypt.
var ErrEncryptionFailure = errors.New("failed to encrypt data")

// EncryptionError carries the underlying cause of an encryption failure.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	if e.Err == nil {
		return ErrEncryptionFailure.Error()
	}
	return ErrEncryptionFailure.Error() + ": " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error { return e.Err }

func (e *EncryptionError) Is(target error) bool { return target == ErrEncryptionFailure }

// hashSize is the output size of the OAEP hash (SHA-256).
const hashSize = sha256.Size

// privateBlockTypes are PEM block types that carry private key material.
var privateBlockTypes = map[string]bool{
	"PRIVATE KEY":           true,
	"RSA PRIVATE KEY":       true,
	"EC PRIVATE KEY":        true,
	"ENCRYPTED PRIVATE KEY": true,
}

// ErrPrivateKeyMaterial is returned when a key blob holds private material.
var ErrPrivateKeyMaterial = errors.New("key material contains a private key")

// ParsePublicKey decodes an SPKI RSA public key. Both PEM-wrapped
// ("-----BEGIN PUBLIC KEY-----") and bare base64 SPKI are accepted.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := spkiBytes(encoded)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing SPKI: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}
	return pub, nil
}

// CheckPublic reports ErrPrivateKeyMaterial if encoded contains a private key
// PEM block anywhere in it.
func CheckPublic(encoded string) error {
	rest := []byte(encoded)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if privateBlockTypes[block.Type] {
			return ErrPrivateKeyMaterial
		}
	}
	if strings.Contains(encoded, "PRIVATE KEY-----") {
		return ErrPrivateKeyMaterial
	}
	return nil
}

func spkiBytes(encoded string) ([]byte, error) {
	if err := CheckPublic(encoded); err != nil {
		return nil, err
	}
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		return block.Bytes, nil
	}
	compact := strings.Join(strings.Fields(encoded), "")
	if compact == "" {
		return nil, errors.New("empty key")
	}
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key: %w", err)
	}
	return der, nil
}

// MaxPlaintextSize returns the largest plaintext, in bytes, that RSA-OAEP
// with SHA-256 accepts for pub.
func MaxPlaintextSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*hashSize - 2
}

// Encrypt encrypts the UTF-8 bytes of plaintext under publicKey with
// RSA-OAEP/SHA-256 and returns the standard base64 ciphertext. On any failure
// it returns an *EncryptionError and an empty string.
func Encrypt(plaintext string, publicKey string) (string, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", &EncryptionError{Err: err}
	}
	if len(plaintext) > MaxPlaintextSize(pub) {
		return "", &EncryptionError{Err: fmt.Errorf("plaintext is %d bytes, key accepts at most %d", len(plaintext), MaxPlaintextSize(pub))}
	}

	// Stage the plaintext in locked memory so the copy is wiped afterwards.
	buf := memguard.NewBufferFromBytes([]byte(plaintext))
	defer buf.Destroy()

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, buf.Bytes(), nil)
	if err != nil {
		return "", &EncryptionError{Err: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
