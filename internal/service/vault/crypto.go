package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// MinKDFIterations is the floor for PBKDF2 stretching. Configured values
// below it are raised to it.
const MinKDFIterations = 100_000

const (
	kdfName = "pbkdf2-sha256"
	saltLen = 16
	keyLen  = 32 // AES-256
)

// envelope is the on-disk shape of the encrypted credentials file.
type envelope struct {
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

func deriveKey(secret string, salt []byte, iterations int) []byte {
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext under a key derived from secret and returns the
// JSON envelope bytes.
func Encrypt(plaintext []byte, secret string, iterations int) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("op=vault.Encrypt: empty secret: %w", domain.ErrInvalidArgument)
	}
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("op=vault.Encrypt: salt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("op=vault.Encrypt: iv: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(secret, salt, iterations))
	if err != nil {
		return nil, fmt.Errorf("op=vault.Encrypt: cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out, err := json.MarshalIndent(envelope{
		KDF:        kdfName,
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("op=vault.Encrypt: envelope: %w", err)
	}
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt. A wrong secret surfaces
// as domain.ErrVaultSealed.
func Decrypt(data []byte, secret string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("op=vault.Decrypt: envelope: %w", err)
	}
	if env.KDF != kdfName {
		return nil, fmt.Errorf("op=vault.Decrypt: unsupported kdf %q: %w", env.KDF, domain.ErrInvalidArgument)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("op=vault.Decrypt: salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("op=vault.Decrypt: iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("op=vault.Decrypt: iv length %d: %w", len(iv), domain.ErrInvalidArgument)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("op=vault.Decrypt: ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("op=vault.Decrypt: ciphertext length %d: %w", len(ciphertext), domain.ErrInvalidArgument)
	}

	block, err := aes.NewCipher(deriveKey(secret, salt, env.Iterations))
	if err != nil {
		return nil, fmt.Errorf("op=vault.Decrypt: cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		// Bad padding is the observable symptom of a wrong secret.
		return nil, fmt.Errorf("op=vault.Decrypt: %w", domain.ErrVaultSealed)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid pad byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
