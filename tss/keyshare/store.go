package keyshare

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pushchain/tss-relay/tss/threshold"
)

var (
	ErrKeyshareNotFound = errors.New("keyshare not found")
	ErrAlreadyExists    = errors.New("keyshare file already exists")
	ErrInvalidPath      = errors.New("invalid keyshare path")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrPasswordRequired = errors.New("keyshare is encrypted, a password is required")
)

const (
	filePerms = 0o600 // Read/write for owner only
	dirPerms  = 0o700 // Read/write/execute for owner only

	// Encryption constants
	saltLength       = 32
	nonceLength      = 12 // GCM nonce length
	keyLength        = 32 // AES-256 key length
	pbkdf2Iterations = 100000
	maxIterations    = 10 * pbkdf2Iterations
	kdfName          = "pbkdf2-sha256"
)

// Store writes and reads key share artifacts. Artifacts are written once and
// never overwritten. With a password they are sealed with AES-256-GCM under a
// PBKDF2 derived key, otherwise they are stored as plain JSON.
type Store struct {
	password string
}

// NewStore creates a store. An empty password disables encryption.
func NewStore(password string) *Store {
	return &Store{password: password}
}

// sealed is the on-disk form of an encrypted artifact.
type sealed struct {
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Exists reports whether something is already stored at path.
func (s *Store) Exists(path string) (bool, error) {
	if path == "" {
		return false, ErrInvalidPath
	}
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check keyshare file: %w", err)
	}
	return true, nil
}

// Create writes artifact to path. It fails with ErrAlreadyExists when the
// path is taken and leaves nothing behind when writing fails.
func (s *Store) Create(path string, artifact *threshold.KeyShareArtifact) error {
	if path == "" {
		return ErrInvalidPath
	}

	data, err := artifact.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode keyshare: %w", err)
	}
	if s.password != "" {
		if data, err = s.encrypt(data); err != nil {
			return fmt.Errorf("failed to encrypt keyshare: %w", err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirPerms); err != nil {
			return fmt.Errorf("failed to create keyshare directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerms)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return fmt.Errorf("failed to create keyshare file: %w", err)
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write keyshare file: %w", err)
	}
	return nil
}

// Load reads the artifact stored at path.
func (s *Store) Load(path string) (*threshold.KeyShareArtifact, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyshareNotFound, path)
		}
		return nil, fmt.Errorf("failed to read keyshare file: %w", err)
	}

	var probe struct {
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode keyshare file: %w", err)
	}
	if probe.Ciphertext != nil {
		if s.password == "" {
			return nil, ErrPasswordRequired
		}
		if data, err = s.decrypt(data); err != nil {
			return nil, fmt.Errorf("failed to decrypt keyshare: %w", err)
		}
	}

	return threshold.UnmarshalArtifact(data)
}

// encrypt seals plaintext using AES-256-GCM with a password-derived key.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("keyshare data cannot be empty")
	}

	// Generate random salt
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.cipher(salt, pbkdf2Iterations)
	if err != nil {
		return nil, err
	}

	// Generate random nonce
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return json.MarshalIndent(sealed{
		KDF:        kdfName,
		Iterations: pbkdf2Iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, "", "  ")
}

// decrypt opens data produced by encrypt.
func (s *Store) decrypt(data []byte) ([]byte, error) {
	var env sealed
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrDecryptionFailed
	}
	if env.KDF != kdfName || env.Iterations <= 0 || env.Iterations > maxIterations || len(env.Salt) != saltLength || len(env.Nonce) != nonceLength {
		return nil, ErrDecryptionFailed
	}

	gcm, err := s.cipher(env.Salt, env.Iterations)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *Store) cipher(salt []byte, iterations int) (cipher.AEAD, error) {
	// Derive encryption key from password
	key := pbkdf2.Key([]byte(s.password), salt, iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
