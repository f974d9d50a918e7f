package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"tokengate.org/internal/obs"
)

// Hasher turns secrets into salted one-way hashes and checks them later.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
}

// Supported hashing algorithms.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// HasherConfig selects and tunes a Hasher. Zero values mean defaults.
type HasherConfig struct {
	Algorithm     string
	BcryptCost    int
	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
}

// NewHasher builds the Hasher described by cfg.
func NewHasher(cfg HasherConfig) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Algorithm)) {
	case "", AlgorithmBcrypt:
		return NewBcryptHasher(cfg.BcryptCost), nil
	case AlgorithmArgon2id:
		return NewArgon2Hasher(cfg.Argon2Time, cfg.Argon2Memory, cfg.Argon2Threads), nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrInvalidInput, cfg.Algorithm)
	}
}

// BcryptHasher hashes with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a bcrypt hasher. Out of range costs use bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret is empty", ErrInvalidInput)
	}
	start := time.Now()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	obs.ObserveHash("hash", time.Since(start))
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: secret exceeds 72 bytes", ErrInvalidInput)
		}
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Verify(secret, hash string) bool {
	if secret == "" || hash == "" {
		logVerify(AlgorithmBcrypt, false, "empty input")
		return false
	}
	start := time.Now()
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	obs.ObserveHash("verify", time.Since(start))
	if err != nil {
		logVerify(AlgorithmBcrypt, false, "mismatch")
		return false
	}
	logVerify(AlgorithmBcrypt, true, "")
	return true
}

// Argon2Hasher hashes with argon2id and encodes parameters alongside the hash
// as $argon2id$v=19$m=MEMORY,t=TIME,p=THREADS$SALT$HASH.
type Argon2Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

// NewArgon2Hasher returns an argon2id hasher; zero parameters take the
// time=1, memory=64MiB, threads=4 defaults.
func NewArgon2Hasher(t, memory uint32, threads uint8) *Argon2Hasher {
	h := &Argon2Hasher{time: t, memory: memory, threads: threads, keyLen: 32, saltLen: 16}
	if h.time == 0 {
		h.time = 1
	}
	if h.memory == 0 {
		h.memory = 64 * 1024
	}
	if h.threads == 0 {
		h.threads = 4
	}
	return h
}

func (h *Argon2Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret is empty", ErrInvalidInput)
	}
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2 salt: %w", err)
	}
	start := time.Now()
	key := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.threads, h.keyLen)
	obs.ObserveHash("hash", time.Since(start))
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(secret, encoded string) bool {
	if secret == "" || encoded == "" {
		logVerify(AlgorithmArgon2id, false, "empty input")
		return false
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		logVerify(AlgorithmArgon2id, false, "malformed hash")
		return false
	}
	var (
		memory, iterations uint32
		threads            uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		logVerify(AlgorithmArgon2id, false, "malformed params")
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		logVerify(AlgorithmArgon2id, false, "malformed salt")
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		logVerify(AlgorithmArgon2id, false, "malformed key")
		return false
	}
	start := time.Now()
	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	obs.ObserveHash("verify", time.Since(start))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		logVerify(AlgorithmArgon2id, false, "mismatch")
		return false
	}
	logVerify(AlgorithmArgon2id, true, "")
	return true
}

func logVerify(algorithm string, ok bool, reason string) {
	l := obs.Logger()
	ev := l.Debug().Str("component", "hasher").Str("algorithm", algorithm).Bool("ok", ok)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("secret verification")
}
