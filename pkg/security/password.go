package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

// ErrInvalidHash signals a stored password hash that is not a PHC-formatted
// argon2id string.
var ErrInvalidHash = errors.New("invalid argon2id hash")

var b64 = base64.RawStdEncoding

// argonCost is the tunable part of an argon2id hash.
type argonCost struct {
	memoryKB uint32
	passes   uint32
	threads  uint8
	saltLen  uint32
	keyLen   uint32
}

// weakerThan reports whether any cost dimension falls below want.
func (c argonCost) weakerThan(want argonCost) bool {
	return c.memoryKB < want.memoryKB || c.passes < want.passes || c.keyLen < want.keyLen
}

func costFromConfig(cfg config.PasswordConfig) argonCost {
	return argonCost{
		memoryKB: uint32(bounded(cfg.ArgonMemoryKB, 8, 512*1024)),
		passes:   uint32(bounded(cfg.ArgonTime, 1, 10)),
		threads:  uint8(bounded(cfg.ArgonParallelism, 1, 255)),
		saltLen:  uint32(bounded(cfg.ArgonSaltLen, 8, 64)),
		keyLen:   uint32(bounded(cfg.ArgonKeyLen, 16, 64)),
	}
}

// phcHash is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$key" string.
type phcHash struct {
	cost argonCost
	salt []byte
	key  []byte
}

func (h phcHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.cost.memoryKB, h.cost.passes, h.cost.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func parsePHC(encoded string) (phcHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return phcHash{}, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return phcHash{}, ErrInvalidHash
	}

	var h phcHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.cost.memoryKB, &h.cost.passes, &h.cost.threads); err != nil {
		return phcHash{}, ErrInvalidHash
	}
	if h.cost.memoryKB == 0 || h.cost.passes == 0 || h.cost.threads == 0 {
		return phcHash{}, ErrInvalidHash
	}

	var err error
	if h.salt, err = b64.DecodeString(fields[4]); err != nil || len(h.salt) == 0 {
		return phcHash{}, ErrInvalidHash
	}
	if h.key, err = b64.DecodeString(fields[5]); err != nil || len(h.key) == 0 {
		return phcHash{}, ErrInvalidHash
	}
	h.cost.saltLen = uint32(len(h.salt))
	h.cost.keyLen = uint32(len(h.key))
	return h, nil
}

func derive(password string, salt []byte, cost argonCost) []byte {
	return argon2.IDKey([]byte(password), salt, cost.passes, cost.memoryKB, cost.threads, cost.keyLen)
}

// HashPassword derives an argon2id hash with a fresh random salt.
func HashPassword(password string, cfg config.PasswordConfig) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	cost := costFromConfig(cfg)
	salt := make([]byte, cost.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return phcHash{cost: cost, salt: salt, key: derive(password, salt, cost)}.String(), nil
}

// VerifyPassword re-derives the key with the cost stored in encoded and
// compares in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.key, derive(password, h.salt, h.cost)) == 1, nil
}

// NeedsRehash reports whether encoded is malformed or was produced with a
// lower cost than cfg asks for.
func NeedsRehash(encoded string, cfg config.PasswordConfig) bool {
	h, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	return h.cost.weakerThan(costFromConfig(cfg))
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// DummyVerify spends the same work as a real verification so that a login for
// an unknown email takes as long as one with a wrong password.
func DummyVerify(password string, cfg config.PasswordConfig) {
	dummyOnce.Do(func() {
		dummyHash, _ = HashPassword("storefront-dummy-password", cfg)
	})
	if dummyHash != "" {
		_, _ = VerifyPassword(password, dummyHash)
	}
}

func bounded(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
