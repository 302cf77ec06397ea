package postgres

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/argon2"

	"github.com/botfleet/orchestrator/internal/domain"
)

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// keyPrefixLen is how many leading characters of a raw key are stored in
// clear for lookup (and for audit events; the raw key is never persisted).
const keyPrefixLen = 8

// APIKeyRepo stores per-robot credentials as Argon2id hashes and verifies
// presented keys in constant time.
type APIKeyRepo struct{ Pool PgxPool }

// NewAPIKeyRepo constructs an APIKeyRepo with the given pool.
func NewAPIKeyRepo(p PgxPool) *APIKeyRepo { return &APIKeyRepo{Pool: p} }

// Issue creates a credential for a robot and returns the raw key exactly once.
func (r *APIKeyRepo) Issue(ctx domain.Context, robotID string) (rawKey string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=apikeys.issue: %w", err)
	}
	rawKey = base64.RawURLEncoding.EncodeToString(buf)
	hash, err := hashKey(rawKey, defaultArgon2Params)
	if err != nil {
		return "", fmt.Errorf("op=apikeys.issue: %w", err)
	}
	err = withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `INSERT INTO api_keys (key_prefix, key_hash, robot_id, created_at)
			VALUES ($1,$2,$3,$4)`, KeyPrefix(rawKey), hash, robotID, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=apikeys.issue: %w", err)
	}
	return rawKey, nil
}

// Revoke invalidates all keys of a robot.
func (r *APIKeyRepo) Revoke(ctx domain.Context, robotID string) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `UPDATE api_keys SET revoked_at = now()
			WHERE robot_id = $1 AND revoked_at IS NULL`, robotID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=apikeys.revoke: %w", err)
	}
	return nil
}

// Verify hashes the presented key and looks it up by prefix, comparing the
// stored hash in constant time. Returns the robot the key belongs to.
func (r *APIKeyRepo) Verify(ctx domain.Context, rawKey string) (string, error) {
	if rawKey == "" {
		return "", fmt.Errorf("op=apikeys.verify: %w", domain.ErrUnauthorized)
	}
	var robotID, hash string
	var revokedAt *time.Time
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT robot_id, key_hash, revoked_at FROM api_keys
			WHERE key_prefix = $1 ORDER BY created_at DESC LIMIT 1`, KeyPrefix(rawKey))
		if err := row.Scan(&robotID, &hash, &revokedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrUnauthorized
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("op=apikeys.verify: %w", err)
	}
	if revokedAt != nil || !verifyKey(rawKey, hash) {
		return "", fmt.Errorf("op=apikeys.verify: %w", domain.ErrUnauthorized)
	}
	return robotID, nil
}

// KeyPrefix returns the loggable prefix of a raw key.
func KeyPrefix(rawKey string) string {
	if len(rawKey) <= keyPrefixLen {
		return rawKey
	}
	return rawKey[:keyPrefixLen]
}

// hashKey creates an Argon2id hash of the key.
// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std).
func hashKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations, params.Memory, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyKey verifies a key against its encoded Argon2id hash.
func verifyKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(key), salt, iters, mem, uint8(par), uint32(len(expected)))
	return subtle.ConstantTimeCompare(got, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
