package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/botfleet/orchestrator/internal/domain"
)

// AuditRepo is the append-only, hash-chained audit log. Each entry's hash is
// sha256(prev_hash || canonical(entry)); tampering with any row breaks every
// hash after it. ULID ids keep entries lexicographically time-ordered.
type AuditRepo struct {
	Pool PgxPool

	mu       sync.Mutex
	prevHash string
	entropy  *ulid.MonotonicEntropy
}

// NewAuditRepo constructs an AuditRepo, resuming the hash chain from the
// latest persisted entry.
func NewAuditRepo(ctx context.Context, p PgxPool) (*AuditRepo, error) {
	r := &AuditRepo{
		Pool:    p,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // Weak random is sufficient for ULID entropy.
	}
	row := p.QueryRow(ctx, `SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	var h string
	if err := row.Scan(&h); err == nil {
		r.prevHash = h
	}
	return r, nil
}

// canonicalEntry is the deterministic serialization the chain hashes over.
// Map-free struct with fixed field order; json.Marshal emits fields in
// declaration order, so the bytes are stable.
type canonicalEntry struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
}

// Append writes one audit entry, extending the hash chain.
func (r *AuditRepo) Append(ctx domain.Context, ev domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		id, err := ulid.New(ulid.Timestamp(ev.Timestamp), r.entropy)
		if err != nil {
			return fmt.Errorf("op=audit.append: %w", err)
		}
		ev.ID = id.String()
	}
	h, err := chainHash(r.prevHash, ev)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}

	q := `INSERT INTO audit_log (id, ts, actor, action, resource_type, resource_id, before, after, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	err = withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, ev.ID, ev.Timestamp, ev.Actor, ev.Action,
			ev.ResourceType, ev.ResourceID, nilIfEmpty(ev.Before), nilIfEmpty(ev.After), r.prevHash, h)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	r.prevHash = h
	return nil
}

// List pages entries, newest first.
func (r *AuditRepo) List(ctx domain.Context, limit, offset int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.AuditEvent
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT id, ts, actor, action, resource_type, resource_id,
			before, after FROM audit_log ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var ev domain.AuditEvent
			if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Actor, &ev.Action,
				&ev.ResourceType, &ev.ResourceID, &ev.Before, &ev.After); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	return out, nil
}

// MerkleRoot computes a Merkle root over the newest n entry hashes, exposed
// for tamper evidence.
func (r *AuditRepo) MerkleRoot(ctx domain.Context, n int) (string, error) {
	if n <= 0 || n > 10000 {
		n = 1000
	}
	var hashes []string
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT hash FROM audit_log ORDER BY id DESC LIMIT $1`, n)
		if err != nil {
			return err
		}
		defer rows.Close()
		hashes = hashes[:0]
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			hashes = append(hashes, h)
		}
		return rows.Err()
	})
	if err != nil {
		return "", fmt.Errorf("op=audit.merkle_root: %w", err)
	}
	return MerkleRoot(hashes), nil
}

// chainHash computes sha256(prev_hash || canonical(entry)) hex-encoded.
func chainHash(prev string, ev domain.AuditEvent) (string, error) {
	canon, err := json.Marshal(canonicalEntry{
		ID:           ev.ID,
		Timestamp:    ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        ev.Actor,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Before:       ev.Before,
		After:        ev.After,
	})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MerkleRoot folds leaf hashes pairwise up to a single root. An empty input
// yields the empty string; an odd node is carried up unhashed.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}

func nilIfEmpty(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
