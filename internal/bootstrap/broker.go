// Package bootstrap issues and redeems one-time tokens that let a freshly
// created instance fetch its environment from the control plane.
package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/store"
)

// PublicEnvPrefix is required on every non-secret key carried by a token.
const PublicEnvPrefix = "CATTLE_"

const (
	MinTTL     = 30 * time.Second
	MaxTTL     = 15 * time.Minute
	DefaultTTL = 10 * time.Minute

	tokenBytes = 32
)

var (
	// ErrInvalidName is returned for env names outside [A-Za-z_][A-Za-z0-9_]*.
	ErrInvalidName = errors.New("invalid env var name")
	// ErrMissingEnv is returned by ResolveEnv when a required key is unset.
	ErrMissingEnv = errors.New("missing required env var on control plane")

	envNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	rawTokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ValidEnvName reports whether name is a portable environment variable name.
func ValidEnvName(name string) bool { return envNamePattern.MatchString(name) }

// HashToken returns the hex sha256 digest stored in place of the raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ClampTTL bounds a token lifetime to [30s, 15m]. Zero selects the default.
func ClampTTL(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTTL
	case d < MinTTL:
		return MinTTL
	case d > MaxTTL:
		return MaxTTL
	}
	return d
}

// Broker persists token hashes and enforces single use.
type Broker struct {
	store  *store.Store
	now    func() time.Time
	random io.Reader
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// WithRandom replaces the entropy source used for raw tokens.
func WithRandom(r io.Reader) Option { return func(b *Broker) { b.random = r } }

func NewBroker(st *store.Store, opts ...Option) *Broker {
	b := &Broker{store: st, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateParams scopes a token to one job and instance.
type CreateParams struct {
	JobID      string
	Requester  string
	CattleName string
	// EnvKeys are secret names resolved from the control plane environment
	// at redemption time. Their values are never persisted.
	EnvKeys   []string
	PublicEnv map[string]string
	TTL       time.Duration
}

// Issued is the raw token handed to the instance. It is not recoverable from
// the store.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Create validates p and stores the hash of a fresh random token.
func (b *Broker) Create(ctx context.Context, p CreateParams) (Issued, error) {
	jobID := strings.TrimSpace(p.JobID)
	requester := strings.TrimSpace(p.Requester)
	cattleName := strings.TrimSpace(p.CattleName)
	switch {
	case jobID == "":
		return Issued{}, errors.New("bootstrap token: jobId is required")
	case requester == "":
		return Issued{}, errors.New("bootstrap token: requester is required")
	case cattleName == "":
		return Issued{}, errors.New("bootstrap token: cattleName is required")
	}

	envKeys, err := normalizeEnvKeys(p.EnvKeys)
	if err != nil {
		return Issued{}, err
	}
	publicEnv := make(map[string]string, len(p.PublicEnv))
	for k, v := range p.PublicEnv {
		key := strings.TrimSpace(k)
		if !ValidEnvName(key) {
			return Issued{}, fmt.Errorf("%w: public env %q", ErrInvalidName, k)
		}
		if !strings.HasPrefix(key, PublicEnvPrefix) {
			return Issued{}, fmt.Errorf("%w: public env %q must start with %s", ErrInvalidName, key, PublicEnvPrefix)
		}
		publicEnv[key] = v
	}

	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(b.random, raw); err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	envKeysJSON, err := json.Marshal(envKeys)
	if err != nil {
		return Issued{}, err
	}
	publicEnvJSON, err := json.Marshal(publicEnv)
	if err != nil {
		return Issued{}, err
	}

	now := b.now()
	expiresAt := now.Add(ClampTTL(p.TTL))
	if _, err := b.store.Exec(ctx, `
		INSERT INTO cattle_bootstrap_tokens (token_hash, created_at, expires_at, used_at, job_id, requester, cattle_name, env_keys_json, public_env_json)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
	`, HashToken(token), store.UnixMillis(now), store.UnixMillis(expiresAt), jobID, requester, cattleName, string(envKeysJSON), string(publicEnvJSON)); err != nil {
		return Issued{}, fmt.Errorf("insert bootstrap token: %w", err)
	}
	return Issued{Token: token, ExpiresAt: expiresAt}, nil
}

func normalizeEnvKeys(keys []string) ([]string, error) {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if !ValidEnvName(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, k)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Consume redeems token at most once. It returns nil, without error, for
// tokens that are unknown, expired, or already used so callers cannot tell
// these cases apart.
func (b *Broker) Consume(ctx context.Context, token string, now time.Time) (*models.BootstrapToken, error) {
	token = strings.TrimSpace(token)
	if !rawTokenPattern.MatchString(token) {
		return nil, nil
	}
	hash := HashToken(token)
	nowMs := store.UnixMillis(now)

	var out *models.BootstrapToken
	err := b.store.WithTx(ctx, func(tx *store.Tx) error {
		var (
			rec           models.BootstrapToken
			createdAt     int64
			expiresAt     int64
			usedAt        sql.NullInt64
			envKeysJSON   string
			publicEnvJSON string
		)
		err := tx.QueryRow(ctx, `
			SELECT created_at, expires_at, used_at, job_id, requester, cattle_name, env_keys_json, public_env_json
			FROM cattle_bootstrap_tokens WHERE token_hash = ?
		`, hash).Scan(&createdAt, &expiresAt, &usedAt, &rec.JobID, &rec.Requester, &rec.CattleName, &envKeysJSON, &publicEnvJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bootstrap token: %w", err)
		}
		if usedAt.Valid || expiresAt <= nowMs {
			return nil
		}
		res, err := tx.Exec(ctx, `
			UPDATE cattle_bootstrap_tokens SET used_at = ?
			WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
		`, nowMs, hash, nowMs)
		if err != nil {
			return fmt.Errorf("mark bootstrap token used: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := json.Unmarshal([]byte(envKeysJSON), &rec.EnvKeys); err != nil {
			return fmt.Errorf("decode env keys: %w", err)
		}
		if err := json.Unmarshal([]byte(publicEnvJSON), &rec.PublicEnv); err != nil {
			return fmt.Errorf("decode public env: %w", err)
		}
		rec.CreatedAt = store.FromMillis(createdAt)
		rec.ExpiresAt = store.FromMillis(expiresAt)
		used := store.FromMillis(nowMs)
		rec.UsedAt = &used
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes tokens that are expired or already used.
func (b *Broker) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.store.Exec(ctx, `
		DELETE FROM cattle_bootstrap_tokens WHERE expires_at <= ? OR used_at IS NOT NULL
	`, store.UnixMillis(now))
	if err != nil {
		return 0, fmt.Errorf("prune bootstrap tokens: %w", err)
	}
	return res.RowsAffected()
}

// ResolveEnv merges the token's public env with live values for its secret
// keys, looked up through lookup (usually os.LookupEnv). A key without a
// value fails the whole resolution.
func ResolveEnv(tok *models.BootstrapToken, lookup func(string) (string, bool)) (map[string]string, error) {
	env := make(map[string]string, len(tok.PublicEnv)+len(tok.EnvKeys))
	for k, v := range tok.PublicEnv {
		env[k] = v
	}
	for _, key := range tok.EnvKeys {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingEnv, key)
		}
		env[key] = v
	}
	return env, nil
}
