// Package vault loads the encrypted account credentials file and tracks
// per-account runtime state: activity, cooldown, and health score. The
// availability predicate itself is evaluated by the connection manager.
package vault

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

const initialHealthScore = 100

// Config holds the vault's open-time settings.
type Config struct {
	Path   string
	Secret string
	// KDFIterations is the minimum PBKDF2 stretching the vault accepts;
	// files sealed with fewer iterations are rejected. Zero accepts any
	// well-formed envelope.
	KDFIterations int
	// Watch enables hot reload of the credentials file.
	Watch bool
}

// accountState pairs immutable config with mutable runtime state.
type accountState struct {
	acct                domain.Account
	isActive            bool
	inCooldown          bool
	consecutiveFailures int
	healthScore         float64
}

// Vault is safe for concurrent use.
type Vault struct {
	mu       sync.RWMutex
	cfg      Config
	validate *validator.Validate

	accounts map[string]*accountState
	order    []string // usernames by ascending priority
	loadedAt time.Time

	watchDone chan struct{}
	watchErr  chan error
}

// Open reads, decrypts, and validates the credentials file. Every account
// starts active with a full health score. When cfg.Watch is set, a file
// watcher keeps the vault in sync with edits to the credentials file.
func Open(cfg Config) (*Vault, error) {
	v := &Vault{
		cfg:      cfg,
		validate: validator.New(),
		accounts: make(map[string]*accountState),
	}
	accts, err := v.read()
	if err != nil {
		return nil, err
	}
	for _, acct := range accts {
		v.accounts[acct.Username] = &accountState{
			acct:        acct,
			isActive:    true,
			healthScore: initialHealthScore,
		}
	}
	v.reorder()
	v.loadedAt = time.Now()

	if cfg.Watch {
		if err := v.startWatcher(); err != nil {
			return nil, err
		}
	}
	slog.Info("credential vault opened",
		slog.String("path", cfg.Path),
		slog.Int("accounts", len(v.accounts)),
		slog.Bool("watch", cfg.Watch))
	return v, nil
}

// read loads and validates the account list from disk.
func (v *Vault) read() ([]domain.Account, error) {
	raw, err := os.ReadFile(v.cfg.Path) // #nosec G304 -- operator-supplied vault path
	if err != nil {
		return nil, fmt.Errorf("op=vault.read: %w", err)
	}
	if v.cfg.KDFIterations > 0 {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Iterations < v.cfg.KDFIterations {
			return nil, fmt.Errorf("op=vault.read: file sealed with %d kdf iterations, need at least %d: %w",
				env.Iterations, v.cfg.KDFIterations, domain.ErrInvalidArgument)
		}
	}
	plain, err := Decrypt(raw, v.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("op=vault.read: %w", err)
	}
	var accts []domain.Account
	if err := json.Unmarshal(plain, &accts); err != nil {
		return nil, fmt.Errorf("op=vault.read: parse accounts: %w", err)
	}
	if len(accts) == 0 {
		return nil, fmt.Errorf("op=vault.read: no accounts configured: %w", domain.ErrInvalidArgument)
	}
	seenUser := make(map[string]bool, len(accts))
	seenPriority := make(map[int]string, len(accts))
	for _, acct := range accts {
		if err := v.validate.Struct(acct); err != nil {
			return nil, fmt.Errorf("op=vault.read: account %q: %w", acct.Username, err)
		}
		if seenUser[acct.Username] {
			return nil, fmt.Errorf("op=vault.read: duplicate username %q: %w", acct.Username, domain.ErrInvalidArgument)
		}
		seenUser[acct.Username] = true
		if other, dup := seenPriority[acct.Priority]; dup {
			return nil, fmt.Errorf("op=vault.read: accounts %q and %q share priority %d: %w",
				other, acct.Username, acct.Priority, domain.ErrInvalidArgument)
		}
		seenPriority[acct.Priority] = acct.Username
	}
	return accts, nil
}

// Reload re-reads the credentials file and merges it over the current
// state. Surviving accounts keep their runtime state; new accounts start
// fresh; removed accounts drop out of selection. On error the previous
// snapshot keeps serving.
func (v *Vault) Reload() error {
	accts, err := v.read()
	if err != nil {
		return fmt.Errorf("op=vault.Reload: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	next := make(map[string]*accountState, len(accts))
	added, kept := 0, 0
	for _, acct := range accts {
		if prev, ok := v.accounts[acct.Username]; ok {
			prev.acct = acct
			next[acct.Username] = prev
			kept++
			continue
		}
		next[acct.Username] = &accountState{
			acct:        acct,
			isActive:    true,
			healthScore: initialHealthScore,
		}
		added++
	}
	removed := len(v.accounts) - kept
	v.accounts = next
	v.reorder()
	v.loadedAt = time.Now()

	slog.Info("credential vault reloaded",
		slog.Int("kept", kept),
		slog.Int("added", added),
		slog.Int("removed", removed))
	return nil
}

// reorder rebuilds the priority ordering. Caller holds the write lock at
// reload time; at open time the vault is not yet shared.
func (v *Vault) reorder() {
	order := make([]string, 0, len(v.accounts))
	for username := range v.accounts {
		order = append(order, username)
	}
	sort.Slice(order, func(i, j int) bool {
		return v.accounts[order[i]].acct.Priority < v.accounts[order[j]].acct.Priority
	})
	v.order = order
}

// ListAccounts returns account configs ordered by ascending priority.
func (v *Vault) ListAccounts() []domain.Account {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Account, 0, len(v.order))
	for _, username := range v.order {
		out = append(out, v.accounts[username].acct)
	}
	return out
}

// Statuses returns runtime snapshots ordered by ascending priority.
func (v *Vault) Statuses() []domain.AccountStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.AccountStatus, 0, len(v.order))
	for _, username := range v.order {
		out = append(out, v.statusLocked(username))
	}
	return out
}

func (v *Vault) statusLocked(username string) domain.AccountStatus {
	st := v.accounts[username]
	return domain.AccountStatus{
		Username:            st.acct.Username,
		Priority:            st.acct.Priority,
		IsActive:            st.isActive,
		InCooldown:          st.inCooldown,
		ConsecutiveFailures: st.consecutiveFailures,
		HealthScore:         st.healthScore,
	}
}

// Get returns the config for username.
func (v *Vault) Get(username string) (domain.Account, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, ok := v.accounts[username]
	if !ok {
		return domain.Account{}, fmt.Errorf("op=vault.Get: account %q: %w", username, domain.ErrNotFound)
	}
	return st.acct, nil
}

// Status returns the runtime snapshot for username.
func (v *Vault) Status(username string) (domain.AccountStatus, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.accounts[username]; !ok {
		return domain.AccountStatus{}, fmt.Errorf("op=vault.Status: account %q: %w", username, domain.ErrNotFound)
	}
	return v.statusLocked(username), nil
}

// MarkActive returns username to the selectable set.
func (v *Vault) MarkActive(username string) error {
	return v.setActive(username, true)
}

// MarkInactive removes username from selection regardless of breaker state.
func (v *Vault) MarkInactive(username string) error {
	return v.setActive(username, false)
}

func (v *Vault) setActive(username string, active bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[username]
	if !ok {
		return fmt.Errorf("op=vault.setActive: account %q: %w", username, domain.ErrNotFound)
	}
	if st.isActive != active {
		st.isActive = active
		slog.Info("account activity changed",
			slog.String("account", username),
			slog.Bool("active", active))
	}
	return nil
}

// SetCooldown flips the cooldown flag for username.
func (v *Vault) SetCooldown(username string, on bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[username]
	if !ok {
		return fmt.Errorf("op=vault.SetCooldown: account %q: %w", username, domain.ErrNotFound)
	}
	st.inCooldown = on
	return nil
}

// RecordHealth stores an externally computed health score, clamped to
// [0,100].
func (v *Vault) RecordHealth(username string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[username]
	if !ok {
		return fmt.Errorf("op=vault.RecordHealth: account %q: %w", username, domain.ErrNotFound)
	}
	st.healthScore = score
	return nil
}

// RecordOutcome maintains the consecutive-failure run for username.
func (v *Vault) RecordOutcome(username string, success bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.accounts[username]
	if !ok {
		return
	}
	if success {
		st.consecutiveFailures = 0
		return
	}
	st.consecutiveFailures++
}

// LoadedAt reports when the current snapshot was read.
func (v *Vault) LoadedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loadedAt
}

// Close stops the file watcher, if any.
func (v *Vault) Close() error {
	if v.watchDone == nil {
		return nil
	}
	close(v.watchDone)
	if err := <-v.watchErr; err != nil {
		return fmt.Errorf("op=vault.Close: %w", err)
	}
	return nil
}
