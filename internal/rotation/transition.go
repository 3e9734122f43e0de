package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/cache"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/credential"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/metrics"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/notify"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
)

// ErrActiveRotationExists is returned by Initiate when clientId already has
// a non-terminal rotation and forced is false (spec.md §4.5).
var ErrActiveRotationExists = errors.New("rotation: active rotation already exists")

// Config tunes the state machine's time-based transitions.
type Config struct {
	// PromoteHold is how long INITIATED waits before promote() runs
	// automatically. Zero means immediate, the spec's default.
	PromoteHold time.Duration
	// CheckInterval is the reconciliation sweep period.
	CheckInterval time.Duration
	// Watchdog bounds how long any non-terminal record may exist before
	// the sweep forces it to FAILED.
	Watchdog time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 300 * time.Second
	}
	if c.Watchdog <= 0 {
		c.Watchdog = 24 * time.Hour
	}
	return c
}

// Controller is C5, the per-client credential rotation state machine. It is
// the sole writer of both internal/credential stores; C4 only reads
// through them, and C6 does not use them.
type Controller struct {
	cfg Config

	credRepo   *credential.Repository
	vaultStore *credential.VaultStore
	rotRepo    *Repository
	cache      *cache.Cache
	notifier   *notify.Notifier
	audit      *audit.Emitter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Controller.
func New(cfg Config, credRepo *credential.Repository, vaultStore *credential.VaultStore, rotRepo *Repository, c *cache.Cache, notifier *notify.Notifier, auditor *audit.Emitter) *Controller {
	return &Controller{
		cfg:        cfg.withDefaults(),
		credRepo:   credRepo,
		vaultStore: vaultStore,
		rotRepo:    rotRepo,
		cache:      c,
		notifier:   notifier,
		audit:      auditor,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-client mutex serializing every write C5 makes for
// clientID (spec.md §5: "C5's per-client transactional lock").
func (c *Controller) lockFor(clientID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[clientID] = l
	}
	return l
}

// -----------------------------------------------------------------------
// Initiate
// -----------------------------------------------------------------------

// Initiate starts a new rotation for clientId. It fails with
// ErrActiveRotationExists unless forced is true, in which case any prior
// active record is transitioned to FAILED with SupersededBy pointing at the
// new rotationId (spec.md §4.5).
func (c *Controller) Initiate(ctx context.Context, clientID, reason string, transitionWindow time.Duration, forced bool) (*domain.RotationRecord, error) {
	lock := c.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := c.rotRepo.ActiveByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("rotation: load active record: %w", err)
	}
	if prior != nil && !forced {
		return nil, ErrActiveRotationExists
	}

	current, err := c.vaultStore.CurrentIndex(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("rotation: load current index: %w", err)
	}
	oldVersion := ""
	if len(current) > 0 {
		oldVersion = current[len(current)-1]
	}
	newVersion := nextVersion(current)

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("rotation: generate secret: %w", err)
	}
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("rotation: hash secret: %w", err)
	}

	now := time.Now()
	cred := domain.Credential{
		ClientID:   clientID,
		SecretHash: hash,
		Version:    newVersion,
		Active:     false,
		CreatedAt:  now,
	}
	if err := c.vaultStore.PutVersion(ctx, clientID, cred); err != nil {
		return nil, fmt.Errorf("rotation: write new version to vault: %w", err)
	}
	if err := c.credRepo.Insert(ctx, cred); err != nil {
		return nil, fmt.Errorf("rotation: persist new version: %w", err)
	}
	if err := c.vaultStore.PutPendingVersion(ctx, clientID, newVersion); err != nil {
		return nil, fmt.Errorf("rotation: record pending version: %w", err)
	}

	rec := domain.RotationRecord{
		RotationID:       uuid.NewString(),
		ClientID:         clientID,
		State:            domain.RotationInitiated,
		OldVersion:       oldVersion,
		NewVersion:       newVersion,
		StartedAt:        now,
		TransitionWindow: transitionWindow,
		Reason:           reason,
		Forced:           forced,
	}

	if prior != nil && forced {
		prior.State = domain.RotationFailed
		prior.SupersededBy = rec.RotationID
		prior.Message = "superseded by forced rotation"
		if err := c.rotRepo.Update(ctx, *prior); err != nil {
			return nil, fmt.Errorf("rotation: supersede prior record: %w", err)
		}
		metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationFailed)).Inc()
	}

	if err := c.rotRepo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("rotation: persist new record: %w", err)
	}
	metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationInitiated)).Inc()

	c.emit(ctx, domain.EventRotationStarted, rec, "")
	c.notify(ctx, rec)

	zap.L().Info("rotation_initiated",
		zap.String("rotation_id", rec.RotationID),
		zap.String("client_id", clientID),
		zap.String("new_version", newVersion),
		zap.Bool("forced", forced),
	)

	if c.cfg.PromoteHold <= 0 {
		if err := c.promoteLocked(ctx, &rec); err != nil {
			return &rec, err
		}
	}
	return &rec, nil
}

// -----------------------------------------------------------------------
// Promote
// -----------------------------------------------------------------------

// Promote transitions rotationId from INITIATED to DUAL_ACTIVE, enabling the
// new version for authentication alongside the old one.
func (c *Controller) Promote(ctx context.Context, rotationID string) error {
	rec, err := c.rotRepo.ByRotationID(ctx, rotationID)
	if err != nil {
		return err
	}
	lock := c.lockFor(rec.ClientID)
	lock.Lock()
	defer lock.Unlock()
	return c.promoteLocked(ctx, rec)
}

func (c *Controller) promoteLocked(ctx context.Context, rec *domain.RotationRecord) error {
	if rec.State != domain.RotationInitiated {
		return fmt.Errorf("rotation: cannot promote from state %s", rec.State)
	}

	if err := c.vaultStore.SetVersionEnabled(ctx, rec.ClientID, rec.NewVersion, true); err != nil {
		return fmt.Errorf("rotation: enable new version: %w", err)
	}
	if err := c.credRepo.SetActive(ctx, rec.ClientID, rec.NewVersion, true); err != nil {
		return fmt.Errorf("rotation: activate new version row: %w", err)
	}

	versions := []string{rec.NewVersion}
	if rec.OldVersion != "" {
		versions = []string{rec.OldVersion, rec.NewVersion}
	}
	if err := c.vaultStore.PutCurrentIndex(ctx, rec.ClientID, versions); err != nil {
		return fmt.Errorf("rotation: update current index: %w", err)
	}
	if err := c.vaultStore.ClearPending(ctx, rec.ClientID); err != nil {
		return fmt.Errorf("rotation: clear pending slot: %w", err)
	}

	rec.State = domain.RotationDualActive
	if err := c.rotRepo.Update(ctx, *rec); err != nil {
		return fmt.Errorf("rotation: persist DUAL_ACTIVE: %w", err)
	}
	metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationDualActive)).Inc()

	c.emit(ctx, domain.EventRotationPromoted, *rec, "")
	c.notify(ctx, *rec)
	return nil
}

// -----------------------------------------------------------------------
// Retire
// -----------------------------------------------------------------------

// Retire transitions rotationId from DUAL_ACTIVE to OLD_DEPRECATED once
// transitionWindow has elapsed and C2 holds no live token under the old
// version's fingerprint. A live entry there blocks retirement, however much
// of its TTL has already passed.
func (c *Controller) Retire(ctx context.Context, rotationID string) error {
	rec, err := c.rotRepo.ByRotationID(ctx, rotationID)
	if err != nil {
		return err
	}
	lock := c.lockFor(rec.ClientID)
	lock.Lock()
	defer lock.Unlock()
	return c.retireLocked(ctx, rec)
}

func (c *Controller) retireLocked(ctx context.Context, rec *domain.RotationRecord) error {
	if rec.State != domain.RotationDualActive {
		return fmt.Errorf("rotation: cannot retire from state %s", rec.State)
	}
	if time.Since(rec.StartedAt) < rec.TransitionWindow {
		return fmt.Errorf("rotation: transition window not yet elapsed")
	}

	// The cache keeps no per-version token index, so the evidence checked
	// is the fingerprint the authenticator caches old-version tokens under
	// (token.Fingerprint(clientId, oldVersion)): a miss in L1 and L2 counts
	// as quiescent, and a live entry blocks whatever its remaining TTL.
	if !c.oldVersionQuiescent(ctx, rec) {
		return fmt.Errorf("rotation: old version still has a live cached token")
	}

	if err := c.vaultStore.SetVersionEnabled(ctx, rec.ClientID, rec.OldVersion, false); err != nil {
		return fmt.Errorf("rotation: disable old version (disabled-but-present): %w", err)
	}
	if err := c.credRepo.SetActive(ctx, rec.ClientID, rec.OldVersion, false); err != nil {
		return fmt.Errorf("rotation: deactivate old version row: %w", err)
	}
	if err := c.vaultStore.PutCurrentIndex(ctx, rec.ClientID, []string{rec.NewVersion}); err != nil {
		return fmt.Errorf("rotation: update current index: %w", err)
	}

	rec.State = domain.RotationOldDeprecated
	if err := c.rotRepo.Update(ctx, *rec); err != nil {
		return fmt.Errorf("rotation: persist OLD_DEPRECATED: %w", err)
	}
	metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationOldDeprecated)).Inc()

	c.emit(ctx, domain.EventRotationRetired, *rec, "")
	c.notify(ctx, *rec)
	return nil
}

// oldVersionQuiescent reports whether the old version's fingerprint family
// has no live cache entry, the evidence Retire requires before deprecating
// it. A cache miss is treated as quiescent; a live entry blocks retirement.
func (c *Controller) oldVersionQuiescent(ctx context.Context, rec *domain.RotationRecord) bool {
	fp := token.Fingerprint(rec.ClientID, rec.OldVersion)
	_, found := c.cache.GetByFingerprint(ctx, fp)
	return !found
}

// -----------------------------------------------------------------------
// Complete
// -----------------------------------------------------------------------

// Complete transitions rotationId from OLD_DEPRECATED to the terminal
// NEW_ACTIVE state once C2 reports zero tokens outstanding against the old
// version, removing the old version from vault and invalidating any
// lingering tokens.
func (c *Controller) Complete(ctx context.Context, rotationID string) error {
	rec, err := c.rotRepo.ByRotationID(ctx, rotationID)
	if err != nil {
		return err
	}
	lock := c.lockFor(rec.ClientID)
	lock.Lock()
	defer lock.Unlock()
	return c.completeLocked(ctx, rec)
}

func (c *Controller) completeLocked(ctx context.Context, rec *domain.RotationRecord) error {
	if rec.State != domain.RotationOldDeprecated {
		return fmt.Errorf("rotation: cannot complete from state %s", rec.State)
	}
	if !c.oldVersionQuiescent(ctx, rec) {
		return fmt.Errorf("rotation: old version still has outstanding tokens")
	}

	if rec.OldVersion != "" {
		if err := c.vaultStore.SetVersionEnabled(ctx, rec.ClientID, rec.OldVersion, false); err != nil {
			return fmt.Errorf("rotation: remove old version: %w", err)
		}
	}
	c.cache.InvalidateByClient(ctx, rec.ClientID)

	now := time.Now()
	rec.State = domain.RotationNewActive
	rec.CompletedAt = &now
	if err := c.rotRepo.Update(ctx, *rec); err != nil {
		return fmt.Errorf("rotation: persist NEW_ACTIVE: %w", err)
	}
	metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationNewActive)).Inc()

	c.emit(ctx, domain.EventRotationCompleted, *rec, "")
	c.notify(ctx, *rec)
	return nil
}

// -----------------------------------------------------------------------
// Cancel
// -----------------------------------------------------------------------

// Cancel aborts rotationId from any non-terminal state to FAILED. If the new
// version was already live, it is removed via C1.
func (c *Controller) Cancel(ctx context.Context, rotationID, reason string) error {
	rec, err := c.rotRepo.ByRotationID(ctx, rotationID)
	if err != nil {
		return err
	}
	lock := c.lockFor(rec.ClientID)
	lock.Lock()
	defer lock.Unlock()
	return c.cancelLocked(ctx, rec, reason)
}

func (c *Controller) cancelLocked(ctx context.Context, rec *domain.RotationRecord, reason string) error {
	if rec.State.Terminal() {
		return fmt.Errorf("rotation: already terminal (%s)", rec.State)
	}

	if rec.State == domain.RotationDualActive || rec.State == domain.RotationOldDeprecated {
		if err := c.vaultStore.SetVersionEnabled(ctx, rec.ClientID, rec.NewVersion, false); err != nil {
			return fmt.Errorf("rotation: remove live new version: %w", err)
		}
		if err := c.credRepo.SetActive(ctx, rec.ClientID, rec.NewVersion, false); err != nil {
			return fmt.Errorf("rotation: deactivate new version row: %w", err)
		}
		restored := []string{}
		if rec.OldVersion != "" {
			restored = []string{rec.OldVersion}
		}
		if err := c.vaultStore.PutCurrentIndex(ctx, rec.ClientID, restored); err != nil {
			return fmt.Errorf("rotation: restore current index: %w", err)
		}
	}
	if err := c.vaultStore.ClearPending(ctx, rec.ClientID); err != nil {
		return fmt.Errorf("rotation: clear pending slot: %w", err)
	}

	rec.State = domain.RotationFailed
	rec.Message = reason
	if err := c.rotRepo.Update(ctx, *rec); err != nil {
		return fmt.Errorf("rotation: persist FAILED: %w", err)
	}
	metrics.RotationTransitionTotal.WithLabelValues(string(domain.RotationFailed)).Inc()

	c.emit(ctx, domain.EventRotationFailed, *rec, reason)
	c.notify(ctx, *rec)

	zap.L().Warn("rotation_cancelled",
		zap.String("rotation_id", rec.RotationID),
		zap.String("client_id", rec.ClientID),
		zap.String("reason", reason),
	)
	return nil
}

// -----------------------------------------------------------------------
// Background reconciliation
// -----------------------------------------------------------------------

// Run drives the reconciliation sweep until ctx is cancelled, advancing any
// record whose time- or evidence-based transition conditions are satisfied
// and failing any record that has exceeded the watchdog duration (spec.md
// §4.5). It follows the teacher framework's tenant-cache evictor shape: one
// ticker, fan out one goroutine per client, writes serialized per-client.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

func (c *Controller) reconcileOnce(ctx context.Context) {
	records, err := c.rotRepo.AllNonTerminal(ctx)
	if err != nil {
		zap.L().Error("rotation_reconcile_list_failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.evaluate(ctx, rec)
		}()
	}
	wg.Wait()
}

func (c *Controller) evaluate(ctx context.Context, rec domain.RotationRecord) {
	lock := c.lockFor(rec.ClientID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another goroutine (an admin call or a prior
	// sweep tick still in flight) may already have advanced or terminated
	// this record.
	current, err := c.rotRepo.ByRotationID(ctx, rec.RotationID)
	if err != nil {
		zap.L().Error("rotation_reconcile_reload_failed", zap.String("rotation_id", rec.RotationID), zap.Error(err))
		return
	}
	if current.State.Terminal() {
		return
	}

	if time.Since(current.StartedAt) > c.cfg.Watchdog {
		if err := c.cancelLocked(ctx, current, "watchdog timeout exceeded"); err != nil {
			zap.L().Error("rotation_watchdog_cancel_failed", zap.String("rotation_id", current.RotationID), zap.Error(err))
		}
		return
	}

	var advanceErr error
	switch current.State {
	case domain.RotationInitiated:
		if time.Since(current.StartedAt) < c.cfg.PromoteHold {
			advanceErr = fmt.Errorf("rotation: promote hold not yet elapsed")
		} else {
			advanceErr = c.promoteLocked(ctx, current)
		}
	case domain.RotationDualActive:
		advanceErr = c.retireLocked(ctx, current)
	case domain.RotationOldDeprecated:
		advanceErr = c.completeLocked(ctx, current)
	}
	if advanceErr != nil {
		zap.L().Debug("rotation_reconcile_not_ready",
			zap.String("rotation_id", current.RotationID),
			zap.String("state", string(current.State)),
			zap.Error(advanceErr),
		)
	}
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func (c *Controller) emit(ctx context.Context, eventType domain.AuditEventType, rec domain.RotationRecord, reason string) {
	attrs := map[string]any{
		"rotation_id": rec.RotationID,
		"old_version": rec.OldVersion,
		"new_version": rec.NewVersion,
		"state":       string(rec.State),
	}
	if reason != "" {
		attrs["reason"] = reason
	}
	c.audit.Emit(domain.AuditEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		ClientID:   rec.ClientID,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

func (c *Controller) notify(ctx context.Context, rec domain.RotationRecord) {
	if err := c.notifier.EnqueueRotation(ctx, notify.RotationEvent{
		RotationID: rec.RotationID,
		ClientID:   rec.ClientID,
		State:      rec.State,
		Reason:     rec.Reason,
	}); err != nil {
		zap.L().Warn("rotation_notify_failed", zap.String("rotation_id", rec.RotationID), zap.Error(err))
	}
}

// nextVersion picks the next monotonic version tag given the currently
// active set, e.g. ["v1"] -> "v2", [] -> "v1".
func nextVersion(current []string) string {
	max := 0
	for _, v := range current {
		n := strings.TrimPrefix(v, "v")
		if i, err := strconv.Atoi(n); err == nil && i > max {
			max = i
		}
	}
	return "v" + strconv.Itoa(max+1)
}

// generateSecret produces a fresh vendor Client-Secret: 32 random bytes,
// base64url-encoded.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
