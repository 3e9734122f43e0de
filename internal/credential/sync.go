package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

// ErrNotFound is this package's own not-found sentinel, returned instead of
// leaking vault.ErrNotFound to callers that only depend on SecretStore.
var ErrNotFound = errors.New("credential: version not found")

// SecretStore is the narrow vault surface this package needs: getSecret/
// putSecret (spec.md §4.1) plus setVersionState, since each credential
// version lives at its own vault path (see versionPath) and "disabled but
// present" (spec.md §4.5 OLD_DEPRECATED) maps directly onto that path's
// own KV-v2 soft-delete rather than a field inside a shared blob.
// Satisfied by *vault.Client.
type SecretStore interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
	PutSecret(ctx context.Context, path string, data map[string]any) error
	SetVersionState(ctx context.Context, path string, version int, enabled bool) error
}

// VaultStore reads/writes the authoritative credential metadata at the
// logical vault paths spec.md §6 names. Each version gets its own KV-v2
// path (`credentials/{clientId}/versions/{version}`) written exactly once,
// so enabling/disabling that version is a direct soft-delete/undelete of
// vault-internal revision 1 of that path — a literal "disabled-but-
// present" state, not a simulated one. `current` and `pending` are small
// index documents listing which version tags are presently active or
// awaiting promotion.
type VaultStore struct {
	vault SecretStore
}

// NewVaultStore constructs a VaultStore.
func NewVaultStore(v SecretStore) *VaultStore {
	return &VaultStore{vault: v}
}

func currentPath(clientID string) string { return fmt.Sprintf("credentials/%s/current", clientID) }
func pendingPath(clientID string) string { return fmt.Sprintf("credentials/%s/pending", clientID) }
func versionPath(clientID, version string) string {
	return fmt.Sprintf("credentials/%s/versions/%s", clientID, version)
}

// versionRevision is the vault-internal KV-v2 revision number of a
// version path. Every version path is written exactly once by initiate(),
// so its only revision is always 1.
const versionRevision = 1

// CurrentIndex returns the version tags presently marked active for
// clientID, in the order they were added. A client with no rotation history
// yet has no `current` path written; that is not an error, it is an empty
// index.
func (s *VaultStore) CurrentIndex(ctx context.Context, clientID string) ([]string, error) {
	data, err := s.vault.GetSecret(ctx, currentPath(clientID))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeVersionList(data)
}

// PutCurrentIndex overwrites the active-version tag list for clientID.
func (s *VaultStore) PutCurrentIndex(ctx context.Context, clientID string, versions []string) error {
	return s.vault.PutSecret(ctx, currentPath(clientID), encodeVersionList(versions))
}

// PendingVersion returns the version tag awaiting promotion, if any. No
// pending path written yet means no pending version, not an error.
func (s *VaultStore) PendingVersion(ctx context.Context, clientID string) (string, error) {
	data, err := s.vault.GetSecret(ctx, pendingPath(clientID))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	v, _ := data["version"].(string)
	return v, nil
}

// PutPendingVersion records which version tag initiate() is waiting to
// promote.
func (s *VaultStore) PutPendingVersion(ctx context.Context, clientID, version string) error {
	return s.vault.PutSecret(ctx, pendingPath(clientID), map[string]any{"version": version})
}

// ClearPending removes the pending slot once promoted or cancelled.
func (s *VaultStore) ClearPending(ctx context.Context, clientID string) error {
	return s.vault.PutSecret(ctx, pendingPath(clientID), map[string]any{})
}

// PutVersion writes the one-and-only revision of a credential version's
// own secret path.
func (s *VaultStore) PutVersion(ctx context.Context, clientID string, cred domain.Credential) error {
	data := map[string]any{
		"secretHash": cred.SecretHash,
		"createdAt":  cred.CreatedAt.Format(time.RFC3339),
	}
	if cred.ExpiresAt != nil {
		data["expiresAt"] = cred.ExpiresAt.Format(time.RFC3339)
	}
	return s.vault.PutSecret(ctx, versionPath(clientID, cred.Version), data)
}

// GetVersion reads one version's secret material. Returns ErrNotFound if
// the version was disabled (soft-deleted) or never written.
func (s *VaultStore) GetVersion(ctx context.Context, clientID, version string) (*domain.Credential, error) {
	data, err := s.vault.GetSecret(ctx, versionPath(clientID, version))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	hash, _ := data["secretHash"].(string)
	cred := domain.Credential{ClientID: clientID, SecretHash: hash, Version: version, Active: true}
	if createdAt, ok := data["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			cred.CreatedAt = t
		}
	}
	if expiresAt, ok := data["expiresAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			cred.ExpiresAt = &t
		}
	}
	return &cred, nil
}

// SetVersionEnabled enables or disables a version's vault path, the
// primitive behind promote (enable)/retire (disable old) /complete
// (disable permanently) transitions.
func (s *VaultStore) SetVersionEnabled(ctx context.Context, clientID, version string, enabled bool) error {
	return s.vault.SetVersionState(ctx, versionPath(clientID, version), versionRevision, enabled)
}

// ActiveCredentials resolves the current index into full credential
// records, skipping any version whose vault path is presently disabled
// (defensive: the index should already exclude it, but a version disabled
// out-of-band must never silently authenticate).
func (s *VaultStore) ActiveCredentials(ctx context.Context, clientID string) ([]domain.Credential, error) {
	versions, err := s.CurrentIndex(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.Credential, 0, len(versions))
	for _, v := range versions {
		cred, err := s.GetVersion(ctx, clientID, v)
		if err != nil {
			continue
		}
		out = append(out, *cred)
	}
	return out, nil
}

func encodeVersionList(versions []string) map[string]any {
	list := make([]any, len(versions))
	for i, v := range versions {
		list[i] = v
	}
	return map[string]any{"versions": list}
}

func decodeVersionList(data map[string]any) ([]string, error) {
	raw, ok := data["versions"].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
