package runner

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
)

// identityStoreAdapter binds store.Store's context-taking LoadIdentity/
// SaveIdentity to the no-context clockid.IdentityStore shape. Identity
// load/create happens once at startup against a background context, so
// there is no caller-supplied deadline to thread through.
type identityStoreAdapter struct {
	ctx context.Context
	st  store.Store
}

func (a identityStoreAdapter) LoadIdentity() (*types.NodeIdentity, error) {
	id, err := a.st.LoadIdentity(a.ctx)
	if err != nil {
		if err == clockid.ErrNoIdentity {
			return nil, clockid.ErrNoIdentity
		}
		return nil, err
	}
	return id, nil
}

func (a identityStoreAdapter) SaveIdentity(identity *types.NodeIdentity) error {
	return a.st.SaveIdentity(a.ctx, identity)
}

// loadOrCreateIdentity wraps clockid.LoadOrCreateIdentity with
// registration-key-derived at-rest encryption of the private signing
// key, so the key is sealed before the first SaveIdentity rather than
// persisted in the clear.
func loadOrCreateIdentity(ctx context.Context, st store.Store, nodeName, host string, port int, registrationKey string, generateKeyPair bool) (*types.NodeIdentity, error) {
	adapter := identityStoreAdapter{ctx: ctx, st: st}

	existing, err := adapter.LoadIdentity()
	if err == nil {
		return decryptIdentityKey(existing, registrationKey)
	}
	if err != clockid.ErrNoIdentity {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	identity, err := clockid.LoadOrCreateIdentity(adapter, nodeName, host, port, registrationKey, generateKeyPair)
	if err != nil {
		return nil, err
	}

	if generateKeyPair && len(identity.PrivateKeyEncrypted) > 0 && registrationKey != "" {
		sm, err := security.NewSecretsManager(security.DeriveKeyFromRegistrationKey(registrationKey))
		if err != nil {
			return nil, fmt.Errorf("build secrets manager for identity encryption: %w", err)
		}
		sealed, err := sm.EncryptSecret(identity.PrivateKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("encrypt private key at rest: %w", err)
		}
		// Only the persisted row carries the sealed form; the in-process
		// copy keeps the plaintext key so the first run can sign events
		// without a restart.
		persisted := *identity
		persisted.PrivateKeyEncrypted = sealed
		if err := adapter.SaveIdentity(&persisted); err != nil {
			return nil, fmt.Errorf("persist encrypted identity: %w", err)
		}
	}
	return identity, nil
}

func decryptIdentityKey(identity *types.NodeIdentity, registrationKey string) (*types.NodeIdentity, error) {
	if len(identity.PrivateKeyEncrypted) == 0 || registrationKey == "" {
		return identity, nil
	}
	sm, err := security.NewSecretsManager(security.DeriveKeyFromRegistrationKey(registrationKey))
	if err != nil {
		return nil, fmt.Errorf("build secrets manager for identity decryption: %w", err)
	}
	plain, err := sm.DecryptSecret(identity.PrivateKeyEncrypted)
	if err != nil {
		// Pre-encryption identities (or a registration key change) leave the
		// field as-is; callers that need the private key will fail loudly
		// at the point of use instead of here.
		return identity, nil
	}
	identity.PrivateKeyEncrypted = plain
	return identity, nil
}
