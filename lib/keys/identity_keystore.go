package keys

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/util"
)

// IdentityKeystore is an implementation of KeyStore for persisting the
// long-term identity of a node in its working directory.
type IdentityKeystore struct {
	dir      string
	name     string
	identity *IdentityKeys
}

var iks KeyStore = &IdentityKeystore{}

// NewIdentityKeystore loads the identity stored under dir/name, or generates
// and remembers a fresh one if none exists yet.
func NewIdentityKeystore(dir, name string) (*IdentityKeystore, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, oops.Errorf("failed to create keystore directory: %w", err)
		}
	}
	var identity *IdentityKeys
	fullPath := filepath.Join(dir, name+".key")
	if !util.CheckFileExists(fullPath) {
		log.WithField("path", fullPath).Debug("No stored identity found, generating a new one")
		var err error
		identity, err = NewIdentityKeys()
		if err != nil {
			return nil, err
		}
	} else {
		keyData, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, oops.Errorf("failed to read identity key: %w", err)
		}
		identity, err = IdentityFromPrivateKey(keyData)
		if err != nil {
			return nil, err
		}
		log.WithField("key_id", identity.KeyID()).Debug("Loaded stored identity")
	}
	return &IdentityKeystore{
		dir:      dir,
		name:     name,
		identity: identity,
	}, nil
}

func (ks *IdentityKeystore) GetKeys() (*IdentityKeys, error) {
	if ks.identity == nil {
		return nil, oops.Errorf("keystore holds no identity")
	}
	return ks.identity, nil
}

func (ks *IdentityKeystore) StoreKeys() error {
	if ks.identity == nil {
		return oops.Errorf("keystore holds no identity")
	}
	if _, err := os.Stat(ks.dir); os.IsNotExist(err) {
		if err := os.MkdirAll(ks.dir, 0o700); err != nil {
			return oops.Errorf("failed to create keystore directory: %w", err)
		}
	}
	filename := filepath.Join(ks.dir, ks.name+".key")
	if err := os.WriteFile(filename, ks.identity.PrivateKeyBytes(), 0o600); err != nil {
		return oops.Errorf("failed to store identity key: %w", err)
	}
	log.WithField("path", filename).Debug("Stored identity key")
	return nil
}

func (ks *IdentityKeystore) KeyID() string {
	if ks.name == "" {
		if ks.identity == nil {
			return "unknown"
		}
		return ks.identity.KeyID()
	}
	return ks.name
}
