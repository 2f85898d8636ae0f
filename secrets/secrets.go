package secrets

import (
	"context"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// LatestVersion selects the newest version of a secret.
const LatestVersion = "latest"

// Store is the secret-store boundary. Read reports absence without an
// error so callers can fall back cleanly.
type Store interface {
	Read(ctx context.Context, id, version string) (value string, ok bool, err error)
	AddVersion(ctx context.Context, id, value string) (bool, error)
	Create(ctx context.Context, id string) (bool, error)
}

// EnvStore resolves secrets from environment variables. A secret id like
// "my-api-token" maps to PREFIX_MY_API_TOKEN. Only the latest version
// exists; AddVersion overwrites the process-local value.
type EnvStore struct {
	Prefix string
}

func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

func (s *EnvStore) envName(id string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "_" + name
}

func (s *EnvStore) Read(_ context.Context, id, version string) (string, bool, error) {
	if version != "" && version != LatestVersion {
		log.Warnf("secret %q: env store only serves the latest version, ignoring %q", id, version)
	}
	value, ok := os.LookupEnv(s.envName(id))
	return value, ok, nil
}

func (s *EnvStore) AddVersion(_ context.Context, id, value string) (bool, error) {
	if err := os.Setenv(s.envName(id), value); err != nil {
		return false, err
	}
	return true, nil
}

// Create is a no-op for the env store; a secret exists once a value is set.
func (s *EnvStore) Create(_ context.Context, _ string) (bool, error) {
	return true, nil
}
