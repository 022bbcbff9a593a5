package secrets

import (
	"os"
	"strings"
)

// Backend is one secret source. Lookups that find nothing return
// ("", false, nil); errors are reserved for backend failures.
type Backend interface {
	Name() string
	Get(ref Reference) (string, bool, error)
}

// EnvPrefix is the environment namespace for secret values.
const EnvPrefix = "DESKTOP_AGENT_SECRET_"

// EnvBackend reads DESKTOP_AGENT_SECRET_<KEY> (service-scoped refs use
// DESKTOP_AGENT_SECRET_<SERVICE>_<KEY>). Read-only by nature.
type EnvBackend struct {
	// lookup defaults to os.LookupEnv; tests inject a map.
	lookup func(string) (string, bool)
}

// NewEnvBackend reads from the process environment.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv}
}

// NewEnvBackendFrom reads from a fixed map, for tests.
func NewEnvBackendFrom(env map[string]string) *EnvBackend {
	return &EnvBackend{lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
}

func (b *EnvBackend) Name() string { return "env" }

func (b *EnvBackend) Get(ref Reference) (string, bool, error) {
	name := EnvPrefix + ref.Key
	if ref.Service != "" {
		name = EnvPrefix + strings.ToUpper(ref.Service) + "_" + ref.Key
	}
	v, ok := b.lookup(name)
	return v, ok, nil
}

// StaticBackend serves a fixed map, for tests and for trigger-injected
// run-scoped secrets.
type StaticBackend struct {
	name   string
	values map[string]string
}

// NewStaticBackend builds a backend over reference-string keys
// ("key" or "service/key").
func NewStaticBackend(name string, values map[string]string) *StaticBackend {
	return &StaticBackend{name: name, values: values}
}

func (b *StaticBackend) Name() string { return b.name }

func (b *StaticBackend) Get(ref Reference) (string, bool, error) {
	v, ok := b.values[ref.String()]
	return v, ok, nil
}
