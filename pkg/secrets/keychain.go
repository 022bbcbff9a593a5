package secrets

import (
	"os/exec"
	"runtime"
	"strings"
)

// KeychainBackend shells out to the macOS security(1) tool. On other
// platforms every lookup misses, which lets the resolver fall through to
// the file and environment backends without per-OS wiring.
type KeychainBackend struct {
	// servicePrefix namespaces entries so unrelated keychain items never
	// resolve as agent secrets.
	servicePrefix string
	run           func(args ...string) (string, error)
}

// NewKeychainBackend uses the default "desktop-agent" namespace.
func NewKeychainBackend() *KeychainBackend {
	return &KeychainBackend{
		servicePrefix: "desktop-agent",
		run: func(args ...string) (string, error) {
			out, err := exec.Command("security", args...).Output()
			return string(out), err
		},
	}
}

func (b *KeychainBackend) Name() string { return "keychain" }

func (b *KeychainBackend) Get(ref Reference) (string, bool, error) {
	if runtime.GOOS != "darwin" {
		return "", false, nil
	}
	service := b.servicePrefix
	if ref.Service != "" {
		service = b.servicePrefix + "." + ref.Service
	}
	out, err := b.run("find-generic-password", "-s", service, "-a", ref.Key, "-w")
	if err != nil {
		// security exits non-zero for missing items; treat as a miss.
		return "", false, nil
	}
	return strings.TrimRight(out, "\n"), true, nil
}
