// Package identity manages the stable per-device peer id, assigned at first
// launch and persisted under the OS config directory.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/synche-io/synche/internal/utils"
)

const peerIDFile = "peer_id"

// LoadOrCreate returns the persisted peer id, generating and persisting a
// fresh one on first launch.
func LoadOrCreate(configDir string) (string, error) {
	path := filepath.Join(configDir, peerIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("corrupt peer id at %s: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read peer id: %w", err)
	}

	id := uuid.NewString()
	if err := utils.EnsureDir(configDir); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist peer id: %w", err)
	}

	return id, nil
}

// Short returns the first 8 characters of a peer id, used in sidecar names
// and logs.
func Short(peerID string) string {
	clean := strings.ReplaceAll(peerID, "-", "")
	if len(clean) <= 8 {
		return clean
	}
	return clean[:8]
}
