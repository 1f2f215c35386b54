package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreateInstallID returns a persistent installation UUID stored at
// path (default ~/.chat-relay/install_id). The id survives restarts; an
// unreadable or corrupt file is replaced with a fresh id.
func GetOrCreateInstallID(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".chat-relay", "install_id")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create install id directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		installID := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(installID); err == nil {
			return installID, nil
		}
		// corrupt file: fall through and regenerate
	}

	installID := uuid.New().String()
	if err := os.WriteFile(path, []byte(installID+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return installID, nil
}
