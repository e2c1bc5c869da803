//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// keychainExec reads account from a flat JSON object of secrets. The service
// name is implied by the file location.
func keychainExec(_, account string) ([]byte, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	v, ok := secrets[account]
	if !ok {
		return nil, fmt.Errorf("secret %q not found", account)
	}
	return []byte(v), nil
}
