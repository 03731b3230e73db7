package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	secretsService      = "segscope"
	tokenAccount        = "api_token"
	serviceTokenAccount = "service_token"
)

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets keeps secrets in a 0600 JSON file under the data dir.
type fileSecrets struct {
	path string
}

// NewSecretStore returns the file-backed secret store at
// $XDG_DATA_HOME/segscope/secrets.json.
func NewSecretStore() SecretStore {
	return fileSecrets{path: filepath.Join(dataDir(), "secrets.json")}
}

var errSecretNotFound = errors.New("secret not found")

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", errSecretNotFound, service, account)
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the local session API,
// generating and storing a new one on first use.
func GetAPIToken(store SecretStore) (string, error) {
	tok, err := store.Get(secretsService, tokenAccount)
	if err == nil && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}
	if err != nil && !errors.Is(err, errSecretNotFound) {
		return "", err
	}

	tok = strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := store.Set(secretsService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// ServiceToken returns the analysis service token saved by login, or "" when
// none has been saved.
func ServiceToken(store SecretStore) (string, error) {
	tok, err := store.Get(secretsService, serviceTokenAccount)
	if errors.Is(err, errSecretNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(tok), nil
}

// SetServiceToken saves the analysis service token.
func SetServiceToken(store SecretStore, tok string) error {
	if err := store.Set(secretsService, serviceTokenAccount, tok); err != nil {
		return fmt.Errorf("storing service token: %w", err)
	}
	return nil
}
