package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Credential is the bearer credential produced by the sign-in flow.
type Credential struct {
	Endpoint     string     `json:"endpoint"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DeviceID     string     `json:"device_id"`
}

// Expired reports whether the credential carries an expiry that has passed.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.IsZero() && now.After(*c.ExpiresAt)
}

// Store reads and writes the credential file. The file is owned by this
// process; it is re-read on every Load so a sign-in performed elsewhere is
// picked up without a restart.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored credential, or nil when none is stored. A file
// without an access token counts as no credential.
func (s *Store) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials %s: %w", s.path, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", s.path, err)
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		return nil, nil
	}
	return &cred, nil
}

// Save writes cred atomically with owner-only permissions. A missing device
// id is carried over from the existing file, or freshly generated.
func (s *Store) Save(cred *Credential) error {
	if cred == nil || strings.TrimSpace(cred.AccessToken) == "" {
		return fmt.Errorf("credential has no access token")
	}

	if cred.DeviceID == "" {
		if existing, err := s.Load(); err == nil && existing != nil && existing.DeviceID != "" {
			cred.DeviceID = existing.DeviceID
		} else {
			cred.DeviceID = uuid.New().String()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to install credentials: %w", err)
	}
	return nil
}

// Delete removes the stored credential. Deleting a missing file is not an
// error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}
