// Package identity provides node identity management for groupcast.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// idFileName is the name of the file storing the node ID
	idFileName = "node_id"

	// Auto asks Resolve to load or create a persisted ID
	Auto = "auto"
)

var (
	// ErrInvalidID is returned when a string is not a UUID
	ErrInvalidID = errors.New("invalid node ID")

	// ErrNotFound is returned when no ID has been persisted yet
	ErrNotFound = errors.New("node ID not found")
)

// ID is a process-unique node identifier.
type ID struct {
	uuid.UUID
}

// NewID generates a random (version 4) ID.
func NewID() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, fmt.Errorf("failed to generate node ID: %w", err)
	}
	return ID{u}, nil
}

// MustNewID is like NewID but panics on failure. Intended for tests.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse parses an ID from its textual UUID form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ID{u}, nil
}

// IsZero returns true if the ID is uninitialized.
func (id ID) IsZero() bool {
	return id.UUID == uuid.Nil
}

// ShortString returns the first 8 characters of the ID.
func (id ID) ShortString() string {
	return id.String()[:8]
}

// Store persists the ID to the specified data directory.
func (id ID) Store(dataDir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero node ID")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, idFileName)

	// Write to a temp file and rename so readers never see a partial ID
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist node ID: %w", err)
	}

	return nil
}

// Load reads an ID from the specified data directory.
func Load(dataDir string) (ID, error) {
	filePath := filepath.Join(dataDir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ID{}, fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return ID{}, fmt.Errorf("failed to read node ID: %w", err)
	}

	return Parse(string(data))
}

// LoadOrCreate loads an existing ID from the data directory, or creates and
// persists a new one. The boolean reports whether a new ID was created.
func LoadOrCreate(dataDir string) (ID, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ID{}, false, err
	}

	id, err = NewID()
	if err != nil {
		return ID{}, false, err
	}

	if err := id.Store(dataDir); err != nil {
		return ID{}, false, err
	}

	return id, true, nil
}

// Resolve turns a configured ID into an ID: "auto" or empty loads (or
// creates) the persisted ID in dataDir, anything else must be a UUID.
func Resolve(configured, dataDir string) (ID, error) {
	if configured == "" || configured == Auto {
		id, _, err := LoadOrCreate(dataDir)
		return id, err
	}
	return Parse(configured)
}

// Exists checks if an ID file exists in the data directory.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, idFileName))
	return err == nil
}
