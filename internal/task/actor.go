package task

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Actor is an ephemeral, locally-generated identity. It is not an
// authenticated account; it only attributes mutations so conflicting edits
// can name their authors. Actors are threaded explicitly into mutation and
// resolution calls rather than held as ambient state.
type Actor struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// identityFile is the on-disk identity, stored next to the databases.
const identityFile = "identity.toml"

// NewActor generates a fresh identity. Name defaults to a short form of the
// id when empty.
func NewActor(name string) Actor {
	id := uuid.NewString()
	if name == "" {
		name = "user-" + id[:8]
	}
	return Actor{ID: id, Name: name}
}

// LoadActor reads the persisted identity from stateDir, creating and
// persisting a fresh one on first use.
func LoadActor(stateDir, name string) (Actor, error) {
	path := filepath.Join(stateDir, identityFile)

	var actor Actor
	if _, err := toml.DecodeFile(path, &actor); err == nil && actor.ID != "" {
		if name != "" && name != actor.Name {
			actor.Name = name
			if err := saveActor(path, actor); err != nil {
				return Actor{}, err
			}
		}
		return actor, nil
	} else if err != nil && !os.IsNotExist(err) {
		return Actor{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	actor = NewActor(name)
	if err := saveActor(path, actor); err != nil {
		return Actor{}, err
	}
	return actor, nil
}

func saveActor(path string, actor Actor) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create identity file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(actor); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
