package account

import (
	"os"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/platform/errors"
)

// AliasStore maps short operator-chosen names onto account ids, persisted
// as a JSON file next to the database.
type AliasStore struct {
	mu      sync.Mutex
	path    string
	aliases map[string]string
}

func NewAliasStore(path string) (*AliasStore, error) {
	s := &AliasStore{path: path, aliases: map[string]string{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "alias.load", "read alias file", err)
	}
	if len(raw) > 0 {
		if err := sonic.Unmarshal(raw, &s.aliases); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "alias.load", "parse alias file", err)
		}
	}
	return s, nil
}

func (s *AliasStore) Set(alias, accountID string) error {
	if alias == "" || accountID == "" {
		return errors.New(errors.KindDomain, "alias.set", "alias and account id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = accountID
	return s.persistLocked()
}

func (s *AliasStore) Remove(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aliases[alias]; !ok {
		return errors.New(errors.KindDomain, "alias.remove", "alias not found: "+alias)
	}
	delete(s.aliases, alias)
	return s.persistLocked()
}

// Resolve returns the account id for an alias, ok=false when unknown.
func (s *AliasStore) Resolve(alias string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.aliases[alias]
	return id, ok
}

// List returns the aliases sorted by name.
func (s *AliasStore) List() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// DropAccount removes every alias pointing at an account, after deletion.
func (s *AliasStore) DropAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for alias, id := range s.aliases {
		if id == accountID {
			delete(s.aliases, alias)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

// Names returns sorted alias names, for stable display.
func (s *AliasStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.aliases))
	for k := range s.aliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *AliasStore) persistLocked() error {
	raw, err := sonic.ConfigDefault.MarshalIndent(s.aliases, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindStorage, "alias.persist", "marshal aliases", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return errors.Wrap(errors.KindStorage, "alias.persist", "write alias file", err)
	}
	return nil
}
