package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/plume-impactor/impactor/pkg/fault"
)

// storeFile is the on-disk layout.
type storeFile struct {
	SelectedAccount *string                  `json:"selected_account"`
	Accounts        map[string]StoredAccount `json:"accounts"`
}

// AccountStore holds the known accounts and the selected one. Mutations are
// saved immediately. Readers receive copies.
type AccountStore struct {
	mu       sync.Mutex
	path     string
	selected string
	accounts map[string]StoredAccount
}

// Load reads the store at path. A missing file yields an empty store that
// will be created on first save. An empty path yields a store that is never
// written.
func Load(path string) (*AccountStore, error) {
	s := &AccountStore{path: path, accounts: make(map[string]StoredAccount)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read account store: %v", fault.ErrIO, err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: account store %s: %v", fault.ErrParse, path, err)
	}
	for email, acct := range f.Accounts {
		s.accounts[email] = acct
	}
	// A selection must name a stored account.
	if f.SelectedAccount != nil {
		if _, ok := s.accounts[*f.SelectedAccount]; ok {
			s.selected = *f.SelectedAccount
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *AccountStore) Path() string {
	return s.path
}

// Save writes the store to disk.
func (s *AccountStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// SaveContext is Save for callers running under a context.
func (s *AccountStore) SaveContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Save()
}

// save writes the store. s.mu is held.
func (s *AccountStore) save() error {
	if s.path == "" {
		return nil
	}

	f := storeFile{Accounts: s.accounts}
	if s.selected != "" {
		sel := s.selected
		f.SelectedAccount = &sel
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode account store: %v", fault.ErrIO, err)
	}
	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("%w: save account store: %v", fault.ErrIO, err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path, syncs it and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// Add inserts or replaces acct, selects it and saves.
func (s *AccountStore) Add(acct StoredAccount) error {
	if acct.Email == "" {
		return fmt.Errorf("%w: account has no email", fault.ErrMissingEmail)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acct.Email] = acct
	s.selected = acct.Email
	return s.save()
}

// AddContext is Add for callers running under a context.
func (s *AccountStore) AddContext(ctx context.Context, acct StoredAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Add(acct)
}

// Remove deletes the account and clears the selection if it was selected.
// Removing an unknown email only saves.
func (s *AccountStore) Remove(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, email)
	if s.selected == email {
		s.selected = ""
	}
	return s.save()
}

// RemoveContext is Remove for callers running under a context.
func (s *AccountStore) RemoveContext(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Remove(email)
}

// Select makes email the selected account.
func (s *AccountStore) Select(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[email]; !ok {
		return fmt.Errorf("%w: account %s", fault.ErrNotFound, email)
	}
	s.selected = email
	return s.save()
}

// SelectContext is Select for callers running under a context.
func (s *AccountStore) SelectContext(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Select(email)
}

// UpdateStatus sets an account's status.
func (s *AccountStore) UpdateStatus(email string, status AccountStatus) error {
	return s.Update(email, func(a *StoredAccount) { a.Status = status })
}

// UpdateStatusContext is UpdateStatus for callers running under a context.
func (s *AccountStore) UpdateStatusContext(ctx context.Context, email string, status AccountStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.UpdateStatus(email, status)
}

// Update applies fn to the stored account and saves.
func (s *AccountStore) Update(email string, fn func(*StoredAccount)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[email]
	if !ok {
		return fmt.Errorf("%w: account %s", fault.ErrNotFound, email)
	}
	fn(&acct)
	acct.Email = email
	s.accounts[email] = acct
	return s.save()
}

// Get returns a copy of the account stored under email.
func (s *AccountStore) Get(email string) (StoredAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[email]
	return acct.clone(), ok
}

// Accounts returns a copy of every account, ordered by email.
func (s *AccountStore) Accounts() []StoredAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Selected returns a copy of the selected account.
func (s *AccountStore) Selected() (StoredAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == "" {
		return StoredAccount{}, false
	}
	acct, ok := s.accounts[s.selected]
	return acct.clone(), ok
}

func (a StoredAccount) clone() StoredAccount {
	a.SessionKey = bytes.Clone(a.SessionKey)
	a.C = bytes.Clone(a.C)
	return a
}
