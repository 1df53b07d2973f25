package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(email string) StoredAccount {
	return StoredAccount{
		Email:            email,
		FirstName:        "Ada",
		LastName:         "Lovelace",
		AnisetteProvider: anisette.KindRemote,
		ADSID:            "ADSID-" + email,
		GsIdmsToken:      "idms",
		SessionKey:       []byte{1, 2, 3},
		C:                []byte{4, 5},
		XcodeGsToken:     "xcode",
		TeamID:           "TEAM",
		Status:           StatusValid,
	}
}

func TestAccountStore(t *testing.T) {
	t.Run("LoadMissingFile", func(t *testing.T) {
		store, err := Load(filepath.Join(t.TempDir(), "accounts.json"))
		require.NoError(t, err)
		assert.Empty(t, store.Accounts())
		_, ok := store.Selected()
		assert.False(t, ok)
	})

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "accounts.json")
		store, err := Load(path)
		require.NoError(t, err)

		require.NoError(t, store.Add(testAccount("a@example.com")))
		require.NoError(t, store.Add(testAccount("b@example.com")))

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, store.Accounts(), loaded.Accounts())

		sel, ok := loaded.Selected()
		require.True(t, ok)
		assert.Equal(t, "b@example.com", sel.Email)
		assert.Equal(t, []byte{1, 2, 3}, sel.SessionKey)
	})

	t.Run("FileLayout", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "accounts.json")
		store, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, store.Add(testAccount("a@example.com")))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "a@example.com", raw["selected_account"])
		accounts := raw["accounts"].(map[string]any)
		entry := accounts["a@example.com"].(map[string]any)
		assert.Equal(t, "remote", entry["anisette_provider"])
		assert.Equal(t, "valid", entry["status"])
		assert.Equal(t, "xcode", entry["xcode_gs_token"])

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary file must not be left behind")
	})

	t.Run("RemoveSelectedClearsSelection", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "accounts.json")
		store, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, store.Add(testAccount("a@example.com")))
		require.NoError(t, store.Add(testAccount("b@example.com")))

		require.NoError(t, store.Remove("b@example.com"))
		_, ok := store.Selected()
		assert.False(t, ok)
		assert.Len(t, store.Accounts(), 1)

		loaded, err := Load(path)
		require.NoError(t, err)
		_, ok = loaded.Selected()
		assert.False(t, ok)
	})

	t.Run("RemoveOtherKeepsSelection", func(t *testing.T) {
		store, err := Load(filepath.Join(t.TempDir(), "accounts.json"))
		require.NoError(t, err)
		require.NoError(t, store.Add(testAccount("a@example.com")))
		require.NoError(t, store.Add(testAccount("b@example.com")))

		require.NoError(t, store.Remove("a@example.com"))
		sel, ok := store.Selected()
		require.True(t, ok)
		assert.Equal(t, "b@example.com", sel.Email)
	})

	t.Run("SelectMissing", func(t *testing.T) {
		store, err := Load(filepath.Join(t.TempDir(), "accounts.json"))
		require.NoError(t, err)
		err = store.Select("nobody@example.com")
		assert.ErrorIs(t, err, fault.ErrNotFound)
	})

	t.Run("SelectAndUpdateStatus", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "accounts.json")
		store, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, store.Add(testAccount("a@example.com")))
		require.NoError(t, store.Add(testAccount("b@example.com")))

		ctx := context.Background()
		require.NoError(t, store.SelectContext(ctx, "a@example.com"))
		require.NoError(t, store.UpdateStatusContext(ctx, "a@example.com", StatusNeedsReauth))
		assert.ErrorIs(t, store.UpdateStatus("zed@example.com", StatusInvalid), fault.ErrNotFound)

		loaded, err := Load(path)
		require.NoError(t, err)
		sel, ok := loaded.Selected()
		require.True(t, ok)
		assert.Equal(t, "a@example.com", sel.Email)
		assert.Equal(t, StatusNeedsReauth, sel.Status)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store, err := Load(filepath.Join(t.TempDir(), "accounts.json"))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, store.AddContext(ctx, testAccount("a@example.com")), context.Canceled)
		assert.Empty(t, store.Accounts())
	})

	t.Run("ReadersGetCopies", func(t *testing.T) {
		store, err := Load("")
		require.NoError(t, err)
		require.NoError(t, store.Add(testAccount("a@example.com")))

		sel, _ := store.Selected()
		sel.SessionKey[0] = 99
		sel.FirstName = "changed"

		again, _ := store.Get("a@example.com")
		assert.Equal(t, byte(1), again.SessionKey[0])
		assert.Equal(t, "Ada", again.FirstName)
	})

	t.Run("SaveFailure", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

		store, err := Load(filepath.Join(blocker, "accounts.json"))
		require.NoError(t, err)
		err = store.Add(testAccount("a@example.com"))
		assert.ErrorIs(t, err, fault.ErrIO)
	})

	t.Run("LoadDropsDanglingSelection", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "accounts.json")
		data := `{"selected_account": "gone@example.com", "accounts": {"a@example.com": {"email": "a@example.com", "status": "valid"}}}`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		store, err := Load(path)
		require.NoError(t, err)
		assert.Len(t, store.Accounts(), 1)
		_, ok := store.Selected()
		assert.False(t, ok)
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "accounts.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
		_, err := Load(path)
		assert.ErrorIs(t, err, fault.ErrParse)
	})
}
