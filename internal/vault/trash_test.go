package vault

import (
	"errors"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/meta"
	"github.com/chunkvault/chunkvault/internal/storage"
)

func TestDeleteMovesToTrash(t *testing.T) {
	v, backend := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))

	stored, err := v.Meta().Read(rec.Hash)
	require.NoError(t, err)
	assert.True(t, stored.IsTrashed())
	assert.Empty(t, stored.Path)
	assert.Empty(t, stored.URL)
	assert.Equal(t, ".trash/doc.txt", stored.TrashPath)
	assert.False(t, backend.Exists("files/doc.txt"))
	assert.True(t, backend.Exists(".trash/doc.txt"))
}

func TestDeleteUnknownHash(t *testing.T) {
	v, _ := newTestVault(t, nil)
	assert.ErrorIs(t, v.Delete("deadbeef", Requester{}), ErrNotFound)
}

func TestDeleteAlreadyTrashed(t *testing.T) {
	v, _ := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))
	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))
}

func TestDeleteForbiddenForOtherUser(t *testing.T) {
	v, _ := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	err := v.Delete(rec.Hash, Requester{ID: "bob"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteAllowedByFullAccess(t *testing.T) {
	v, _ := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.FullAccess.Roles = []string{"admin"}
	})
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "bob", Roles: []string{"admin"}}))
}

func TestDeleteAllowedByGlobalFlag(t *testing.T) {
	v, _ := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.AllowDeleteAllFiles = true
	})
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "bob"}))
}

func TestDeleteUnownedFileByAnyone(t *testing.T) {
	v, _ := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "bob"}))
}

func TestDeleteHardWhenSoftDeleteDisabled(t *testing.T) {
	v, backend := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.SoftDelete = false
	})
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))
	assert.False(t, backend.Exists("files/doc.txt"))
	trash, err := backend.List(".trash")
	require.NoError(t, err)
	assert.Empty(t, trash)
	_, err = v.Meta().Read(rec.Hash)
	assert.ErrorIs(t, err, meta.ErrNotFound)
}

func TestDeleteMissingBytesDropsRecord(t *testing.T) {
	v, backend := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})
	require.NoError(t, backend.Delete(rec.Path))

	err := v.Delete(rec.Hash, Requester{ID: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Meta().Read(rec.Hash)
	assert.ErrorIs(t, err, meta.ErrNotFound)
}

func TestRestoreRoundTrip(t *testing.T) {
	v, backend := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})
	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))

	restored, err := v.Restore(rec.Hash, Requester{ID: "alice"})
	require.NoError(t, err)
	assert.False(t, restored.IsTrashed())
	assert.Equal(t, "files/doc.txt", restored.Path)
	assert.Empty(t, restored.TrashPath)
	assert.Equal(t, "http://vault.test/files/doc.txt", restored.URL)
	assert.True(t, backend.Exists("files/doc.txt"))
	assert.False(t, backend.Exists(".trash/doc.txt"))
}

func TestRestoreAlreadyLive(t *testing.T) {
	v, _ := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})

	restored, err := v.Restore(rec.Hash, Requester{ID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, rec.Path, restored.Path)
}

func TestRestoreMissingTrashBytes(t *testing.T) {
	v, backend := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})
	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))
	require.NoError(t, backend.Delete(".trash/doc.txt"))

	_, err := v.Restore(rec.Hash, Requester{ID: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Meta().Read(rec.Hash)
	assert.ErrorIs(t, err, meta.ErrNotFound)
}

func TestRestoreForbidden(t *testing.T) {
	v, _ := newTestVault(t, nil)
	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})
	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))

	_, err := v.Restore(rec.Hash, Requester{ID: "bob"})
	assert.ErrorIs(t, err, ErrForbidden)
}

// renameFailFS fails every Rename once armed. Used to verify that a failed
// move is reported as an error instead of a silent success.
type renameFailFS struct {
	billy.Filesystem
	fail bool
}

func (f *renameFailFS) Rename(from, to string) error {
	if f.fail {
		return errors.New("rename failed")
	}
	return f.Filesystem.Rename(from, to)
}

func TestRestoreReportsFailedMove(t *testing.T) {
	cfg := config.DefaultVaultConfig()
	cfg.Directory = "files"
	fs := &renameFailFS{Filesystem: memfs.New()}
	backend := storage.NewBackend(fs, "test")
	v, err := New(cfg, backend, BaseURLResolver{Base: "http://vault.test"})
	require.NoError(t, err)

	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{ID: "alice"})
	require.NoError(t, v.Delete(rec.Hash, Requester{ID: "alice"}))

	fs.fail = true
	_, err = v.Restore(rec.Hash, Requester{ID: "alice"})
	require.Error(t, err)

	// The record still reflects reality: in trash, bytes untouched.
	stored, readErr := v.Meta().Read(rec.Hash)
	require.NoError(t, readErr)
	assert.True(t, stored.IsTrashed())
	assert.True(t, backend.Exists(".trash/doc.txt"))
}

func setDeletedAt(t *testing.T, v *Vault, hash string, at time.Time) {
	t.Helper()
	rec, err := v.Meta().Read(hash)
	require.NoError(t, err)
	rec.DeletedAt = &at
	require.NoError(t, v.Meta().Write(rec))
}

func TestCleanupTrashRemovesExpired(t *testing.T) {
	v, backend := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.TrashTTLDays = 30
	})

	expired := sendFile(t, v, "old.txt", []byte("old"), 1<<20, "", Requester{})
	fresh := sendFile(t, v, "new.txt", []byte("new"), 1<<20, "", Requester{})
	require.NoError(t, v.Delete(expired.Hash, Requester{}))
	require.NoError(t, v.Delete(fresh.Hash, Requester{}))
	setDeletedAt(t, v, expired.Hash, time.Now().UTC().AddDate(0, 0, -31))

	removed, err := v.CleanupTrash()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = v.Meta().Read(expired.Hash)
	assert.ErrorIs(t, err, meta.ErrNotFound)
	assert.False(t, backend.Exists(".trash/old.txt"))

	stored, err := v.Meta().Read(fresh.Hash)
	require.NoError(t, err)
	assert.True(t, stored.IsTrashed())
	assert.True(t, backend.Exists(".trash/new.txt"))
}

func TestCleanupTrashBoundary(t *testing.T) {
	v, _ := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.TrashTTLDays = 7
	})

	justOver := sendFile(t, v, "over.txt", []byte("over"), 1<<20, "", Requester{})
	justUnder := sendFile(t, v, "under.txt", []byte("under"), 1<<20, "", Requester{})
	require.NoError(t, v.Delete(justOver.Hash, Requester{}))
	require.NoError(t, v.Delete(justUnder.Hash, Requester{}))
	setDeletedAt(t, v, justOver.Hash, time.Now().UTC().AddDate(0, 0, -7).Add(-time.Minute))
	setDeletedAt(t, v, justUnder.Hash, time.Now().UTC().AddDate(0, 0, -7).Add(time.Minute))

	removed, err := v.CleanupTrash()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = v.Meta().Read(justOver.Hash)
	assert.ErrorIs(t, err, meta.ErrNotFound)
	_, err = v.Meta().Read(justUnder.Hash)
	assert.NoError(t, err)
}

func TestCleanupTrashZeroTTLEmptiesTrash(t *testing.T) {
	v, backend := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.TrashTTLDays = 0
	})

	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{})
	require.NoError(t, v.Delete(rec.Hash, Requester{}))

	removed, err := v.CleanupTrash()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	trash, err := backend.List(".trash")
	require.NoError(t, err)
	assert.Empty(t, trash)
}

func TestCleanupTrashIgnoresLiveFiles(t *testing.T) {
	v, backend := newTestVault(t, func(cfg *config.VaultConfig) {
		cfg.TrashTTLDays = 0
	})

	rec := sendFile(t, v, "doc.txt", []byte("bytes"), 1<<20, "", Requester{})
	removed, err := v.CleanupTrash()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, backend.Exists(rec.Path))
}
