package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zots0127/dedupstore/pkg/types"
)

// Store is a content-addressed blob store on the local filesystem. Payloads
// live under basePath fanned out by fingerprint prefix; in-flight uploads are
// staged under a private tmp directory and published with an atomic rename, so
// a crash mid-write never leaves a partial payload visible under its final
// fingerprint.
type Store struct {
	basePath string
	tmpPath  string
}

func NewStore(basePath string) (*Store, error) {
	tmpPath := filepath.Join(basePath, "tmp")
	if err := os.MkdirAll(tmpPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating storage directory: %v", types.ErrStorageIO, err)
	}
	return &Store{basePath: basePath, tmpPath: tmpPath}, nil
}

// Staged is a payload written to the staging area but not yet published.
// Exactly one of Publish or Discard must be called.
type Staged struct {
	store       *Store
	tmpName     string
	Fingerprint string
	Size        int64
	done        bool
}

// Stage copies r into a private temporary file while computing its
// fingerprint and logical length in a single pass.
func (s *Store) Stage(r io.Reader) (*Staged, error) {
	tempFile, err := os.CreateTemp(s.tmpPath, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating staging file: %v", types.ErrStorageIO, err)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(tempFile, hasher)
	n, err := io.Copy(writer, r)
	if cerr := tempFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempFile.Name())
		return nil, fmt.Errorf("%w: staging payload: %v", types.ErrStorageIO, err)
	}

	return &Staged{
		store:       s,
		tmpName:     tempFile.Name(),
		Fingerprint: hex.EncodeToString(hasher.Sum(nil)),
		Size:        n,
	}, nil
}

// Publish moves the staged payload to its final content address. If a payload
// already exists under the fingerprint the stage is discarded and the call is
// a no-op; the store is idempotent per fingerprint.
func (st *Staged) Publish() error {
	if st.done {
		return nil
	}
	st.done = true

	targetPath := st.store.blobPath(st.Fingerprint)
	if _, err := os.Stat(targetPath); err == nil {
		os.Remove(st.tmpName)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		os.Remove(st.tmpName)
		return fmt.Errorf("%w: creating blob directory: %v", types.ErrStorageIO, err)
	}
	if err := os.Rename(st.tmpName, targetPath); err != nil {
		os.Remove(st.tmpName)
		return fmt.Errorf("%w: publishing blob %s: %v", types.ErrStorageIO, st.Fingerprint, err)
	}
	return nil
}

// Discard drops the staged payload without side effects.
func (st *Staged) Discard() {
	if st.done {
		return
	}
	st.done = true
	os.Remove(st.tmpName)
}

// Open returns a reader over the payload stored under fingerprint.
func (s *Store) Open(fingerprint string) (*os.File, error) {
	if !ValidFingerprint(fingerprint) {
		return nil, fmt.Errorf("%w: malformed fingerprint %q", types.ErrNotFound, fingerprint)
	}
	f, err := os.Open(s.blobPath(fingerprint))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", types.ErrNotFound, fingerprint)
		}
		return nil, fmt.Errorf("%w: opening blob %s: %v", types.ErrStorageIO, fingerprint, err)
	}
	return f, nil
}

// Remove deletes the payload. An already-absent payload is treated as
// success; callers invoke this only once the reference count reached zero.
func (s *Store) Remove(fingerprint string) error {
	if !ValidFingerprint(fingerprint) {
		return fmt.Errorf("%w: malformed fingerprint %q", types.ErrStorageIO, fingerprint)
	}
	err := os.Remove(s.blobPath(fingerprint))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing blob %s: %v", types.ErrStorageIO, fingerprint, err)
	}
	return nil
}

// Exists reports whether a payload is registered under fingerprint.
func (s *Store) Exists(fingerprint string) bool {
	if !ValidFingerprint(fingerprint) {
		return false
	}
	_, err := os.Stat(s.blobPath(fingerprint))
	return err == nil
}

// Verify re-hashes the stored payload and fails if it no longer matches its
// fingerprint. Used before serving downloads so corruption is never silently
// passed through.
func (s *Store) Verify(fingerprint string) error {
	f, err := s.Open(fingerprint)
	if err != nil {
		return err
	}
	defer f.Close()

	actual, _, err := HashReader(f)
	if err != nil {
		return err
	}
	if actual != fingerprint {
		return fmt.Errorf("%w: blob %s re-hashed to %s", types.ErrIntegrity, fingerprint, actual)
	}
	return nil
}

func (s *Store) blobPath(fingerprint string) string {
	return filepath.Join(s.basePath, fingerprint[:2], fingerprint[2:4], fingerprint)
}
