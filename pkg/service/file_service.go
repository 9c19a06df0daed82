package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zots0127/dedupstore/pkg/catalog"
	"github.com/zots0127/dedupstore/pkg/storage"
	"github.com/zots0127/dedupstore/pkg/types"
)

// ServiceConfig holds tunables shared by the services.
type ServiceConfig struct {
	MaxUploadSize     int64
	MaxFilenameLength int
	LockTimeout       time.Duration
	EnableLogging     bool
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxUploadSize:     1 << 30, // 1GB
		MaxFilenameLength: 255,
		LockTimeout:       30 * time.Second,
		EnableLogging:     true,
	}
}

// FileService orchestrates the deduplicating upload pipeline and its inverse,
// reclamation, on top of the blob store and the catalog.
type FileService struct {
	catalog *catalog.Catalog
	store   *storage.Store
	locks   *keyLock
	config  *ServiceConfig
	logger  *log.Logger
}

// NewFileService creates a new file service instance.
func NewFileService(cat *catalog.Catalog, store *storage.Store, config *ServiceConfig) *FileService {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &FileService{
		catalog: cat,
		store:   store,
		locks:   newKeyLock(),
		config:  config,
		logger:  log.New(os.Stdout, "[FileService] ", log.LstdFlags),
	}
}

// Ingest streams one upload through the hasher into the staging area, then
// registers it: a reference on the blob's index row, the physical payload if
// the content is novel, and a catalog row for the logical file. isNew reports
// whether this upload created the blob. Two concurrent uploads of identical
// bytes serialize on the fingerprint lock; exactly one performs the physical
// write and both end up with independent records sharing one blob.
func (s *FileService) Ingest(ctx context.Context, filename, declaredType string, r io.Reader) (rec *types.FileRecord, isNew bool, err error) {
	if err := s.validateUpload(filename); err != nil {
		return nil, false, err
	}
	if declaredType == "" {
		declaredType = strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	}

	staged, err := s.store.Stage(io.LimitReader(r, s.config.MaxUploadSize+1))
	if err != nil {
		return nil, false, err
	}
	if staged.Size > s.config.MaxUploadSize {
		staged.Discard()
		return nil, false, fmt.Errorf("%w: payload exceeds %d bytes", types.ErrValidation, s.config.MaxUploadSize)
	}
	fingerprint := staged.Fingerprint

	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()
	if err := s.locks.Lock(lockCtx, fingerprint); err != nil {
		staged.Discard()
		return nil, false, err
	}
	defer s.locks.Unlock(fingerprint)

	isNew, err = s.catalog.Acquire(fingerprint, staged.Size)
	if err != nil {
		staged.Discard()
		return nil, false, err
	}

	if isNew {
		// The payload must be on disk before the lock is dropped; any
		// later acquirer of this fingerprint skips the write.
		if err := staged.Publish(); err != nil {
			s.compensate(fingerprint, false)
			return nil, false, err
		}
	} else {
		staged.Discard()
	}

	rec = &types.FileRecord{
		ID:                 uuid.NewString(),
		OriginalFilename:   filename,
		FileType:           declaredType,
		FileSize:           staged.Size,
		UploadedAt:         time.Now().UTC(),
		ContentFingerprint: fingerprint,
	}
	if err := s.catalog.CreateFile(rec); err != nil {
		s.compensate(fingerprint, true)
		return nil, false, err
	}

	stat, err := s.catalog.BlobStat(fingerprint)
	if err != nil {
		return nil, false, err
	}
	rec.RefCount = stat.RefCount

	if s.config.EnableLogging {
		s.logger.Printf("ingested %s as %s (fingerprint=%s size=%d new=%t refs=%d)",
			filename, rec.ID, fingerprint, rec.FileSize, isNew, rec.RefCount)
	}
	return rec, isNew, nil
}

// compensate undoes a successful Acquire after a later pipeline step failed,
// so no reference leaks without a backing file record. Called with the
// fingerprint lock held.
func (s *FileService) compensate(fingerprint string, removePayload bool) {
	reachedZero, err := s.catalog.Release(fingerprint)
	if err != nil {
		s.logger.Printf("compensation failed for %s: %v", fingerprint, err)
		return
	}
	if reachedZero && removePayload {
		if err := s.store.Remove(fingerprint); err != nil {
			s.logger.Printf("compensation failed for %s: %v", fingerprint, err)
		}
	}
}

// Delete removes one logical file. reclaimed reports whether this was the
// last reference and the physical payload was removed. The index row is gone
// before the payload is, so a racing ingest of the same content sees a clean
// absent row and re-creates both.
func (s *FileService) Delete(ctx context.Context, id string) (reclaimed bool, err error) {
	rec, err := s.catalog.GetFile(id)
	if err != nil {
		return false, err
	}
	fingerprint := rec.ContentFingerprint

	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()
	if err := s.locks.Lock(lockCtx, fingerprint); err != nil {
		return false, err
	}
	defer s.locks.Unlock(fingerprint)

	if _, err := s.catalog.DeleteFile(id); err != nil {
		return false, err
	}

	reclaimed, err = s.catalog.Release(fingerprint)
	if err != nil {
		return false, err
	}
	if reclaimed {
		if err := s.store.Remove(fingerprint); err != nil {
			return false, err
		}
	}

	if s.config.EnableLogging {
		s.logger.Printf("deleted %s (fingerprint=%s reclaimed=%t)", id, fingerprint, reclaimed)
	}
	return reclaimed, nil
}

// Get returns the catalog record for id.
func (s *FileService) Get(ctx context.Context, id string) (*types.FileRecord, error) {
	return s.catalog.GetFile(id)
}

// OpenDownload verifies the stored payload against its fingerprint and
// returns a reader over the exact original bytes. A mismatch is fatal for the
// request, never silently served.
func (s *FileService) OpenDownload(ctx context.Context, id string) (*types.FileRecord, io.ReadCloser, error) {
	rec, err := s.catalog.GetFile(id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Verify(rec.ContentFingerprint); err != nil {
		return nil, nil, err
	}
	f, err := s.store.Open(rec.ContentFingerprint)
	if err != nil {
		return nil, nil, err
	}
	return rec, f, nil
}

// Search validates the filter and runs it against the catalog.
func (s *FileService) Search(ctx context.Context, filter *types.SearchFilter) (*types.SearchResult, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	return s.catalog.Search(filter)
}

// ValidateFilter rejects contradictory criteria before any query runs.
func ValidateFilter(filter *types.SearchFilter) error {
	if filter.MinSize != nil && *filter.MinSize < 0 {
		return fmt.Errorf("%w: min_size must be >= 0", types.ErrValidation)
	}
	if filter.MaxSize != nil && *filter.MaxSize < 0 {
		return fmt.Errorf("%w: max_size must be >= 0", types.ErrValidation)
	}
	if filter.MinSize != nil && filter.MaxSize != nil && *filter.MinSize > *filter.MaxSize {
		return fmt.Errorf("%w: min_size cannot exceed max_size", types.ErrValidation)
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return fmt.Errorf("%w: start_date cannot be after end_date", types.ErrValidation)
	}
	if filter.Page < 0 {
		return fmt.Errorf("%w: page must be >= 1", types.ErrValidation)
	}
	if filter.PageSize < 0 || filter.PageSize > 100 {
		return fmt.Errorf("%w: page_size must be between 1 and 100", types.ErrValidation)
	}
	return nil
}

// Health checks that hashing, staging and the catalog are all functional. The
// probe payload is staged and discarded, never published.
func (s *FileService) Health(ctx context.Context) error {
	probe := []byte("health_check")
	staged, err := s.store.Stage(bytes.NewReader(probe))
	if err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	defer staged.Discard()

	if staged.Fingerprint != storage.HashBytes(probe) {
		return fmt.Errorf("fingerprint mismatch in health check: got %s", staged.Fingerprint)
	}
	if err := s.catalog.Ping(); err != nil {
		return fmt.Errorf("catalog health check failed: %w", err)
	}
	return nil
}

func (s *FileService) validateUpload(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: filename is required", types.ErrValidation)
	}
	if len(filename) > s.config.MaxFilenameLength {
		return fmt.Errorf("%w: filename too long (max %d chars)", types.ErrValidation, s.config.MaxFilenameLength)
	}
	for _, seg := range []string{"..", "/", "\\"} {
		if strings.Contains(filename, seg) {
			return fmt.Errorf("%w: filename contains path segments", types.ErrValidation)
		}
	}
	return nil
}
