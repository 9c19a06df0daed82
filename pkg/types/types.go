package types

import "time"

// FileRecord is one logical, user-visible upload. Many records may share a
// single deduplicated blob through ContentFingerprint.
type FileRecord struct {
	ID                 string    `json:"id"`
	OriginalFilename   string    `json:"original_filename"`
	FileType           string    `json:"file_type"`
	FileSize           int64     `json:"file_size"`
	UploadedAt         time.Time `json:"uploaded_at"`
	ContentFingerprint string    `json:"-"`
	RefCount           int64     `json:"ref_count"`
}

// BlobStat describes one unique stored payload.
type BlobStat struct {
	Fingerprint  string
	PhysicalSize int64
	RefCount     int64
}

// SearchFilter holds the conjunctive criteria for a catalog search. Nil or
// zero-valued fields are ignored.
type SearchFilter struct {
	Filename      string
	FileExtension string
	MinSize       *int64
	MaxSize       *int64
	StartDate     *time.Time
	EndDate       *time.Time
	Page          int
	PageSize      int
}

// Empty reports whether no filter criterion is set (pagination aside).
func (f *SearchFilter) Empty() bool {
	return f.Filename == "" && f.FileExtension == "" &&
		f.MinSize == nil && f.MaxSize == nil &&
		f.StartDate == nil && f.EndDate == nil
}

// SearchResult is one page of catalog records plus pagination bookkeeping.
type SearchResult struct {
	Items    []FileRecord `json:"items"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// StorageSummary reports aggregate storage accounting from a single
// consistent snapshot of the catalog and index.
type StorageSummary struct {
	TotalFileSize       int64   `json:"total_file_size"`
	DeduplicatedStorage int64   `json:"deduplicated_storage"`
	StorageSaved        int64   `json:"storage_saved"`
	SavingsPercentage   float64 `json:"savings_percentage"`
}
