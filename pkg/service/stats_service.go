package service

import (
	"context"
	"log"
	"math"
	"os"

	"github.com/zots0127/dedupstore/pkg/catalog"
	"github.com/zots0127/dedupstore/pkg/types"
)

// StatsService derives aggregate storage accounting from the catalog. Totals
// are recomputed from the tables on every call rather than kept as running
// counters, so they cannot drift under concurrent mutation.
type StatsService struct {
	catalog *catalog.Catalog
	config  *ServiceConfig
	logger  *log.Logger
}

// NewStatsService creates a new stats service instance.
func NewStatsService(cat *catalog.Catalog, config *ServiceConfig) *StatsService {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &StatsService{
		catalog: cat,
		config:  config,
		logger:  log.New(os.Stdout, "[StatsService] ", log.LstdFlags),
	}
}

// Summary reports logical bytes stored, physical bytes after deduplication,
// and the savings between them, from one consistent catalog snapshot.
func (s *StatsService) Summary(ctx context.Context) (*types.StorageSummary, error) {
	total, dedup, err := s.catalog.StorageTotals()
	if err != nil {
		return nil, err
	}

	saved := total - dedup
	var pct float64
	if total > 0 {
		pct = math.Round(float64(saved)/float64(total)*100*100) / 100
	}

	if s.config.EnableLogging {
		s.logger.Printf("storage summary: total=%d dedup=%d saved=%d (%.2f%%)", total, dedup, saved, pct)
	}
	return &types.StorageSummary{
		TotalFileSize:       total,
		DeduplicatedStorage: dedup,
		StorageSaved:        saved,
		SavingsPercentage:   pct,
	}, nil
}
