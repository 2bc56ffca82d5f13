// Package app wires configuration, model loading, and a live connection
// into the workflows the CLI exposes.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tiankongzhise/schemasync/internal/config"
	"github.com/tiankongzhise/schemasync/internal/database"
	"github.com/tiankongzhise/schemasync/internal/diff"
	"github.com/tiankongzhise/schemasync/internal/schema"
	syncer "github.com/tiankongzhise/schemasync/internal/sync"
	"github.com/tiankongzhise/schemasync/pkg/logger"
	"github.com/tiankongzhise/schemasync/pkg/progress"
)

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Diff loads the declared model, connects, and reports every divergence
// without touching the live schema. A non-empty result is not an error.
func (s *Service) Diff(ctx context.Context, configPath, modelPath string, verboseFlag bool) ([]diff.Mismatch, error) {
	log := logger.NewLogger(verboseFlag)

	registry, db, err := s.connect(configPath, modelPath, log)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	mismatches, err := diff.NewDiffer(db, log).Diff(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("schema comparison failed: %w", err)
	}

	if len(mismatches) == 0 {
		log.Info("Live schema matches the declared model")
	} else {
		log.WithFields(logrus.Fields{
			"mismatches": len(mismatches),
			"tables":     mismatchedTableCount(mismatches),
		}).Warn("Live schema diverges from the declared model")
	}
	return mismatches, nil
}

// Sync diffs and then converges the live schema. The returned report covers
// every attempted correction; an error means the run itself could not
// proceed, not that individual corrections failed.
func (s *Service) Sync(ctx context.Context, configPath, modelPath string, verboseFlag bool) (*syncer.Report, error) {
	log := logger.NewLogger(verboseFlag)

	registry, db, err := s.connect(configPath, modelPath, log)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	mismatches, err := diff.NewDiffer(db, log).Diff(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("schema comparison failed: %w", err)
	}
	if len(mismatches) == 0 {
		log.Info("Live schema matches the declared model; nothing to do")
		return &syncer.Report{}, nil
	}

	sy := syncer.NewSynchronizer(db, log)
	bar := progress.NewBar(int64(mismatchedTableCount(mismatches)), "Synchronizing schema")
	sy.OnTable = func(string) { bar.Increment() }

	report, err := sy.Synchronize(ctx, registry, mismatches)
	bar.Finish()
	if err != nil {
		return report, err
	}

	if report.HasFailures() {
		log.WithFields(logrus.Fields{
			"failed": report.Failed(),
		}).Warn("Synchronization finished with failed operations")
	}
	return report, nil
}

// Tables lists the live table names, a quick connectivity and visibility
// probe.
func (s *Service) Tables(ctx context.Context, configPath string, verboseFlag bool) ([]string, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	return db.Tables(ctx)
}

func (s *Service) connect(configPath, modelPath string, log *logger.Logger) (*schema.Registry, database.Database, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load config: %w", err)
	}
	if modelPath == "" {
		modelPath = cfg.Model
	}
	if modelPath == "" {
		return nil, nil, fmt.Errorf("no model file given: set --model or the model key in the config")
	}

	registry, err := schema.LoadModel(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load declared model: %w", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"engine": cfg.Database.Type,
		"tables": registry.Len(),
	}).Debug("Connected; declared model loaded")
	return registry, db, nil
}

func mismatchedTableCount(mismatches []diff.Mismatch) int {
	seen := map[string]bool{}
	for _, m := range mismatches {
		seen[m.Table] = true
	}
	return len(seen)
}
