// Package store handles persistence of the listing snapshot and run reports.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"wg-radar/pkg/listing"
)

const (
	snapshotKey  = "snapshot.json"
	reportPrefix = "run-"
)

// Store persists the snapshot either in a local directory (development) or a
// Cloud Storage bucket. A replace is atomic in both modes: local writes go to
// a temp file renamed into place, bucket objects only become visible once the
// writer is closed successfully.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a storage handler. Exactly one of bucket or localPath should be
// set; localPath wins when both are.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Load reads the current snapshot. A store that has never been written to
// yields an empty snapshot, not an error.
func (s *Store) Load(ctx context.Context) (*listing.Snapshot, error) {
	data, err := s.read(ctx, snapshotKey)
	if err != nil {
		if errors.Is(err, errObjectMissing) {
			s.logger.Info("No snapshot found, starting empty")
			return listing.NewSnapshot(), nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap listing.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Listings == nil {
		snap.Listings = make(map[string]*listing.Listing)
	}
	return &snap, nil
}

// Replace atomically swaps the persisted snapshot for the given one. Readers
// never observe a half-written snapshot.
func (s *Store) Replace(ctx context.Context, snap *listing.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.write(ctx, snapshotKey, data); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.logger.Info("Snapshot committed", "listings", len(snap.Listings), "bytes", len(data))
	return nil
}

// SaveReport persists one run report alongside the snapshot.
func (s *Store) SaveReport(ctx context.Context, report *listing.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := fmt.Sprintf("%s%s.json", reportPrefix, report.StartedAt.UTC().Format("2006-01-02T15-04-05"))
	if err := s.write(ctx, key, data); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// ListReports returns up to limit run reports, most recent first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]*listing.RunReport, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, reportPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			keys = append(keys, name)
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: reportPrefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	// Keys embed the start timestamp, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	reports := make([]*listing.RunReport, 0, len(keys))
	for _, key := range keys {
		data, err := s.read(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load run report", "key", key, "error", err)
			continue
		}
		var report listing.RunReport
		if err := json.Unmarshal(data, &report); err != nil {
			s.logger.Warn("Failed to parse run report", "key", key, "error", err)
			continue
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

var errObjectMissing = errors.New("store: object doesn't exist")

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectMissing
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errObjectMissing)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, errObjectMissing) {
			return nil, errObjectMissing
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage: write-then-rename keeps the replace atomic.
	if s.localPath != "" {
		target := filepath.Join(s.localPath, key)
		tmp, err := os.CreateTemp(s.localPath, key+".tmp-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, target); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("rename into place: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}
