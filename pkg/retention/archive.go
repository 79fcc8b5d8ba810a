package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/export"
	"runlok-hq/runlok/pkg/enforcement"
)

const archiveTimeLayout = "20060102T150405Z"

// writeArchive exports the records about to be deleted, one JSON file per
// store, and returns the paths written. Nothing is deleted if it fails.
func (m *Manager) writeArchive(ctx context.Context, now time.Time, enfIDs, auditIDs []string) ([]string, error) {
	if err := os.MkdirAll(m.config.ArchivePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	stamp := now.UTC().Format(archiveTimeLayout)

	var files []string

	if len(enfIDs) > 0 {
		records, err := m.enforcement.Query(ctx, &enforcement.Query{IDs: enfIDs})
		if err != nil {
			return files, fmt.Errorf("failed to query enforcement records for archiving: %w", err)
		}
		path := filepath.Join(m.config.ArchivePath, "enforcement-"+stamp+".json")
		err = writeFile(path, func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		})
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}

	if len(auditIDs) > 0 {
		records, err := m.audit.Query(ctx, &audit.Query{IDs: auditIDs})
		if err != nil {
			return files, fmt.Errorf("failed to query audit records for archiving: %w", err)
		}
		path := filepath.Join(m.config.ArchivePath, "audit-"+stamp+".json")
		err = writeFile(path, func(f *os.File) error {
			return export.NewJSONExporter(true).Export(ctx, records, f)
		})
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}

	m.logger.Info("records archived before deletion",
		"files", files,
		"enforcement", len(enfIDs),
		"audit", len(auditIDs),
	)
	return files, nil
}

// writeFile creates path exclusively and syncs it before returning.
func writeFile(path string, write func(*os.File) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write archive %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync archive %s: %w", path, err)
	}
	return f.Close()
}
