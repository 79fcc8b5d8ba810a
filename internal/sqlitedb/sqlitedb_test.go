package sqlitedb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{
			name: "cgo wal",
			cfg:  Config{Path: "/tmp/a.db", Driver: DriverCGO, WALMode: true, BusyTimeout: 2 * time.Second},
			want: "file:/tmp/a.db?_busy_timeout=2000&_foreign_keys=on&_journal_mode=WAL",
		},
		{
			name: "pure go default timeout",
			cfg:  Config{Path: "/tmp/a.db", Driver: DriverPureGo},
			want: "file:/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		},
		{
			name:    "unknown driver",
			cfg:     Config{Path: "/tmp/a.db", Driver: "sqlite4"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DSN(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DSN() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpen_UniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "sub", "t.db"), WALMode: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (k TEXT UNIQUE)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('x')`); err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('x')`)
	if !IsUniqueViolation(err, "t.k") {
		t.Errorf("IsUniqueViolation(%v, t.k) = false", err)
	}
	if IsUniqueViolation(err, "t.other") {
		t.Error("IsUniqueViolation matched the wrong column")
	}
	if IsUniqueViolation(errors.New("disk full"), "") || IsUniqueViolation(nil, "") {
		t.Error("IsUniqueViolation matched a non-constraint error")
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("Open() error = %v", err)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 123456000, time.FixedZone("x", 3600))
	s := FormatTime(ts)
	if s != "2025-03-04T04:06:07.123456Z" {
		t.Fatalf("FormatTime() = %s", s)
	}
	back, err := ParseTime(s)
	if err != nil || !back.Equal(ts) {
		t.Errorf("ParseTime() = %v, %v", back, err)
	}

	if ns := NullTime(nil); ns.Valid {
		t.Error("NullTime(nil) is valid")
	}
	got, err := ScanNullTime(NullTime(&ts))
	if err != nil || got == nil || !got.Equal(ts) {
		t.Errorf("ScanNullTime() = %v, %v", got, err)
	}
}
