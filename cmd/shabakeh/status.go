package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/pkg/config"
)

type appStatus struct {
	GeneratedAt       time.Time
	Environment       string
	Port              string
	DatabasePath      string
	KVBackend         string
	KVPath            string
	Users             int64
	PushSubscriptions int64
	CachedRooms       int64
	FeedSnapshots     int64
	DBSize            int64
	DBWALSize         int64
	DBSHMSize         int64
	KVDirSize         int64
	KVFileCount       int64
	DBMetricsReady    bool
	KVMetricsReady    bool
	DBWarning         string
	KVWarning         string
	StorageWarnings   []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:  time.Now(),
		Environment:  cfg.Environment,
		Port:         cfg.Port,
		DatabasePath: cfg.DatabasePath,
		KVBackend:    cfg.KVBackend,
		KVPath:       cfg.KVPath,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}

	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}

	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if bytes, files, err := dirUsage(cfg.KVPath); err == nil {
		status.KVDirSize = bytes
		status.KVFileCount = files
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("kv dir: %v", err))
	}

	collectDBStatus(cfg, &status)
	collectKVStatus(cfg, &status)
	return status
}

func collectDBStatus(cfg *config.Config, status *appStatus) {
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return
	}

	if status.Users, err = queryInt64(dbConn, "SELECT COUNT(*) FROM users"); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return
	}

	if status.PushSubscriptions, err = queryInt64(dbConn, "SELECT COUNT(*) FROM push_subscriptions"); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return
	}

	status.DBMetricsReady = true
}

func collectKVStatus(cfg *config.Config, status *appStatus) {
	store, err := kv.Open(cfg.KVBackend, cfg.KVPath)
	if err != nil {
		status.KVWarning = fmt.Sprintf("kv store unavailable: %v", err)
		return
	}
	defer store.Close()

	status.CachedRooms = int64(len(store.List("roomlog:")))
	for _, key := range store.List("user:") {
		if strings.HasSuffix(key, ":feed") {
			status.FeedSnapshots++
		}
	}
	status.KVMetricsReady = true
}

func queryInt64(db *sql.DB, query string) (int64, error) {
	var value int64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (int64, int64, error) {
	var totalBytes int64
	var totalFiles int64

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		totalBytes += info.Size()
		totalFiles++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return totalBytes, totalFiles, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Shabakeh Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintf(out, "KV store    : %s (%s)\n", status.KVPath, status.KVBackend)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Users              : %d\n", status.Users)
		fmt.Fprintf(out, "  Push subscriptions : %d\n", status.PushSubscriptions)
	} else {
		fmt.Fprintln(out, "  Database metrics   : n/a")
	}
	if status.KVMetricsReady {
		fmt.Fprintf(out, "  Cached rooms       : %d\n", status.CachedRooms)
		fmt.Fprintf(out, "  Feed snapshots     : %d\n", status.FeedSnapshots)
	} else {
		fmt.Fprintln(out, "  KV metrics         : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  Database size : %s (wal %s, shm %s)\n",
		formatBytes(totalDB), formatBytes(status.DBWALSize), formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  KV dir size   : %s in %d file(s)\n", formatBytes(status.KVDirSize), status.KVFileCount)

	if status.DBWarning != "" {
		fmt.Fprintf(out, "\nWarning: %s\n", status.DBWarning)
	}
	if status.KVWarning != "" {
		fmt.Fprintf(out, "Warning: %s\n", status.KVWarning)
	}
	for _, warning := range status.StorageWarnings {
		fmt.Fprintf(out, "Warning: %s\n", warning)
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
