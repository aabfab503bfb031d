package main

import (
	"fmt"
	"io"

	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/pkg/config"
)

type migrateKVOptions struct {
	ToBackend string
	ToPath    string
}

func parseMigrateKVArgs(args []string) (migrateKVOptions, error) {
	opts := migrateKVOptions{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--to":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--to requires a backend name")
			}
			i++
			opts.ToBackend = args[i]
		case "--path":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--path requires a directory")
			}
			i++
			opts.ToPath = args[i]
		default:
			return opts, fmt.Errorf("unknown migrate-kv flag: %s", args[i])
		}
	}
	if opts.ToBackend == "" {
		return opts, fmt.Errorf("--to is required")
	}
	if opts.ToBackend == "pebble" && opts.ToPath == "" {
		return opts, fmt.Errorf("--path is required for the pebble backend")
	}
	return opts, nil
}

// runMigrateKV copies every key from the configured kv store into a new
// backend. The server must not be running against either store.
func runMigrateKV(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseMigrateKVArgs(args)
	if err != nil {
		return err
	}

	src, err := kv.Open(cfg.KVBackend, cfg.KVPath)
	if err != nil {
		return fmt.Errorf("failed to open source kv store: %w", err)
	}
	defer src.Close()

	dst, err := kv.Open(opts.ToBackend, opts.ToPath)
	if err != nil {
		return fmt.Errorf("failed to open destination kv store: %w", err)
	}
	defer dst.Close()

	copied, err := copyStore(src, dst)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Migrated %d key(s) from %s to %s\n", copied, cfg.KVBackend, opts.ToBackend)
	return nil
}

func copyStore(src, dst kv.Store) (int, error) {
	copied := 0
	for _, key := range src.List("") {
		value, ok := src.Get(key)
		if !ok {
			continue
		}
		if err := dst.Set(key, value); err != nil {
			return copied, fmt.Errorf("failed to copy key %s: %w", key, err)
		}
		copied++
	}
	return copied, nil
}
