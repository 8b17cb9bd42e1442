package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
	"lsmkv/pkg/store"
)

const usage = `usage: lsmkv [-config file] [-data dir] <command> [args]

commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [-limit n] [-prefix p] [from [to]]
  flush
  compact
  stats
  config
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("lsmkv", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "", "path to the YAML config")
	dataDir := fs.String("data", "", "data directory, overrides db.persistence.path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := initConfig(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.Persistence.RootPath = *dataDir
	}
	initLogger(&cfg)

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	if cmd == "config" {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	s, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			fmt.Fprintln(os.Stderr, "lsmkv: close:", cerr)
		}
	}()

	switch cmd {
	case "put":
		if len(cmdArgs) != 2 {
			return errors.New("put requires <key> <value>")
		}
		return s.Put(ctx, []byte(cmdArgs[0]), []byte(cmdArgs[1]))

	case "get":
		if len(cmdArgs) != 1 {
			return errors.New("get requires <key>")
		}
		value, found, err := s.Get(ctx, []byte(cmdArgs[0]))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found", cmdArgs[0])
		}
		_, err = fmt.Fprintf(out, "%s\n", value)
		return err

	case "delete":
		if len(cmdArgs) != 1 {
			return errors.New("delete requires <key>")
		}
		return s.Delete(ctx, []byte(cmdArgs[0]))

	case "scan":
		return runScan(ctx, s, cmdArgs, out)

	case "flush":
		return s.Flush(ctx)

	case "compact":
		return s.Compact(ctx)

	case "stats":
		st, err := s.Stats()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runScan(ctx context.Context, d db.DB, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum number of entries, 0 for all")
	prefix := fs.String("prefix", "", "only keys with this prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 2 {
		return errors.New("scan takes at most [from [to]]")
	}

	var from, to []byte
	if fs.NArg() > 0 {
		from = []byte(fs.Arg(0))
	}
	if fs.NArg() > 1 {
		to = []byte(fs.Arg(1))
	}

	opts := db.SearchOptions{Limit: *limit}
	if *prefix != "" {
		opts.Prefix = []byte(*prefix)
	}

	_, err := db.SearchRange(ctx, d, from, to, opts, func(r db.SearchResult) error {
		_, err := fmt.Fprintf(out, "%s\t%s\n", r.Key, r.Value)
		return err
	})
	return err
}
