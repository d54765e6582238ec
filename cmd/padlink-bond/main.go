// Command padlink-bond inspects or edits the stored controller bond.
//
// Usage:
//
//	padlink-bond [--config path] show
//	padlink-bond [--config path] clear
//	padlink-bond [--config path] set AA:BB:CC:DD:EE:FF <32 hex digit link key>
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chaz8081/padlink/internal/bond"
	"github.com/chaz8081/padlink/internal/config"
	"github.com/chaz8081/padlink/internal/hci"
)

var errUsage = errors.New("usage: padlink-bond [--config path] show|clear|set ADDR KEY")

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/padlink/config.yaml)")
	flag.Parse()

	cfg := config.Default()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.Bond.Storage != "file" {
		fmt.Fprintf(os.Stderr, "bond.storage is %q, nothing to inspect\n", cfg.Bond.Storage)
		os.Exit(1)
	}

	store, err := bond.NewFileStore(cfg.Bond.Path, cfg.Bond.Secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := run(store, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(store bond.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "show":
		rec, ok, err := store.Load()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "No bonded controller")
			return nil
		}
		fmt.Fprintf(out, "Bonded controller: %s\n", rec.Addr)
		return nil

	case "clear":
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Bond cleared")
		return nil

	case "set":
		if len(args) != 3 {
			return errUsage
		}
		addr, err := hci.ParseAddr(args[1])
		if err != nil {
			return err
		}
		key, err := parseKey(args[2])
		if err != nil {
			return err
		}
		if err := store.Save(addr, key); err != nil {
			return err
		}
		fmt.Fprintf(out, "Bonded controller set to %s\n", addr)
		return nil
	}
	return errUsage
}

// parseKey reads a link key written most significant byte first, the way
// bluetoothd stores it.
func parseKey(s string) (hci.LinkKey, error) {
	var key hci.LinkKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("link key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("link key must be %d bytes, got %d", len(key), len(b))
	}
	for i := range b {
		key[len(key)-1-i] = b[i]
	}
	return key, nil
}
