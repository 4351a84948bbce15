package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/persistence/indexdb"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("claimq", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default: <data>/index.db)")
	portals := fs.Bool("portals", false, "list portal claims")
	at := fs.String("at", "", "claim at x,y,z[,realm]")
	address := fs.String("address", "", "claim at a hex address")
	claimant := fs.String("claimant", "", "claims held by a claimant (hex public key)")
	sector := fs.String("sector", "", "claims in the sector containing x,y,z[,realm]")
	evictions := fs.Bool("evictions", false, "with -at/-address: list evicted claims instead")
	limit := fs.Int("limit", 100, "result limit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.db")
	}
	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 1
	}
	defer r.Close()

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")

	fail := func(what string, err error) int {
		fmt.Fprintln(stderr, what+":", err)
		return 1
	}

	switch {
	case *at != "" || *address != "":
		addr := strings.ToLower(strings.TrimSpace(*address))
		if *at != "" {
			c, err := cyberspace.ParseCoordinate(*at)
			if err != nil {
				fmt.Fprintln(stderr, "bad -at:", err)
				return 2
			}
			a, err := cyberspace.Encode(c)
			if err != nil {
				fmt.Fprintln(stderr, "bad -at:", err)
				return 2
			}
			addr = a.Hex()
		} else if a, err := cyberspace.ParseAddress(addr); err != nil {
			fmt.Fprintln(stderr, "bad -address:", err)
			return 2
		} else {
			addr = a.Hex()
		}
		if *evictions {
			rows, err := r.Evictions(addr, *limit)
			if err != nil {
				return fail("query", err)
			}
			_ = enc.Encode(rows)
			return 0
		}
		row, ok, err := r.ClaimAt(addr)
		if err != nil {
			return fail("query", err)
		}
		if !ok {
			fmt.Fprintln(stderr, "unclaimed:", addr)
			return 3
		}
		_ = enc.Encode(row)
	case *portals:
		rows, err := r.Portals(*limit)
		if err != nil {
			return fail("query", err)
		}
		_ = enc.Encode(rows)
	case *claimant != "":
		id, err := claims.ParseIdentity(*claimant)
		if err != nil {
			fmt.Fprintln(stderr, "bad -claimant:", err)
			return 2
		}
		rows, err := r.ByClaimant(id.Hex(), *limit)
		if err != nil {
			return fail("query", err)
		}
		_ = enc.Encode(rows)
	case *sector != "":
		c, err := cyberspace.ParseCoordinate(*sector)
		if err != nil {
			fmt.Fprintln(stderr, "bad -sector:", err)
			return 2
		}
		rows, err := r.InSector(int(c.Realm()), c.Sector(), *limit)
		if err != nil {
			return fail("query", err)
		}
		_ = enc.Encode(rows)
	default:
		n, err := r.Count()
		if err != nil {
			return fail("count", err)
		}
		snap, err := r.LatestSnapshot()
		if err != nil {
			return fail("latest snapshot", err)
		}
		_ = enc.Encode(struct {
			Claims         int    `json:"claims"`
			LatestSnapshot string `json:"latest_snapshot,omitempty"`
		}{n, snap})
	}
	return 0
}
