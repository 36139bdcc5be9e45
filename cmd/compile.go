package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/floe/internal/compiler"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/policydb"
)

// CompileOptions carries the compile subcommand's flags.
type CompileOptions struct {
	Firewall     string // firewall name; empty compiles every firewall
	OutputDir    string
	TestMode     bool
	SingleRule   string
	WithManifest bool
	Stdout       bool // print the primary script instead of writing files
}

// RunCompile loads a policy file and compiles one or all of its firewalls
// into generated scripts. Error diagnostics fail the run after every
// firewall has been attempted.
func RunCompile(policyFile string, opts CompileOptions, log *logging.Logger) error {
	db, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}

	targets, err := selectFirewalls(db, opts.Firewall)
	if err != nil {
		return err
	}

	failed := 0
	for _, fw := range targets {
		res, err := compiler.Drive(context.Background(), compiler.DriverConfig{
			DB:           db,
			Firewall:     fw,
			TestMode:     opts.TestMode,
			SingleRule:   opts.SingleRule,
			WithManifest: opts.WithManifest,
			Logger:       log,
		})
		if err != nil {
			return fmt.Errorf("compiling %s: %w", fw.Name(), err)
		}

		for _, d := range res.Diagnostics {
			fmt.Fprintf(os.Stderr, "%s: %s\n", fw.Name(), d)
		}
		if !res.OK {
			failed++
			continue
		}

		if opts.Stdout {
			fmt.Print(res.Script())
			continue
		}
		if err := writeResult(opts.OutputDir, res); err != nil {
			return err
		}
		fmt.Printf("%s: wrote %d file(s)\n", fw.Name(), len(res.Files))
	}

	if failed > 0 {
		return fmt.Errorf("%d firewall(s) failed to compile", failed)
	}
	return nil
}

func loadPolicy(policyFile string) (*policydb.DB, error) {
	if policyFile == "" {
		return nil, fmt.Errorf("no policy file given")
	}
	db, err := policydb.LoadFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", policyFile, err)
	}
	return db, nil
}

func selectFirewalls(db *policydb.DB, name string) ([]*policydb.Firewall, error) {
	if name == "" {
		all := db.Firewalls()
		if len(all) == 0 {
			return nil, fmt.Errorf("policy file defines no firewalls")
		}
		return all, nil
	}
	fw, err := db.Firewall(name)
	if err != nil {
		return nil, err
	}
	return []*policydb.Firewall{fw}, nil
}

func writeResult(dir string, res *compiler.Result) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	primary := res.Manifest.Primary()
	for name, content := range res.Files {
		mode := os.FileMode(0o644)
		if name == primary || filepath.Ext(name) == ".sh" {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
