package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/floe/internal/compiler"
	"grimm.is/floe/internal/logging"
)

// RunDiff recompiles a firewall and compares the result against the
// previously generated script on disk. A non-nil error with differing
// content lets callers exit non-zero from scripts.
func RunDiff(policyFile, fwName, outputDir string, log *logging.Logger) error {
	db, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}
	targets, err := selectFirewalls(db, fwName)
	if err != nil {
		return err
	}

	changed := false
	for _, fw := range targets {
		res, err := compiler.Drive(context.Background(), compiler.DriverConfig{
			DB:       db,
			Firewall: fw,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("compiling %s: %w", fw.Name(), err)
		}

		path := filepath.Join(outputDir, res.Manifest.Primary())
		oldBytes, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("%s: no previous output at %s\n", fw.Name(), path)
				changed = true
				continue
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		if string(oldBytes) == res.Script() {
			fmt.Printf("%s: no changes\n", fw.Name())
			continue
		}

		changed = true
		diff := difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(oldBytes)),
			B:        difflib.SplitLines(res.Script()),
			FromFile: path,
			ToFile:   "generated",
			Context:  3,
		}
		text, _ := difflib.GetUnifiedDiffString(diff)
		fmt.Print(text)
	}

	if changed {
		return fmt.Errorf("generated output differs")
	}
	return nil
}
