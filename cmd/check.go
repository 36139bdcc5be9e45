package cmd

import (
	"context"
	"fmt"

	"grimm.is/floe/internal/compiler"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/policydb"
)

// RunCheck validates a policy file: it loads the object tree, then test
// compiles every firewall so rule-level problems surface without writing
// any output.
func RunCheck(policyFile string, verbose bool, log *logging.Logger) error {
	db, err := loadPolicy(policyFile)
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}

	fws := db.Firewalls()
	fmt.Printf("Policy valid!\n")
	fmt.Printf("Firewalls: %d\n", len(fws))

	problems := 0
	for _, fw := range fws {
		res, err := compiler.Drive(context.Background(), compiler.DriverConfig{
			DB:       db,
			Firewall: fw,
			TestMode: true,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("checking %s: %w", fw.Name(), err)
		}
		if verbose {
			fmt.Printf("\n%s (%s):\n", fw.Name(), fw.Platform)
			fmt.Printf("  policy rules:  %d\n", len(db.RulesOf(fw, policydb.KindPolicy)))
			fmt.Printf("  nat rules:     %d\n", len(db.RulesOf(fw, policydb.KindNAT)))
			fmt.Printf("  routing rules: %d\n", len(db.RulesOf(fw, policydb.KindRouting)))
			fmt.Printf("  interfaces:    %d\n", len(db.InterfacesOf(fw)))
		}
		for _, d := range res.Diagnostics {
			fmt.Printf("  %s\n", d)
		}
		if !res.OK {
			problems++
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d firewall(s) have errors", problems)
	}
	return nil
}
