package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/floe/cmd"
	"grimm.is/floe/internal/brand"
	"grimm.is/floe/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "compile":
		compileFlags := flag.NewFlagSet("compile", flag.ExitOnError)
		fwName := compileFlags.String("fw", "", "Compile only the named firewall")
		outDir := compileFlags.String("o", ".", "Output directory")
		testMode := compileFlags.Bool("test", false, "Test mode - downgrade aborts to warnings")
		singleRule := compileFlags.String("rule", "", "Compile a single rule by label or id")
		withManifest := compileFlags.Bool("manifest", false, "Embed a generated-file manifest")
		stdout := compileFlags.Bool("stdout", false, "Print the primary script instead of writing files")
		verbose := compileFlags.Bool("v", false, "Verbose logging")
		compileFlags.Parse(os.Args[2:])

		log := newLogger(*verbose)
		err := cmd.RunCompile(compileFlags.Arg(0), cmd.CompileOptions{
			Firewall:     *fwName,
			OutputDir:    *outDir,
			TestMode:     *testMode,
			SingleRule:   *singleRule,
			WithManifest: *withManifest,
			Stdout:       *stdout,
		}, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Compile failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("v", false, "Verbose output")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(checkFlags.Arg(0), *verbose, newLogger(*verbose)); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		fwName := diffFlags.String("fw", "", "Diff only the named firewall")
		outDir := diffFlags.String("o", ".", "Directory holding the previous output")
		diffFlags.Parse(os.Args[2:])

		if err := cmd.RunDiff(diffFlags.Arg(0), *fwName, *outDir, newLogger(false)); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version", "--version", "-v":
		cmd.RunVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newLogger(verbose bool) *logging.Logger {
	cfg := logging.DefaultConfig()
	if verbose {
		cfg.Level = logging.LevelDebug
	}
	return logging.New(cfg)
}

func printUsage() {
	fmt.Printf("%s - %s\n\n", brand.Name, brand.Description)
	fmt.Printf("Usage: %s <command> [options] <policy-file>\n\n", brand.BinaryName)
	fmt.Println("Commands:")
	fmt.Println("  compile   Compile firewalls into generated scripts")
	fmt.Println("  check     Validate a policy file and test compile it")
	fmt.Println("  diff      Compare generated output against files on disk")
	fmt.Println("  version   Print build information")
	fmt.Println()
	fmt.Println("Compile options:")
	fmt.Println("  -fw <name>    Compile only the named firewall")
	fmt.Println("  -o <dir>      Output directory (default .)")
	fmt.Println("  -test         Downgrade aborts to warnings")
	fmt.Println("  -rule <id>    Compile a single rule by label or id")
	fmt.Println("  -manifest     Embed a generated-file manifest")
	fmt.Println("  -stdout       Print the primary script instead of writing files")
}
