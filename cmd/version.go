package cmd

import (
	"fmt"

	"grimm.is/floe/internal/brand"
)

// RunVersion prints build identification.
func RunVersion() {
	fmt.Printf("%s %s\n", brand.BinaryName, brand.Version)
	fmt.Printf("  built:  %s\n", brand.BuildTime)
	fmt.Printf("  commit: %s\n", brand.GitCommit)
}
