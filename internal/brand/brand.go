// Package brand provides centralized branding constants for the compiler.
// The identity is loaded from brand.json at compile time via go:embed so
// other tools (packaging scripts, docs) can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds the product identity.
type Brand struct {
	Name        string `json:"name"`
	LowerName   string `json:"lowerName"`
	BinaryName  string `json:"binaryName"`
	Website     string `json:"website"`
	Description string `json:"description"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}
	Name = b.Name
	LowerName = b.LowerName
	BinaryName = b.BinaryName
	Website = b.Website
	Description = b.Description
}

var (
	Name        string
	LowerName   string
	BinaryName  string
	Website     string
	Description string

	// Version is set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}
