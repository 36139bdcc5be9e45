package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/logging"
)

const testPolicy = `
network "lan" {
  cidr = "10.0.0.0/24"
}

firewall "edge" {
  platform = "iptables"

  interface "eth0" {
    address "eth0-ip" {
      ip     = "192.0.2.1"
      prefix = 24
    }
  }

  policy {
    rule "allow-web" {
      action   = "accept"
      src      = ["lan"]
      services = ["http", "https"]
    }
  }

  nat {
    rule "snat-out" {
      osrc = ["lan"]
      tsrc = ["eth0-ip"]
    }
  }
}
`

func writeTestPolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o644))
	return path
}

func TestRunCompile(t *testing.T) {
	policy := writeTestPolicy(t)
	outDir := t.TempDir()
	log := logging.New(logging.DefaultConfig())

	err := RunCompile(policy, CompileOptions{OutputDir: outDir}, log)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outDir, "edge.fw"))
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, "-j SNAT --to-source 192.0.2.1")

	info, err := os.Stat(filepath.Join(outDir, "edge.fw"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "primary script is executable")
}

func TestRunCompileUnknownFirewall(t *testing.T) {
	policy := writeTestPolicy(t)
	log := logging.New(logging.DefaultConfig())

	err := RunCompile(policy, CompileOptions{Firewall: "nope", OutputDir: t.TempDir()}, log)
	assert.Error(t, err)
}

func TestRunCompileMissingFile(t *testing.T) {
	log := logging.New(logging.DefaultConfig())
	assert.Error(t, RunCompile("", CompileOptions{}, log))
	assert.Error(t, RunCompile(filepath.Join(t.TempDir(), "absent.hcl"), CompileOptions{}, log))
}

func TestRunCheck(t *testing.T) {
	policy := writeTestPolicy(t)
	log := logging.New(logging.DefaultConfig())
	assert.NoError(t, RunCheck(policy, true, log))
}

func TestRunDiff(t *testing.T) {
	policy := writeTestPolicy(t)
	outDir := t.TempDir()
	log := logging.New(logging.DefaultConfig())

	// Nothing on disk yet: diff reports a change.
	assert.Error(t, RunDiff(policy, "", outDir, log))

	require.NoError(t, RunCompile(policy, CompileOptions{OutputDir: outDir}, log))
	assert.NoError(t, RunDiff(policy, "", outDir, log))
}
