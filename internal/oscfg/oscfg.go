// Package oscfg supplies the non-rule text blocks wrapped around compiled
// rulesets: tool paths, kernel module loading, sysctl tuning, and the
// automatic per-table preamble. The compilation driver only concatenates
// what this package renders.
package oscfg

import (
	"fmt"
	"strings"
	"text/template"

	"grimm.is/floe/internal/policydb"
)

// Collaborator renders the opaque preamble blocks for one firewall.
type Collaborator interface {
	// ScriptPreamble renders tool-path, module-loading and kernel-tuning
	// text placed at the top of the generated document.
	ScriptPreamble(fw *policydb.Firewall) (string, error)

	// TablePreamble renders automatic lines placed at the head of one
	// table's output, before any compiled chain content.
	TablePreamble(table string) []string
}

// Shell renders preambles for the iptables shell-script dialect.
type Shell struct{}

var shellPreambleTmpl = template.Must(template.New("shellPreamble").Parse(`#!/bin/sh
#
# Generated ruleset for {{.Name}}
#
PATH="/sbin:/usr/sbin:/bin:/usr/bin:${PATH}"
export PATH

IPTABLES="` + "`which iptables`" + `"
IP6TABLES="` + "`which ip6tables`" + `"
IP="` + "`which ip`" + `"
MODPROBE="` + "`which modprobe`" + `"

log() {
    echo "$@" >&2
    which logger >/dev/null 2>&1 && logger -p daemon.info "$@"
}

load_modules() {
    for mod in ip_tables iptable_filter iptable_nat nf_conntrack; do
        $MODPROBE $mod >/dev/null 2>&1
    done
}

configure_kernel() {
    echo 1 > /proc/sys/net/ipv4/ip_forward
    echo 1 > /proc/sys/net/ipv4/conf/all/rp_filter
    echo 0 > /proc/sys/net/ipv4/conf/all/accept_source_route
{{- if .IPv6}}
    echo 1 > /proc/sys/net/ipv6/conf/all/forwarding
{{- end}}
}

load_modules
configure_kernel
`))

// ScriptPreamble renders the shell header for a firewall.
func (Shell) ScriptPreamble(fw *policydb.Firewall) (string, error) {
	data := struct {
		Name string
		IPv6 bool
	}{Name: fw.Name(), IPv6: fw.Options.Bool("ipv6")}
	var sb strings.Builder
	if err := shellPreambleTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render shell preamble: %w", err)
	}
	return sb.String(), nil
}

// TablePreamble renders the automatic head-of-table lines for the shell
// dialect: flush and loopback accepts for the filter table.
func (Shell) TablePreamble(table string) []string {
	switch table {
	case "filter":
		return []string{
			"$IPTABLES -F",
			"$IPTABLES -X",
			"$IPTABLES -A INPUT -i lo -j ACCEPT",
			"$IPTABLES -A OUTPUT -o lo -j ACCEPT",
		}
	case "nat":
		return []string{"$IPTABLES -t nat -F"}
	}
	return nil
}

// Nft renders preambles for the nftables dialect.
type Nft struct{}

var nftPreambleTmpl = template.Must(template.New("nftPreamble").Parse(`#!/usr/sbin/nft -f
#
# Generated ruleset for {{.Name}}
#
flush ruleset
`))

// ScriptPreamble renders the nft file header for a firewall.
func (Nft) ScriptPreamble(fw *policydb.Firewall) (string, error) {
	data := struct{ Name string }{Name: fw.Name()}
	var sb strings.Builder
	if err := nftPreambleTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render nft preamble: %w", err)
	}
	return sb.String(), nil
}

// TablePreamble renders the automatic head-of-table lines for nftables.
// Loopback accepts land inside the compiled input/output chains, so the
// lines here are statements, not commands.
func (Nft) TablePreamble(table string) []string {
	if table == "filter" {
		return []string{`iifname "lo" accept`}
	}
	return nil
}

// For returns the collaborator matching a platform name.
func For(platform string) Collaborator {
	if platform == "nftables" {
		return Nft{}
	}
	return Shell{}
}
