package compiler

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/manifest"
	"grimm.is/floe/internal/oscfg"
	"grimm.is/floe/internal/policydb"
)

// DriverConfig configures one full-firewall compilation run.
type DriverConfig struct {
	DB           *policydb.DB
	Firewall     *policydb.Firewall
	TestMode     bool
	SingleRule   string
	WithManifest bool
	Logger       *logging.Logger
}

// Result collects everything one driver run produced: the generated files
// keyed by local name, the manifest describing them, and the ordered
// diagnostics from every rule-set compiler.
type Result struct {
	Files       map[string]string
	Manifest    *manifest.Manifest
	Diagnostics []Diagnostic
	OK          bool
}

// Script returns the primary generated file's content.
func (r *Result) Script() string {
	return r.Files[r.Manifest.Primary()]
}

type driverJob struct {
	kind   policydb.RuleKind
	family Family
	comp   *Compiler
}

// Drive compiles every rule-set kind of a firewall for every enabled
// address family and assembles the generated files. Rule-set compilers are
// independent of each other, so the kind-by-family matrix runs
// concurrently; assembly afterwards walks the jobs in their fixed order so
// output is deterministic.
func Drive(ctx context.Context, cfg DriverConfig) (*Result, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	fw := cfg.Firewall
	fwOpts := MigrateFirewallOptions(fw.Options)

	families := []Family{FamilyIPv4}
	if fwOpts.IPv6 {
		families = append(families, FamilyIPv6)
	}
	kinds := []policydb.RuleKind{policydb.KindPolicy, policydb.KindNAT, policydb.KindRouting}

	var jobs []driverJob
	for _, fam := range families {
		for _, kind := range kinds {
			// The routing rule set is family-agnostic; compile it once.
			if kind == policydb.KindRouting && fam != FamilyIPv4 {
				continue
			}
			jobs = append(jobs, driverJob{
				kind:   kind,
				family: fam,
				comp: New(Config{
					DB:         cfg.DB,
					Firewall:   fw,
					Kind:       kind,
					Family:     fam,
					TestMode:   cfg.TestMode,
					SingleRule: cfg.SingleRule,
					Logger:     log,
				}),
			})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return job.comp.Run()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compiling %s: %w", fw.Name(), err)
	}

	res := &Result{Files: make(map[string]string), Manifest: &manifest.Manifest{}, OK: true}
	for _, job := range jobs {
		res.Diagnostics = append(res.Diagnostics, job.comp.Diagnostics()...)
		if job.comp.diags.hasErrors() {
			res.OK = false
		}
	}

	var body string
	var err error
	if fw.Platform == "nftables" {
		body, err = assembleNft(fw, jobs)
	} else {
		body, err = assembleShell(fw, jobs)
	}
	if err != nil {
		return nil, err
	}

	primary := fw.Name() + ".fw"
	res.Manifest.Add(primary, "", true)

	// Route commands cannot live inside an nft file; they ship as a
	// companion shell script named in the manifest.
	if fw.Platform == "nftables" {
		if routes := assembleRoutes(jobs); routes != "" {
			name := fw.Name() + "-routes.sh"
			res.Manifest.Add(name, "", false)
			res.Files[name] = "#!/bin/sh\nIP=\"`which ip`\"\n\n" + routes
		}
	}

	if cfg.WithManifest {
		body = insertManifest(body, res.Manifest)
	}
	res.Files[primary] = body

	log.Info("compiled firewall",
		"firewall", fw.Name(), "platform", fw.Platform,
		"files", len(res.Files), "diagnostics", len(res.Diagnostics))
	return res, nil
}

// insertManifest places the manifest comment block after the interpreter
// line so the file stays executable.
func insertManifest(body string, m *manifest.Manifest) string {
	block := m.Format()
	if strings.HasPrefix(body, "#!") {
		if idx := strings.IndexByte(body, '\n'); idx >= 0 {
			return body[:idx+1] + block + body[idx+1:]
		}
	}
	return block + body
}

// assembleShell assembles the iptables shell-script variant: preamble,
// then per family the builtin policies, user chain creation, automatic
// table lines and the compiled chain bodies, with routing commands last.
func assembleShell(fw *policydb.Firewall, jobs []driverJob) (string, error) {
	osc := oscfg.For(fw.Platform)
	preamble, err := osc.ScriptPreamble(fw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(preamble)

	for _, fam := range []Family{FamilyIPv4, FamilyIPv6} {
		famJobs := jobsFor(jobs, fam)
		if len(famJobs) == 0 {
			continue
		}
		sb.WriteString("\n# ================ ")
		sb.WriteString(strings.ToUpper(string(fam)))
		sb.WriteString("\n")
		for _, job := range famJobs {
			if job.kind == policydb.KindRouting {
				continue
			}
			writeShellTable(&sb, osc, job)
		}
	}

	if routes := assembleRoutes(jobs); routes != "" {
		sb.WriteString("\n# ================ Routes\n")
		sb.WriteString(routes)
	}

	sb.WriteString("\nlog \"firewall activated\"\n")
	return sb.String(), nil
}

func writeShellTable(sb *strings.Builder, osc oscfg.Collaborator, job driverJob) {
	out := job.comp.Output()
	if out.Empty() {
		return
	}
	table := "filter"
	if job.kind == policydb.KindNAT {
		table = "nat"
	}
	cmd := "$IPTABLES"
	if job.family == FamilyIPv6 {
		cmd = "$IP6TABLES"
	}
	tableFlag := ""
	if table != "filter" {
		tableFlag = " -t " + table
	}

	sb.WriteString("\n# Table ")
	sb.WriteString(table)
	sb.WriteString("\n")
	if job.family == FamilyIPv4 {
		for _, line := range osc.TablePreamble(table) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	for _, ci := range out.Chains() {
		if ci.Builtin {
			if ci.Policy != "" && table == "filter" {
				fmt.Fprintf(sb, "%s -P %s %s\n", cmd, ci.Name, strings.ToUpper(ci.Policy))
			}
			continue
		}
		fmt.Fprintf(sb, "%s%s -N %s\n", cmd, tableFlag, ci.Name)
	}
	for _, ci := range out.Chains() {
		lines := out.Lines(ci.Name)
		if len(lines) == 0 {
			continue
		}
		sb.WriteString("\n")
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
}

// assembleNft assembles the nftables script variant: file header, then one
// table block per family and kind with chain blocks inside, builtin chains
// carrying their hook headers.
func assembleNft(fw *policydb.Firewall, jobs []driverJob) (string, error) {
	osc := oscfg.For(fw.Platform)
	preamble, err := osc.ScriptPreamble(fw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(preamble)

	for _, job := range jobs {
		if job.kind == policydb.KindRouting {
			continue
		}
		out := job.comp.Output()
		if out.Empty() {
			continue
		}
		famKeyword := "ip"
		if job.family == FamilyIPv6 {
			famKeyword = "ip6"
		}
		table := "filter"
		if job.kind == policydb.KindNAT {
			table = "nat"
		}
		fmt.Fprintf(&sb, "\ntable %s %s {\n", famKeyword, table)
		for _, ci := range out.Chains() {
			fmt.Fprintf(&sb, "    chain %s {\n", ci.Name)
			if ci.Builtin {
				fmt.Fprintf(&sb, "        type %s hook %s priority %d; policy %s;\n",
					ci.Type, ci.Hook, ci.Priority, ci.Policy)
			}
			if ci.Builtin && ci.Hook == "input" {
				for _, line := range osc.TablePreamble(table) {
					sb.WriteString("        ")
					sb.WriteString(line)
					sb.WriteString("\n")
				}
			}
			for _, line := range out.Lines(ci.Name) {
				sb.WriteString("        ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
			sb.WriteString("    }\n")
		}
		sb.WriteString("}\n")
	}
	return sb.String(), nil
}

// assembleRoutes joins the routing compilers' rendered route commands.
func assembleRoutes(jobs []driverJob) string {
	var sb strings.Builder
	for _, job := range jobs {
		if job.kind != policydb.KindRouting {
			continue
		}
		for _, line := range job.comp.Output().Lines("routes") {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func jobsFor(jobs []driverJob, fam Family) []driverJob {
	var out []driverJob
	for _, j := range jobs {
		if j.family == fam {
			out = append(out, j)
		}
	}
	return out
}
