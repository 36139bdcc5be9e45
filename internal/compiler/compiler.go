package compiler

import (
	"fmt"

	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/policydb"
)

// State tracks a compiler instance's lifecycle.
type State int

const (
	StateIdle State = iota
	StateProlog
	StateCompiling
	StateEpilog
	StateDone
)

// printerStage is the terminal stage contract: a Stage that renders rules
// into the compiler's output, plus the hooks other stages and the epilog
// need from it.
type printerStage interface {
	Stage
	// AccountingReturn renders the counting return line placed in an
	// accounting chain.
	AccountingReturn(chain string) string
	// epilog emits any buffered trailing material.
	epilog()
}

// Config configures one rule-set compiler instance.
type Config struct {
	DB         *policydb.DB
	Firewall   *policydb.Firewall
	Kind       policydb.RuleKind
	Family     Family
	TestMode   bool
	SingleRule string // rule label or id; restricts the compile to one rule
	Logger     *logging.Logger
}

// Compiler drives the stage pipeline for one rule-set kind and one address
// family. Instances are single-use and never shared between goroutines; the
// only shared resource is the read-only store.
type Compiler struct {
	db         *policydb.DB
	fw         *policydb.Firewall
	kind       policydb.RuleKind
	family     Family
	platform   string
	testMode   bool
	singleRule string
	fwOptions  FirewallOptions
	log        *logging.Logger

	state    State
	rules    []*Rule
	stages   []Stage
	printer  printerStage
	output   *Output
	diags    diagSink
	chainSeq int // temp chain counter, owned per instance
}

// New creates a compiler in the Idle state.
func New(cfg Config) *Compiler {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Compiler{
		db:         cfg.DB,
		fw:         cfg.Firewall,
		kind:       cfg.Kind,
		family:     cfg.Family,
		platform:   cfg.Firewall.Platform,
		testMode:   cfg.TestMode,
		singleRule: cfg.SingleRule,
		fwOptions:  MigrateFirewallOptions(cfg.Firewall.Options),
		log:        log.WithComponent("compiler"),
		output:     NewOutput(),
		diags:      diagSink{testMode: cfg.TestMode},
	}
}

// State returns the current lifecycle state.
func (c *Compiler) State() State { return c.state }

// Output returns the per-chain output collection.
func (c *Compiler) Output() *Output { return c.output }

// Diagnostics returns the accumulated diagnostics in emission order.
func (c *Compiler) Diagnostics() []Diagnostic { return c.diags.list }

// Prolog loads the rule set in position order, filters out disabled rules
// and rules excluded by single-rule mode, injects automatic rules, and
// declares the builtin chains. The returned count is zero when there is
// nothing to compile.
func (c *Compiler) Prolog() int {
	if c.state != StateIdle {
		return len(c.rules)
	}
	c.state = StateProlog

	if c.singleRule == "" {
		c.rules = append(c.rules, c.generateAutomaticRules()...)
	}
	for _, sr := range c.db.RulesOf(c.fw, c.kind) {
		if sr.Disabled {
			continue
		}
		if c.singleRule != "" && sr.Name() != c.singleRule && sr.ID().String() != c.singleRule {
			continue
		}
		c.rules = append(c.rules, NewRule(sr))
	}

	if len(c.rules) > 0 {
		c.declareBuiltins()
	}
	c.log.Debug("prolog complete",
		"firewall", c.fw.Name(), "ruleset", string(c.kind),
		"family", string(c.family), "rules", len(c.rules))
	return len(c.rules)
}

func (c *Compiler) declareBuiltins() {
	switch c.kind {
	case policydb.KindPolicy:
		for _, ch := range []struct {
			name, hook string
		}{{"INPUT", "input"}, {"FORWARD", "forward"}, {"OUTPUT", "output"}} {
			c.output.DeclareBuiltin(ChainInfo{
				Name: ch.name, Type: "filter", Hook: ch.hook, Priority: 0, Policy: "drop",
			})
		}
	case policydb.KindNAT:
		c.output.DeclareBuiltin(ChainInfo{Name: "PREROUTING", Type: "nat", Hook: "prerouting", Priority: -100, Policy: "accept"})
		c.output.DeclareBuiltin(ChainInfo{Name: "POSTROUTING", Type: "nat", Hook: "postrouting", Priority: 100, Policy: "accept"})
	case policydb.KindRouting:
		c.output.DeclareChain("routes")
	}
}

// Compile assembles the canonical stage list for the rule-set kind and pump
// loops the terminal stage until exhaustion. Pass order is load-bearing:
// every stage assumes its upstream invariants already hold.
func (c *Compiler) Compile() error {
	if c.state != StateProlog {
		return fmt.Errorf("compile called in state %d", c.state)
	}
	c.state = StateCompiling

	c.stages = c.buildStages()
	var prev Stage = newSourceStage(c.rules)
	if ss, ok := prev.(stageSetter); ok {
		ss.setCompiler(c)
	}
	for _, st := range c.stages {
		if ss, ok := st.(stageSetter); ok {
			ss.setCompiler(c)
		}
		st.SetUpstream(prev)
		prev = st
	}

	terminal := c.stages[len(c.stages)-1]
	for terminal.ProcessNext() {
	}
	return nil
}

func (c *Compiler) buildStages() []Stage {
	switch c.kind {
	case policydb.KindNAT:
		c.printer = c.newPrinter()
		return []Stage{
			newGroupExpansionStage(),
			newFamilyFilterStage(),
			// Negation resolves first so the split also fans out the
			// complement; the printers match one interface per rule.
			newInterfaceNegationStage(policydb.SlotItf),
			newInterfaceSplitStage(policydb.SlotItf),
			newNegationCheckStage(policydb.SlotOSrc, policydb.SlotODst, policydb.SlotOSrv),
			newDedupStage(),
			newDropEmptyStage(),
			newClassifyStage(),
			newChainAssignStage(),
			newProtocolGroupStage(policydb.SlotOSrv),
			newAtomicExpansionStage(policydb.SlotOSrc, policydb.SlotODst, policydb.SlotTSrc, policydb.SlotTDst),
			newNATInterfaceStage(),
			newNATHintStage(),
			c.printer,
		}
	case policydb.KindRouting:
		c.printer = c.newPrinter()
		return []Stage{
			newGroupExpansionStage(),
			newFamilyFilterStage(),
			newDedupStage(),
			newDropEmptyStage(),
			newClassifyStage(),
			newChainAssignStage(),
			newAtomicExpansionStage(policydb.SlotRDst, policydb.SlotRGtw, policydb.SlotRItf),
			c.printer,
		}
	default: // policy
		c.printer = c.newPrinter()
		stages := []Stage{
			newGroupExpansionStage(),
			newFamilyFilterStage(),
			newInterfaceNegationStage(policydb.SlotItf),
			newInterfaceSplitStage(policydb.SlotItf),
			newNegationCheckStage(policydb.SlotSrc, policydb.SlotDst, policydb.SlotSrv, policydb.SlotWhen),
			newDedupStage(),
			newMACFilterStage(),
			newDropEmptyStage(),
			newClassifyStage(),
			newChainAssignStage(),
			newProtocolGroupStage(policydb.SlotSrv),
		}
		if !platformCaps[c.platform].setMatches {
			stages = append(stages, newAtomicExpansionStage(policydb.SlotSrc, policydb.SlotDst))
		}
		return append(stages, c.printer)
	}
}

func (c *Compiler) newPrinter() printerStage {
	if c.kind == policydb.KindRouting {
		return newRoutingPrinter()
	}
	if c.platform == "nftables" {
		return newNftPrinter()
	}
	return newIptablesPrinter()
}

// Epilog lets the concrete printer emit trailing material, e.g. the buffered
// equal-cost multipath routes.
func (c *Compiler) Epilog() {
	if c.state != StateCompiling {
		return
	}
	c.state = StateEpilog
	if c.printer != nil {
		c.printer.epilog()
	}
	c.state = StateDone
}

// Run executes prolog, compile and epilog in order. A zero prolog count
// short-circuits to Done.
func (c *Compiler) Run() error {
	if c.Prolog() == 0 {
		c.state = StateDone
		return nil
	}
	if err := c.Compile(); err != nil {
		return err
	}
	c.Epilog()
	return nil
}

// Diagnostic helpers used by stages.

func (c *Compiler) warning(r *Rule, stage, format string, args ...any) {
	c.diags.add(SeverityWarning, r, stage, format, args...)
}

func (c *Compiler) errorf(r *Rule, stage, format string, args ...any) {
	c.diags.add(SeverityError, r, stage, format, args...)
}

func (c *Compiler) abort(r *Rule, stage, format string, args ...any) {
	c.diags.add(SeverityAbort, r, stage, format, args...)
}
