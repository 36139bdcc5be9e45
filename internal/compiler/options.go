package compiler

import (
	"grimm.is/floe/internal/policydb"
)

// RuleOptions is the typed form of a rule's option map. The untyped map does
// not travel past the store boundary; MigrateRuleOptions is the single place
// that knows the string keys and their legacy aliases.
type RuleOptions struct {
	Log       bool
	LogPrefix string
	LogLevel  string

	Limit      string // e.g. "10/minute"
	LimitBurst int

	Tagging  bool // set a connection mark
	TagValue int
	Routing  bool   // packet mark for policy routing
	Classify string // qdisc class, e.g. "1:10"

	ClampMSS   bool
	Stateless  bool
	RejectWith string
	QueueNum   int
	Custom     string // platform target hint for custom actions

	Metric int // routing rules

	// stateMatch is set only on compiler-generated rules; printers render
	// it as the native connection-state match.
	stateMatch string
}

// firstKey returns the value of the first present key from aliases.
func firstKey(m policydb.Options, aliases ...string) (string, bool) {
	for _, k := range aliases {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return "", false
}

func boolKey(m policydb.Options, aliases ...string) bool {
	for _, k := range aliases {
		if _, ok := m[k]; ok {
			return m.Bool(k)
		}
	}
	return false
}

func intKey(m policydb.Options, def int, aliases ...string) int {
	for _, k := range aliases {
		if _, ok := m[k]; ok {
			return m.Int(k, def)
		}
	}
	return def
}

// MigrateRuleOptions converts the store's option map into the typed record.
// Older frontends wrote capitalized booleans and a handful of renamed keys;
// both spellings are honored here and nowhere else.
func MigrateRuleOptions(m policydb.Options) RuleOptions {
	o := RuleOptions{
		Log:       boolKey(m, "log", "logging"),
		LogLevel:  m.String("log_level", ""),
		Tagging:   boolKey(m, "tagging", "tag"),
		TagValue:  intKey(m, 0, "tag_value", "tagvalue"),
		Routing:   boolKey(m, "routing", "route"),
		Classify:  m.String("classify", ""),
		ClampMSS:  boolKey(m, "clamp_mss", "clamp_mss_to_mtu"),
		Stateless: boolKey(m, "stateless"),
		QueueNum:  intKey(m, 0, "queue_num"),
		Custom:    m.String("custom_target", ""),
		Metric:    intKey(m, 0, "metric"),
	}
	if v, ok := firstKey(m, "log_prefix", "logprefix"); ok {
		o.LogPrefix = v
	}
	if v, ok := firstKey(m, "limit", "limit_value"); ok {
		o.Limit = v
	}
	o.LimitBurst = intKey(m, 0, "limit_burst")
	if v, ok := firstKey(m, "reject_with", "action_on_reject"); ok {
		o.RejectWith = v
	}
	return o
}

// FirewallOptions is the typed form of a firewall's option map.
type FirewallOptions struct {
	IPv6              bool
	LogAll            bool
	AcceptEstablished bool
	ClusterFailover   bool
	IgnoreEmptyGroups bool
	DropInvalid       bool
	DropDNSNames      bool
}

// MigrateFirewallOptions converts a firewall's option map, applying defaults.
func MigrateFirewallOptions(m policydb.Options) FirewallOptions {
	o := FirewallOptions{
		IPv6:              m.Bool("ipv6"),
		LogAll:            m.Bool("log_all"),
		AcceptEstablished: true,
		ClusterFailover:   boolKey(m, "cluster_failover", "failover"),
		IgnoreEmptyGroups: m.Bool("ignore_empty_groups"),
		DropInvalid:       m.Bool("drop_invalid"),
		DropDNSNames:      m.Bool("drop_dns_names"),
	}
	if _, ok := m["accept_established"]; ok {
		o.AcceptEstablished = m.Bool("accept_established")
	}
	return o
}
