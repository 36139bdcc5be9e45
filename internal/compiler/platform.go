package compiler

import "grimm.is/floe/internal/policydb"

// capabilities describes what the target syntax can express. Stages consult
// this instead of switching on platform names.
type capabilities struct {
	// negatableSlots maps a slot to whether the platform can render a
	// native negated match in that position at all.
	negatableSlots map[string]bool

	// singleNegationOnly lists slots where negation is renderable only for
	// a single element (iptables "! -s x" has no set form).
	singleNegationOnly map[string]bool

	// macSource reports whether a link-layer source match exists.
	macSource bool

	// timeMatch reports whether recurring time-window matches exist.
	timeMatch bool

	// portListLimit is the per-rule port list length limit for multiport
	// style matches.
	portListLimit int

	// setMatches reports whether the syntax can express a multi-valued
	// address slot as a single anonymous set. Without it the compiler
	// falls back to atomic expansion.
	setMatches bool
}

const multiportLimit = 15

var platformCaps = map[string]capabilities{
	"iptables": {
		negatableSlots: map[string]bool{
			policydb.SlotSrc: true,
			policydb.SlotDst: true,
		},
		singleNegationOnly: map[string]bool{
			policydb.SlotSrc: true,
			policydb.SlotDst: true,
		},
		macSource:     true,
		timeMatch:     true,
		portListLimit: multiportLimit,
	},
	"nftables": {
		negatableSlots: map[string]bool{
			policydb.SlotSrc: true,
			policydb.SlotDst: true,
			policydb.SlotSrv: true,
		},
		macSource:     true,
		timeMatch:     true,
		portListLimit: multiportLimit,
		setMatches:    true,
	},
}
