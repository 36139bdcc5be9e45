package policydb

import (
	"fmt"
	"sort"
)

// DB is the in-memory object store for one loaded policy file. All methods
// are read-only once loading finishes, so concurrent rule-set compilations
// may share one DB without locking.
type DB struct {
	objects   map[Handle]Object
	byName    map[string]Handle
	firewalls []*Firewall
	inactive  map[string]bool // library partitions not traversed by group expansion
}

// NewDB creates an empty store. "Deleted Objects" starts out inactive.
func NewDB() *DB {
	return &DB{
		objects:  make(map[Handle]Object),
		byName:   make(map[string]Handle),
		inactive: map[string]bool{"Deleted Objects": true},
	}
}

// Add registers an object. Names must be unique across the store; the HCL
// loader enforces this with a decode error before calling Add.
func (db *DB) Add(obj Object) {
	db.objects[obj.ID()] = obj
	if obj.Name() != "" {
		db.byName[obj.Name()] = obj.ID()
	}
	if fw, ok := obj.(*Firewall); ok {
		db.firewalls = append(db.firewalls, fw)
	}
}

// SetLibraryInactive marks a library partition as inactive. Group expansion
// will not traverse into members that live there.
func (db *DB) SetLibraryInactive(name string, inactive bool) {
	db.inactive[name] = inactive
}

// LibraryInactive reports whether the given library partition is inactive.
func (db *DB) LibraryInactive(name string) bool {
	return db.inactive[name]
}

// Lookup returns the object for a handle, or nil.
func (db *DB) Lookup(h Handle) Object {
	return db.objects[h]
}

// LookupName returns the object with the given name, or nil.
func (db *DB) LookupName(name string) Object {
	h, ok := db.byName[name]
	if !ok {
		return nil
	}
	return db.objects[h]
}

// Firewalls returns all firewalls in load order.
func (db *DB) Firewalls() []*Firewall {
	return db.firewalls
}

// Firewall returns the firewall with the given name.
func (db *DB) Firewall(name string) (*Firewall, error) {
	for _, fw := range db.firewalls {
		if fw.Name() == name {
			return fw, nil
		}
	}
	return nil, fmt.Errorf("firewall %q not found", name)
}

// InterfacesOf returns the firewall's interfaces in declaration order.
func (db *DB) InterfacesOf(fw *Firewall) []*Interface {
	out := make([]*Interface, 0, len(fw.Interfaces))
	for _, h := range fw.Interfaces {
		if iface, ok := db.objects[h].(*Interface); ok {
			out = append(out, iface)
		}
	}
	return out
}

// AddressesOf returns the address objects bound to an interface.
func (db *DB) AddressesOf(iface *Interface) []*InterfaceAddress {
	out := make([]*InterfaceAddress, 0, len(iface.Addresses))
	for _, h := range iface.Addresses {
		if a, ok := db.objects[h].(*InterfaceAddress); ok {
			out = append(out, a)
		}
	}
	return out
}

// MembersOf expands a group to its transitive non-group members, preserving
// first-seen order. Membership cycles terminate instead of recursing forever,
// and members living in inactive library partitions are skipped.
func (db *DB) MembersOf(g *Group) []Object {
	var out []Object
	seen := make(map[Handle]bool)
	db.expandGroup(g, seen, &out)
	return out
}

func (db *DB) expandGroup(g *Group, seen map[Handle]bool, out *[]Object) {
	if seen[g.ID()] {
		return
	}
	seen[g.ID()] = true
	for _, h := range g.Members {
		obj := db.objects[h]
		if obj == nil {
			continue
		}
		if db.inactive[obj.Library()] {
			continue
		}
		if sub, ok := obj.(*Group); ok {
			db.expandGroup(sub, seen, out)
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		*out = append(*out, obj)
	}
}

// RulesOf returns the firewall's rules of one kind in ascending position
// order, including disabled ones; the compiler prolog filters those.
func (db *DB) RulesOf(fw *Firewall, kind RuleKind) []*Rule {
	var src []*Rule
	switch kind {
	case KindPolicy:
		src = fw.Policy
	case KindNAT:
		src = fw.NAT
	case KindRouting:
		src = fw.Routing
	}
	out := make([]*Rule, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// OwnerInterface returns the interface an address object is bound to, or nil
// when the object is not interface-bound.
func (db *DB) OwnerInterface(obj Object) *Interface {
	var h Handle
	switch a := obj.(type) {
	case *InterfaceAddress:
		h = a.Interface
	case *AttachedNetwork:
		h = a.Interface
	default:
		return nil
	}
	iface, _ := db.objects[h].(*Interface)
	return iface
}

// BelongsTo reports whether an address object resolves to the firewall
// itself: the firewall object, one of its interfaces, or an address bound to
// one of its interfaces.
func (db *DB) BelongsTo(fw *Firewall, obj Object) bool {
	if obj == nil {
		return false
	}
	if obj.ID() == fw.ID() {
		return true
	}
	if iface, ok := obj.(*Interface); ok {
		return iface.Firewall == fw.ID()
	}
	if iface := db.OwnerInterface(obj); iface != nil {
		return iface.Firewall == fw.ID()
	}
	return false
}
