package policydb

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed services.yaml
var standardServicesYAML []byte

// serviceDef is one entry in a YAML service library file.
type serviceDef struct {
	Name     string `yaml:"name"`
	Proto    string `yaml:"proto"` // tcp, udp, icmp, icmp6, ip
	Port     string `yaml:"port,omitempty"`
	Source   string `yaml:"source,omitempty"`
	Type     *int   `yaml:"type,omitempty"`
	Code     *int   `yaml:"code,omitempty"`
	Protocol int    `yaml:"protocol,omitempty"`
}

type serviceLibrary struct {
	Services []serviceDef `yaml:"services"`
}

// RegisterStandardServices loads the embedded well-known service library into
// the store under the "Standard" library partition.
func RegisterStandardServices(db *DB) error {
	return registerServiceYAML(db, standardServicesYAML, "Standard")
}

// LoadServiceLibrary merges an external YAML service library file into the
// store. Entries whose names collide with existing objects are rejected.
func LoadServiceLibrary(db *DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read service library: %w", err)
	}
	return registerServiceYAML(db, data, "User Library")
}

func registerServiceYAML(db *DB, data []byte, library string) error {
	var lib serviceLibrary
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return fmt.Errorf("failed to parse service library: %w", err)
	}
	for _, def := range lib.Services {
		if db.LookupName(def.Name) != nil {
			return fmt.Errorf("service library: duplicate name %q", def.Name)
		}
		obj, err := buildLibraryService(def, library)
		if err != nil {
			return err
		}
		db.Add(obj)
	}
	return nil
}

func buildLibraryService(def serviceDef, library string) (Object, error) {
	base := newBase(def.Name, library)
	switch def.Proto {
	case "tcp", "udp":
		dst, err := parsePortSpec(def.Port)
		if err != nil {
			return nil, fmt.Errorf("service library %q: %w", def.Name, err)
		}
		src, err := parsePortSpec(def.Source)
		if err != nil {
			return nil, fmt.Errorf("service library %q: %w", def.Name, err)
		}
		if def.Proto == "tcp" {
			return &TCPService{Base: base, Src: src, Dst: dst}, nil
		}
		return &UDPService{Base: base, Src: src, Dst: dst}, nil
	case "icmp", "icmp6":
		t, c := -1, -1
		if def.Type != nil {
			t = *def.Type
		}
		if def.Code != nil {
			c = *def.Code
		}
		return &ICMPService{Base: base, Type: t, Code: c, V6: def.Proto == "icmp6"}, nil
	case "ip":
		if def.Protocol <= 0 || def.Protocol > 255 {
			return nil, fmt.Errorf("service library %q: invalid protocol %d", def.Name, def.Protocol)
		}
		return &IPService{Base: base, Protocol: def.Protocol}, nil
	default:
		return nil, fmt.Errorf("service library %q: unknown proto %q", def.Name, def.Proto)
	}
}
