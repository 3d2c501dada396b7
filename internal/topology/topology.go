// Package topology resolves the declared coordinator and worker hosts of a cluster.
package topology

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"fleet-admin/internal/errors"
)

// DefaultPort is the SSH port used when neither the topology nor the caller sets one.
const DefaultPort = 22

// Role is the part a host plays in the cluster
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Host is one validated member of a topology
type Host struct {
	Name string // Hostname or IP address
	Role Role   // coordinator or worker
	Port int    // SSH port number
}

// Address returns the host:port dial address
func (h Host) Address() string {
	return net.JoinHostPort(h.Name, fmt.Sprint(h.Port))
}

// Spec is the declared, unvalidated topology as read from a file or flags
type Spec struct {
	Coordinator string   `yaml:"coordinator" json:"coordinator"`
	Workers     []string `yaml:"workers" json:"workers"`
	Username    string   `yaml:"username,omitempty" json:"username,omitempty"`
	Port        int      `yaml:"port,omitempty" json:"port,omitempty"`
}

// Topology is an immutable, validated set of hosts
type Topology struct {
	hosts    []Host
	username string
}

// Resolve validates every identifier in spec and returns the topology.
// It fails on the first invalid entry without touching the network.
func Resolve(spec Spec) (*Topology, error) {
	port := spec.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 1 || port > 65535 {
		return nil, errors.NewSetupError(fmt.Sprintf("port number %d out of valid range (1-65535)", port), nil)
	}

	coordinator := strings.TrimSpace(spec.Coordinator)
	if coordinator == "" {
		return nil, errors.NewInvalidHostError("", string(RoleCoordinator), "a coordinator is required")
	}

	seen := make(map[string]Role, len(spec.Workers)+1)
	hosts := make([]Host, 0, len(spec.Workers)+1)

	add := func(name string, role Role) error {
		if reason := identifierProblem(name); reason != "" {
			return errors.NewInvalidHostError(name, string(role), reason)
		}
		key := strings.ToLower(name)
		if prev, dup := seen[key]; dup {
			return errors.NewInvalidHostError(name, string(role), fmt.Sprintf("already declared as %s", prev))
		}
		seen[key] = role
		hosts = append(hosts, Host{Name: name, Role: role, Port: port})
		return nil
	}

	if err := add(coordinator, RoleCoordinator); err != nil {
		return nil, err
	}
	for _, w := range spec.Workers {
		if err := add(strings.TrimSpace(w), RoleWorker); err != nil {
			return nil, err
		}
	}

	return &Topology{hosts: hosts, username: spec.Username}, nil
}

// Hosts returns all hosts in declaration order, coordinator first
func (t *Topology) Hosts() []Host {
	out := make([]Host, len(t.hosts))
	copy(out, t.hosts)
	return out
}

// Coordinator returns the single coordinator host
func (t *Topology) Coordinator() Host {
	return t.hosts[0]
}

// Workers returns the worker hosts in declaration order
func (t *Topology) Workers() []Host {
	out := make([]Host, len(t.hosts)-1)
	copy(out, t.hosts[1:])
	return out
}

// Username returns the SSH user declared in the topology, if any
func (t *Topology) Username() string {
	return t.username
}

// Len returns the number of hosts
func (t *Topology) Len() int {
	return len(t.hosts)
}

// ValidIdentifier reports whether s is an IP address or an RFC 1123 hostname
func ValidIdentifier(s string) bool {
	return identifierProblem(s) == ""
}

func identifierProblem(s string) string {
	if s == "" {
		return "empty identifier"
	}
	if net.ParseIP(s) != nil {
		return ""
	}
	name := strings.TrimSuffix(s, ".")
	if len(name) > 253 {
		return "hostname longer than 253 characters"
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return "empty hostname label"
		}
		if len(label) > 63 {
			return fmt.Sprintf("label %q longer than 63 characters", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Sprintf("label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			if !isLabelRune(r) {
				return fmt.Sprintf("invalid character %q", r)
			}
		}
	}
	return ""
}

func isLabelRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
}

// LoadFile reads a topology spec from a YAML or JSON file
func LoadFile(path string) (Spec, error) {
	var spec Spec
	if path == "" {
		return spec, errors.NewSetupError("topology file path cannot be empty", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, errors.NewSetupError(fmt.Sprintf("failed to read topology file '%s'", path), err)
	}

	return Parse(data)
}

// Parse decodes a topology spec. JSON documents are accepted as YAML.
func Parse(data []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, errors.NewSetupError(fmt.Sprintf("malformed topology: %v", err), err)
	}
	return spec, nil
}
