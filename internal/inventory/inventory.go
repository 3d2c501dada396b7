// Package inventory reads an Ansible inventory as a cluster topology.
package inventory

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/topology"
)

// Default group names mapped onto the topology roles
const (
	DefaultCoordinatorGroup = "coordinator"
	DefaultWorkerGroup      = "workers"
)

// Group is one Ansible inventory group. Hosts is kept as a node so the
// declaration order survives decoding.
type Group struct {
	Hosts    yaml.Node         `yaml:"hosts"`
	Children map[string]*Group `yaml:"children"`
	Vars     map[string]any    `yaml:"vars"`
}

// Host is one inventory host with the connection variables fleet-admin uses
type Host struct {
	Name string // inventory name
	Addr string // ansible_host, or Name
	Port int    // ansible_port, 0 when unset
	User string // ansible_user
}

type hostVars struct {
	AnsibleHost string `yaml:"ansible_host"`
	AnsiblePort int    `yaml:"ansible_port"`
	AnsibleUser string `yaml:"ansible_user"`
}

// Inventory is a parsed inventory file
type Inventory struct {
	groups    map[string]*Group
	inherited map[string]hostVars // vars of enclosing groups
}

// LoadFile parses a YAML or JSON inventory
func LoadFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewSetupError(fmt.Sprintf("failed to read inventory file '%s'", path), err)
	}
	return Parse(data)
}

// Parse decodes inventory data. Groups may sit at the top level or under
// all.children.
func Parse(data []byte) (*Inventory, error) {
	var top map[string]*Group
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, errors.NewSetupError(fmt.Sprintf("malformed inventory: %v", err), err)
	}
	inv := &Inventory{groups: make(map[string]*Group), inherited: make(map[string]hostVars)}
	for name, g := range top {
		if g == nil {
			g = &Group{}
		}
		if err := inv.index(name, g, hostVars{}); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

func (inv *Inventory) index(name string, g *Group, inherited hostVars) error {
	if _, seen := inv.groups[name]; !seen {
		inv.groups[name] = g
		inv.inherited[name] = inherited
	}
	own := inherited
	if err := decodeVars(g.Vars, &own); err != nil {
		return err
	}
	for child, cg := range g.Children {
		if cg == nil {
			cg = &Group{}
			g.Children[child] = cg
		}
		if err := inv.index(child, cg, own); err != nil {
			return err
		}
	}
	return nil
}

// Groups returns every group name, sorted
func (inv *Inventory) Groups() []string {
	names := make([]string, 0, len(inv.groups))
	for name := range inv.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostsOf returns the hosts of group and its children, in declaration
// order, each host once.
func (inv *Inventory) HostsOf(group string) ([]Host, error) {
	g, ok := inv.groups[group]
	if !ok {
		return nil, errors.NewSetupError(fmt.Sprintf("group '%s' not found in inventory", group), nil)
	}
	seen := make(map[string]bool)
	return collect(g, inv.inherited[group], seen)
}

func collect(g *Group, inherited hostVars, seen map[string]bool) ([]Host, error) {
	defaults := inherited
	if err := decodeVars(g.Vars, &defaults); err != nil {
		return nil, err
	}

	var hosts []Host
	if g.Hosts.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(g.Hosts.Content); i += 2 {
			name := g.Hosts.Content[i].Value
			if seen[name] {
				continue
			}
			seen[name] = true

			vars := defaults
			if v := g.Hosts.Content[i+1]; v.Kind == yaml.MappingNode {
				if err := v.Decode(&vars); err != nil {
					return nil, errors.NewSetupError(fmt.Sprintf("invalid variables for inventory host '%s'", name), err)
				}
			}
			h := Host{Name: name, Addr: name, Port: vars.AnsiblePort, User: vars.AnsibleUser}
			if vars.AnsibleHost != "" {
				h.Addr = vars.AnsibleHost
			}
			hosts = append(hosts, h)
		}
	}

	children := make([]string, 0, len(g.Children))
	for name := range g.Children {
		children = append(children, name)
	}
	sort.Strings(children)
	for _, name := range children {
		sub, err := collect(g.Children[name], defaults, seen)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, sub...)
	}
	return hosts, nil
}

func decodeVars(vars map[string]any, into *hostVars) error {
	if len(vars) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(vars)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return errors.NewSetupError("invalid inventory group variables", err)
	}
	return nil
}

// Spec maps the coordinator group (exactly one host) and the worker group
// onto a topology spec. Port and user must agree across hosts since a
// topology carries one of each.
func (inv *Inventory) Spec(coordinatorGroup, workerGroup string) (topology.Spec, error) {
	var spec topology.Spec
	coords, err := inv.HostsOf(coordinatorGroup)
	if err != nil {
		return spec, err
	}
	if len(coords) != 1 {
		return spec, errors.NewSetupError(fmt.Sprintf("inventory group '%s' must hold exactly one host, found %d", coordinatorGroup, len(coords)), nil)
	}
	workers, err := inv.HostsOf(workerGroup)
	if err != nil {
		return spec, err
	}

	spec.Coordinator = coords[0].Addr
	spec.Port = coords[0].Port
	spec.Username = coords[0].User
	spec.Workers = []string{}
	for _, w := range workers {
		if w.Name == coords[0].Name {
			continue
		}
		if w.Port != spec.Port {
			return spec, errors.NewSetupError(fmt.Sprintf("inventory host '%s' uses port %d, coordinator uses %d", w.Name, w.Port, spec.Port), nil)
		}
		if w.User != spec.Username {
			return spec, errors.NewSetupError(fmt.Sprintf("inventory host '%s' uses user '%s', coordinator uses '%s'", w.Name, w.User, spec.Username), nil)
		}
		spec.Workers = append(spec.Workers, w.Addr)
	}
	return spec, nil
}
