package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/omrylcn/gbot-sub000/internal/defaults"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a role name has no policy
var ErrUnknownRole = errors.New("unknown role")

// AllGroups is the wildcard tool group
const AllGroups = "*"

// RolePolicy describes what a role may do
type RolePolicy struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description"`
	ToolGroups  []string `yaml:"tool_groups"`
	Admin       bool     `yaml:"admin"`
}

// AllowsGroup reports whether tools in group are available to the role
func (p RolePolicy) AllowsGroup(group string) bool {
	return slices.Contains(p.ToolGroups, AllGroups) || slices.Contains(p.ToolGroups, group)
}

type rolesFile struct {
	DefaultRole string                `yaml:"default_role"`
	Roles       map[string]RolePolicy `yaml:"roles"`
}

// Roles resolves role names to policies. It is constructed explicitly and
// passed to the components that need it.
type Roles struct {
	mu          sync.RWMutex
	path        string
	defaultRole string
	roles       map[string]RolePolicy
}

// NewRoles loads roles from path. An empty path or a missing file uses the
// built-in roles.
func NewRoles(path string) (*Roles, error) {
	r := &Roles{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseRoles builds a Roles object from YAML without a backing file.
func ParseRoles(data []byte) (*Roles, error) {
	r := &Roles{}
	if err := r.apply(data); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the roles file.
func (r *Roles) Reload() error {
	data, err := r.read()
	if err != nil {
		return err
	}
	return r.apply(data)
}

// Reset restores the built-in roles, ignoring the file.
func (r *Roles) Reset() {
	data, err := defaults.GetDefault("roles.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded roles.yaml missing: %v", err))
	}
	if err := r.apply(data); err != nil {
		panic(fmt.Sprintf("embedded roles.yaml invalid: %v", err))
	}
}

func (r *Roles) read() ([]byte, error) {
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read roles: %w", err)
		}
	}
	return defaults.GetDefault("roles.yaml")
}

func (r *Roles) apply(data []byte) error {
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse roles: %w", err)
	}
	if len(f.Roles) == 0 {
		return fmt.Errorf("parse roles: no roles defined")
	}
	for name, p := range f.Roles {
		p.Name = name
		f.Roles[name] = p
	}
	if f.DefaultRole == "" {
		f.DefaultRole = "member"
	}
	if _, ok := f.Roles[f.DefaultRole]; !ok {
		return fmt.Errorf("parse roles: default role %q is not defined", f.DefaultRole)
	}

	r.mu.Lock()
	r.roles = f.Roles
	r.defaultRole = f.DefaultRole
	r.mu.Unlock()
	return nil
}

// Resolve returns the policy for role. An empty name resolves to the default role.
func (r *Roles) Resolve(role string) (RolePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == "" {
		role = r.defaultRole
	}
	p, ok := r.roles[role]
	if !ok {
		return RolePolicy{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return p, nil
}

// DefaultRole returns the role assigned to auto-provisioned users
func (r *Roles) DefaultRole() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRole
}

// Names returns the defined role names, sorted
func (r *Roles) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
