package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/halyard-run/halyard/core"
)

// Load reads and validates a deploy spec from filename.
func Load(filename string) (*File, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read deploy spec: %w", err)
	}
	return Parse(b)
}

// Parse parses and validates a deploy spec document.
func Parse(b []byte) (*File, error) {
	f := new(File)
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("parse deploy spec: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Validate() error {
	seen := map[string]bool{}
	for i := range f.Services {
		s := &f.Services[i]
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return &core.ErrSchema{Msg: fmt.Sprintf("duplicate service name %q", s.Name)}
		}
		seen[s.Name] = true
	}
	for i := range f.Tasks {
		t := &f.Tasks[i]
		if err := t.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Service returns the named service declaration.
func (f *File) Service(name string) (*Service, error) {
	for i := range f.Services {
		if f.Services[i].Name == name {
			return &f.Services[i], nil
		}
	}
	return nil, &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("no service named %q in deploy spec", name)}
}

// Task returns the named standalone task declaration.
func (f *File) Task(name string) (*StandaloneTask, error) {
	for i := range f.Tasks {
		if f.Tasks[i].Name == name {
			return &f.Tasks[i], nil
		}
	}
	return nil, &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("no task named %q in deploy spec", name)}
}

// TaskFamily is the task definition family for a service declaration.
func (s *Service) TaskFamily() string {
	if s.Family != "" {
		return s.Family
	}
	return s.Name
}

// IsFargate reports whether the service runs under the FARGATE launch type.
func (s *Service) IsFargate() bool { return s.LaunchType == "FARGATE" }

func (s *Service) validate() error {
	if s.Name == "" {
		return &core.ErrSchema{Msg: "every service needs a name"}
	}
	if s.Cluster == "" {
		return &core.ErrSchema{Msg: fmt.Sprintf("service %q: cluster is required", s.Name)}
	}
	if len(s.Containers) == 0 {
		return &core.ErrSchema{Msg: fmt.Sprintf("service %q: at least one container is required", s.Name)}
	}
	if s.LaunchType != "" && len(s.CapacityProviders) > 0 {
		return &core.ErrSchema{Msg: fmt.Sprintf(
			"service %q: launch_type and capacity_provider_strategy are mutually exclusive", s.Name,
		)}
	}
	if s.IsFargate() {
		if s.VPC == nil {
			return &core.ErrSchema{Msg: fmt.Sprintf("service %q: FARGATE services require vpc_configuration", s.Name)}
		}
		if s.ExecutionRoleARN == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf("service %q: FARGATE services require execution_role", s.Name)}
		}
	}
	if err := validateContainers(s.Name, s.Containers); err != nil {
		return err
	}
	if s.Scaling != nil {
		if s.Scaling.MaxCapacity < s.Scaling.MinCapacity {
			return &core.ErrSchema{Msg: fmt.Sprintf(
				"service %q: application_scaling max_capacity %d is below min_capacity %d",
				s.Name, s.Scaling.MaxCapacity, s.Scaling.MinCapacity,
			)}
		}
	}
	names := map[string]bool{}
	for i := range s.HelperTasks {
		h := &s.HelperTasks[i]
		if h.Name == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf("service %q: every helper task needs a name", s.Name)}
		}
		if names[h.Name] {
			return &core.ErrSchema{Msg: fmt.Sprintf("service %q: duplicate helper task name %q", s.Name, h.Name)}
		}
		names[h.Name] = true
		if len(h.Command) == 0 && h.Schedule == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf(
				"service %q: helper task %q needs a command or a schedule", s.Name, h.Name,
			)}
		}
		if h.Schedule != "" && h.ScheduleRole == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf(
				"service %q: scheduled helper task %q requires schedule_role", s.Name, h.Name,
			)}
		}
	}
	return nil
}

func (t *StandaloneTask) validate() error {
	if t.Name == "" {
		return &core.ErrSchema{Msg: "every task needs a name"}
	}
	if t.Cluster == "" {
		return &core.ErrSchema{Msg: fmt.Sprintf("task %q: cluster is required", t.Name)}
	}
	if len(t.Containers) == 0 {
		return &core.ErrSchema{Msg: fmt.Sprintf("task %q: at least one container is required", t.Name)}
	}
	if t.LaunchType != "" && len(t.CapacityProviders) > 0 {
		return &core.ErrSchema{Msg: fmt.Sprintf(
			"task %q: launch_type and capacity_provider_strategy are mutually exclusive", t.Name,
		)}
	}
	if t.Schedule != "" && t.ScheduleRoleARN == "" {
		return &core.ErrSchema{Msg: fmt.Sprintf("task %q: scheduled tasks require schedule_role", t.Name)}
	}
	return validateContainers(t.Name, t.Containers)
}

func validateContainers(owner string, containers []Container) error {
	names := map[string]bool{}
	for i := range containers {
		c := &containers[i]
		if c.Name == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf("%q: every container needs a name", owner)}
		}
		if names[c.Name] {
			return &core.ErrSchema{Msg: fmt.Sprintf("%q: duplicate container name %q", owner, c.Name)}
		}
		names[c.Name] = true
		if c.Image == "" {
			return &core.ErrSchema{Msg: fmt.Sprintf("%q: container %q needs an image", owner, c.Name)}
		}
		for _, p := range c.Ports {
			if _, _, _, err := ParsePort(p); err != nil {
				return &core.ErrSchema{Msg: fmt.Sprintf("%q: container %q: %v", owner, c.Name, err)}
			}
		}
	}
	return nil
}

// ParsePort parses a port declaration of the form "container",
// "host:container" or "host:container/protocol". The protocol defaults
// to tcp.
func ParsePort(s string) (host int64, container int64, protocol string, err error) {
	protocol = "tcp"
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		protocol = s[idx+1:]
		s = s[:idx]
		if protocol != "tcp" && protocol != "udp" {
			return 0, 0, "", fmt.Errorf("port %q: protocol must be tcp or udp", s)
		}
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		container, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, "", fmt.Errorf("port %q is not a number", parts[0])
		}
		return 0, container, protocol, nil
	case 2:
		host, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, "", fmt.Errorf("host port %q is not a number", parts[0])
		}
		container, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, "", fmt.Errorf("container port %q is not a number", parts[1])
		}
		return host, container, protocol, nil
	default:
		return 0, 0, "", fmt.Errorf("port %q must be CONTAINER or HOST:CONTAINER", s)
	}
}
