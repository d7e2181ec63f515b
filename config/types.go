// Package config parses and validates the declarative deploy spec. The
// renderer layers consume only these parsed structures, never raw YAML.
package config

// File is the top level deploy spec document.
type File struct {
	Services []Service        `yaml:"services"`
	Tasks    []StandaloneTask `yaml:"tasks"`
}

// Service declares one long-running ECS service.
type Service struct {
	Name                  string               `yaml:"name"`
	Cluster               string               `yaml:"cluster"`
	Count                 int64                `yaml:"count"`
	Family                string               `yaml:"family"`
	LaunchType            string               `yaml:"launch_type"`
	PlatformVersion       string               `yaml:"platform_version"`
	NetworkMode           string               `yaml:"network_mode"`
	CPU                   int64                `yaml:"cpu"`
	Memory                int64                `yaml:"memory"`
	TaskRoleARN           string               `yaml:"task_role_arn"`
	ExecutionRoleARN      string               `yaml:"execution_role"`
	MaximumPercent        int64                `yaml:"maximum_percent"`
	MinimumHealthyPercent int64                `yaml:"minimum_healthy_percent"`
	VPC                   *VPCConfiguration    `yaml:"vpc_configuration"`
	CapacityProviders     []CapacityProvider   `yaml:"capacity_provider_strategy"`
	PlacementConstraints  []string             `yaml:"placement_constraints"`
	PlacementStrategy     []PlacementStrategy  `yaml:"placement_strategy"`
	LoadBalancer          *LoadBalancer        `yaml:"load_balancer"`
	ServiceDiscovery      *ServiceDiscovery    `yaml:"service_discovery"`
	Scaling               *ApplicationScaling  `yaml:"application_scaling"`
	Containers            []Container          `yaml:"containers"`
	HelperTasks           []HelperTask         `yaml:"tasks"`
	Volumes               []Volume             `yaml:"volumes"`
	Tags                  map[string]string    `yaml:"tags"`
}

// StandaloneTask declares a task from the top level tasks section: a task
// definition plus the run parameters used for ad-hoc or scheduled runs.
type StandaloneTask struct {
	Name              string              `yaml:"name"`
	Cluster           string              `yaml:"cluster"`
	Count             int64               `yaml:"count"`
	Group             string              `yaml:"group"`
	LaunchType        string              `yaml:"launch_type"`
	PlatformVersion   string              `yaml:"platform_version"`
	Schedule          string              `yaml:"schedule"`
	ScheduleRoleARN   string              `yaml:"schedule_role"`
	NetworkMode       string              `yaml:"network_mode"`
	CPU               int64               `yaml:"cpu"`
	Memory            int64               `yaml:"memory"`
	TaskRoleARN       string              `yaml:"task_role_arn"`
	ExecutionRoleARN  string              `yaml:"execution_role"`
	VPC               *VPCConfiguration   `yaml:"vpc_configuration"`
	CapacityProviders []CapacityProvider  `yaml:"capacity_provider_strategy"`
	PlacementStrategy []PlacementStrategy `yaml:"placement_strategy"`
	Containers        []Container         `yaml:"containers"`
	Volumes           []Volume            `yaml:"volumes"`
}

// HelperTask declares an auxiliary command owned by a service. The task
// definition is derived from the service's own containers with the given
// command substituted into the first container.
type HelperTask struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command"`
	Schedule     string   `yaml:"schedule"`
	ScheduleRole string   `yaml:"schedule_role"`
	LaunchType   string   `yaml:"launch_type"`
	Count        int64    `yaml:"count"`
	CPU          int64    `yaml:"cpu"`
	Memory       int64    `yaml:"memory"`
}

// Container declares one container within a task definition.
type Container struct {
	Name              string            `yaml:"name"`
	Image             string            `yaml:"image"`
	CPU               int64             `yaml:"cpu"`
	Memory            int64             `yaml:"memory"`
	MemoryReservation int64             `yaml:"memory_reservation"`
	Essential         *bool             `yaml:"essential"`
	Ports             []string          `yaml:"ports"`
	Command           []string          `yaml:"command"`
	EntryPoint        []string          `yaml:"entrypoint"`
	Environment       map[string]string `yaml:"environment"`
	Secrets           map[string]string `yaml:"secrets"`
	Labels            map[string]string `yaml:"labels"`
	CapAdd            []string          `yaml:"cap_add"`
	CapDrop           []string          `yaml:"cap_drop"`
	MountPoints       []MountPoint      `yaml:"mount_points"`
	Logging           *LogConfiguration `yaml:"logging"`
}

type MountPoint struct {
	SourceVolume  string `yaml:"source_volume"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"read_only"`
}

type LogConfiguration struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

type Volume struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type VPCConfiguration struct {
	Subnets        []string `yaml:"subnets"`
	SecurityGroups []string `yaml:"security_groups"`
	AssignPublicIP bool     `yaml:"assign_public_ip"`
}

type CapacityProvider struct {
	Provider string `yaml:"provider"`
	Weight   int64  `yaml:"weight"`
	Base     int64  `yaml:"base"`
}

type PlacementStrategy struct {
	Type  string `yaml:"type"`
	Field string `yaml:"field"`
}

type LoadBalancer struct {
	TargetGroupARN string `yaml:"target_group_arn"`
	ContainerName  string `yaml:"container_name"`
	ContainerPort  int64  `yaml:"container_port"`
}

// ServiceDiscovery declares the DNS registry entry for a service.
type ServiceDiscovery struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	DNSType   string `yaml:"dns_type"`
	DNSTTL    int64  `yaml:"dns_ttl"`
}

// ApplicationScaling declares the autoscaling attached to a service's
// desired count: a scalable target plus up to two alarm-driven policies.
type ApplicationScaling struct {
	MinCapacity int64        `yaml:"min_capacity"`
	MaxCapacity int64        `yaml:"max_capacity"`
	RoleARN     string       `yaml:"role_arn"`
	ScaleUp     *ScalingRule `yaml:"scale-up"`
	ScaleDown   *ScalingRule `yaml:"scale-down"`
}

// ScalingRule declares one scaling policy and the CPU alarm that drives it.
// CPU is a comparison expression against average service CPU, e.g. ">=60.5".
type ScalingRule struct {
	CPU               string `yaml:"cpu"`
	CheckEverySeconds int64  `yaml:"check_every_seconds"`
	Periods           int64  `yaml:"periods"`
	Cooldown          int64  `yaml:"cooldown"`
	ScaleBy           int64  `yaml:"scale_by"`
}
