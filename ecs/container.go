package ecs

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"

	"github.com/halyard-run/halyard/config"
)

// helperLabelPrefix namespaces the docker labels that record which task
// definition revisions hold a service's helper tasks. Labels look like
// "halyard.task.<family>.id" = "<family>:<revision>" and live on the first
// container of the service's task definition so they can be recovered on
// read without a side database.
const helperLabelPrefix = "halyard.task."

// PortMapping is one container port exposure. Host is 0 when the platform
// assigns the host port.
type PortMapping struct {
	Host      int64
	Container int64
	Protocol  string
}

type MountPoint struct {
	SourceVolume  string
	ContainerPath string
	ReadOnly      bool
}

// ContainerDefinition is the normalized form of one container within a task
// definition. The same struct is produced whether the container came from
// the deploy spec or from a live describe, which is what makes the diff
// projection comparable across origins.
type ContainerDefinition struct {
	Name              string
	Image             string
	CPU               int64
	Memory            int64
	MemoryReservation int64
	Essential         bool
	Command           []string
	EntryPoint        []string
	Ports             []PortMapping
	Environment       map[string]string
	Secrets           map[string]string
	DockerLabels      map[string]string
	CapAdd            []string
	CapDrop           []string
	MountPoints       []MountPoint
	LogDriver         string
	LogOptions        map[string]string
}

func newContainerFromConfig(c *config.Container) (*ContainerDefinition, error) {
	cd := &ContainerDefinition{
		Name:              c.Name,
		Image:             c.Image,
		CPU:               c.CPU,
		Memory:            c.Memory,
		MemoryReservation: c.MemoryReservation,
		Essential:         true,
		Command:           append([]string(nil), c.Command...),
		EntryPoint:        append([]string(nil), c.EntryPoint...),
		Environment:       copyMap(c.Environment),
		Secrets:           copyMap(c.Secrets),
		DockerLabels:      copyMap(c.Labels),
		CapAdd:            append([]string(nil), c.CapAdd...),
		CapDrop:           append([]string(nil), c.CapDrop...),
	}
	if c.Essential != nil {
		cd.Essential = *c.Essential
	}
	for _, p := range c.Ports {
		host, container, protocol, err := config.ParsePort(p)
		if err != nil {
			return nil, err
		}
		cd.Ports = append(cd.Ports, PortMapping{Host: host, Container: container, Protocol: protocol})
	}
	for _, m := range c.MountPoints {
		cd.MountPoints = append(cd.MountPoints, MountPoint{
			SourceVolume:  m.SourceVolume,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	if c.Logging != nil {
		cd.LogDriver = c.Logging.Driver
		cd.LogOptions = copyMap(c.Logging.Options)
	}
	return cd, nil
}

func newContainerFromAWS(c *awsecs.ContainerDefinition) *ContainerDefinition {
	cd := &ContainerDefinition{
		Name:              aws.StringValue(c.Name),
		Image:             aws.StringValue(c.Image),
		CPU:               aws.Int64Value(c.Cpu),
		Memory:            aws.Int64Value(c.Memory),
		MemoryReservation: aws.Int64Value(c.MemoryReservation),
		Essential:         c.Essential == nil || *c.Essential,
		Command:           aws.StringValueSlice(c.Command),
		EntryPoint:        aws.StringValueSlice(c.EntryPoint),
		Environment:       map[string]string{},
		Secrets:           map[string]string{},
		DockerLabels:      aws.StringValueMap(c.DockerLabels),
	}
	for _, kv := range c.Environment {
		cd.Environment[aws.StringValue(kv.Name)] = aws.StringValue(kv.Value)
	}
	for _, s := range c.Secrets {
		cd.Secrets[aws.StringValue(s.Name)] = aws.StringValue(s.ValueFrom)
	}
	for _, p := range c.PortMappings {
		cd.Ports = append(cd.Ports, PortMapping{
			Host:      aws.Int64Value(p.HostPort),
			Container: aws.Int64Value(p.ContainerPort),
			Protocol:  aws.StringValue(p.Protocol),
		})
	}
	for _, m := range c.MountPoints {
		cd.MountPoints = append(cd.MountPoints, MountPoint{
			SourceVolume:  aws.StringValue(m.SourceVolume),
			ContainerPath: aws.StringValue(m.ContainerPath),
			ReadOnly:      aws.BoolValue(m.ReadOnly),
		})
	}
	if c.LinuxParameters != nil && c.LinuxParameters.Capabilities != nil {
		cd.CapAdd = aws.StringValueSlice(c.LinuxParameters.Capabilities.Add)
		cd.CapDrop = aws.StringValueSlice(c.LinuxParameters.Capabilities.Drop)
	}
	if c.LogConfiguration != nil {
		cd.LogDriver = aws.StringValue(c.LogConfiguration.LogDriver)
		cd.LogOptions = aws.StringValueMap(c.LogConfiguration.Options)
	}
	return cd
}

// renderForRegister produces the wire shape for RegisterTaskDefinition.
func (c *ContainerDefinition) renderForRegister() *awsecs.ContainerDefinition {
	out := &awsecs.ContainerDefinition{
		Name:      aws.String(c.Name),
		Image:     aws.String(c.Image),
		Essential: aws.Bool(c.Essential),
	}
	if c.CPU != 0 {
		out.Cpu = aws.Int64(c.CPU)
	}
	if c.Memory != 0 {
		out.Memory = aws.Int64(c.Memory)
	}
	if c.MemoryReservation != 0 {
		out.MemoryReservation = aws.Int64(c.MemoryReservation)
	}
	if len(c.Command) > 0 {
		out.Command = aws.StringSlice(c.Command)
	}
	if len(c.EntryPoint) > 0 {
		out.EntryPoint = aws.StringSlice(c.EntryPoint)
	}
	for _, p := range c.Ports {
		pm := &awsecs.PortMapping{
			ContainerPort: aws.Int64(p.Container),
			Protocol:      aws.String(p.Protocol),
		}
		if p.Host != 0 {
			pm.HostPort = aws.Int64(p.Host)
		}
		out.PortMappings = append(out.PortMappings, pm)
	}
	for _, name := range sortedKeys(c.Environment) {
		out.Environment = append(out.Environment, &awsecs.KeyValuePair{
			Name:  aws.String(name),
			Value: aws.String(c.Environment[name]),
		})
	}
	for _, name := range sortedKeys(c.Secrets) {
		out.Secrets = append(out.Secrets, &awsecs.Secret{
			Name:      aws.String(name),
			ValueFrom: aws.String(c.Secrets[name]),
		})
	}
	if len(c.DockerLabels) > 0 {
		out.DockerLabels = aws.StringMap(c.DockerLabels)
	}
	for _, m := range c.MountPoints {
		out.MountPoints = append(out.MountPoints, &awsecs.MountPoint{
			SourceVolume:  aws.String(m.SourceVolume),
			ContainerPath: aws.String(m.ContainerPath),
			ReadOnly:      aws.Bool(m.ReadOnly),
		})
	}
	if len(c.CapAdd) > 0 || len(c.CapDrop) > 0 {
		out.LinuxParameters = &awsecs.LinuxParameters{
			Capabilities: &awsecs.KernelCapabilities{},
		}
		if len(c.CapAdd) > 0 {
			out.LinuxParameters.Capabilities.Add = aws.StringSlice(c.CapAdd)
		}
		if len(c.CapDrop) > 0 {
			out.LinuxParameters.Capabilities.Drop = aws.StringSlice(c.CapDrop)
		}
	}
	if c.LogDriver != "" {
		out.LogConfiguration = &awsecs.LogConfiguration{
			LogDriver: aws.String(c.LogDriver),
			Options:   aws.StringMap(c.LogOptions),
		}
	}
	return out
}

// renderForDiff returns a deep copy with empty collections normalized so
// spec-origin and AWS-origin containers compare identically.
func (c *ContainerDefinition) renderForDiff() *ContainerDefinition {
	out := *c
	out.Command = append([]string{}, c.Command...)
	out.EntryPoint = append([]string{}, c.EntryPoint...)
	out.Ports = append([]PortMapping{}, c.Ports...)
	out.CapAdd = append([]string{}, c.CapAdd...)
	out.CapDrop = append([]string{}, c.CapDrop...)
	out.MountPoints = append([]MountPoint{}, c.MountPoints...)
	out.Environment = normalizeMap(c.Environment)
	out.Secrets = normalizeMap(c.Secrets)
	out.DockerLabels = normalizeMap(c.DockerLabels)
	out.LogOptions = normalizeMap(c.LogOptions)
	return &out
}

// UpdateHelperTaskLabels purges any stale helper task labels and records the
// given <family>:<revision> strings in their place.
func (c *ContainerDefinition) UpdateHelperTaskLabels(familyRevisions []string) {
	labels := map[string]string{}
	for k, v := range c.DockerLabels {
		if !strings.HasPrefix(k, helperLabelPrefix) {
			labels[k] = v
		}
	}
	for _, rev := range familyRevisions {
		family := rev
		if idx := strings.IndexByte(rev, ':'); idx >= 0 {
			family = rev[:idx]
		}
		labels[helperLabelPrefix+family+".id"] = rev
	}
	c.DockerLabels = labels
}

// HelperTaskRevisions recovers the recorded helper task revisions, keyed by
// family.
func (c *ContainerDefinition) HelperTaskRevisions() map[string]string {
	out := map[string]string{}
	for k, v := range c.DockerLabels {
		if !strings.HasPrefix(k, helperLabelPrefix) {
			continue
		}
		family := v
		if idx := strings.IndexByte(v, ':'); idx >= 0 {
			family = v[:idx]
		}
		out[family] = v
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalizeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	return copyMap(m)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
