package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/kortschak/utter"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
	"github.com/halyard-run/halyard/discovery"
	"github.com/halyard-run/halyard/scaling"
)

type LoadBalancer struct {
	TargetGroupARN string
	ContainerName  string
	ContainerPort  int64
}

// Service is the compound entity for one long-running ECS service. Besides
// the service's own fields it owns its task definition, helper tasks,
// scaling configuration and service discovery record; the orchestrator
// sequences their saves and deletes.
type Service struct {
	Name                  string
	Cluster               string
	ARN                   string
	Status                string
	DesiredCount          int64
	RunningCount          int64
	Deployments           int
	TaskDefinitionID      string
	LaunchType            string
	PlatformVersion       string
	CapacityProviders     []CapacityProvider
	PlacementConstraints  []PlacementConstraint
	PlacementStrategy     []PlacementStrategy
	MaximumPercent        int64
	MinimumHealthyPercent int64
	LoadBalancers         []LoadBalancer
	Subnets               []string
	SecurityGroups        []string
	AssignPublicIP        bool
	RegistryARN           string
	Tags                  map[string]string

	// owned sub-entities; nil means not desired (or, on a live read, not
	// present)
	TaskDefinition *TaskDefinition
	HelperTasks    []*HelperTask
	Scaling        *scaling.ScalableTarget
	Discovery      *discovery.Record
}

// NewServiceFromConfig builds the full desired state for a service,
// resolving defaults once at construction: deployment percentages fall back
// to the platform defaults and FARGATE services pin platform version LATEST
// so that spec-origin and live-origin entities compare cleanly.
func NewServiceFromConfig(cfg *config.Service) (*Service, error) {
	s := &Service{
		Name:                  cfg.Name,
		Cluster:               cfg.Cluster,
		DesiredCount:          cfg.Count,
		LaunchType:            cfg.LaunchType,
		PlatformVersion:       cfg.PlatformVersion,
		MaximumPercent:        cfg.MaximumPercent,
		MinimumHealthyPercent: cfg.MinimumHealthyPercent,
		Tags:                  copyMap(cfg.Tags),
	}
	if s.MaximumPercent == 0 {
		s.MaximumPercent = 200
	}
	if s.MinimumHealthyPercent == 0 {
		s.MinimumHealthyPercent = 100
	}
	for _, cp := range cfg.CapacityProviders {
		s.CapacityProviders = append(s.CapacityProviders, CapacityProvider{
			Provider: cp.Provider, Weight: cp.Weight, Base: cp.Base,
		})
	}
	// the platform reports a version for anything running on Fargate,
	// including via a capacity provider strategy; pin it so spec-origin and
	// live-origin entities compare cleanly
	if s.PlatformVersion == "" && (cfg.IsFargate() || hasFargateProvider(s.CapacityProviders)) {
		s.PlatformVersion = "LATEST"
	}
	for _, expr := range cfg.PlacementConstraints {
		pc := PlacementConstraint{Type: "memberOf", Expression: expr}
		if expr == "distinctInstance" {
			pc = PlacementConstraint{Type: "distinctInstance"}
		}
		s.PlacementConstraints = append(s.PlacementConstraints, pc)
	}
	for _, ps := range cfg.PlacementStrategy {
		s.PlacementStrategy = append(s.PlacementStrategy, PlacementStrategy{Type: ps.Type, Field: ps.Field})
	}
	if cfg.LoadBalancer != nil {
		s.LoadBalancers = append(s.LoadBalancers, LoadBalancer{
			TargetGroupARN: cfg.LoadBalancer.TargetGroupARN,
			ContainerName:  cfg.LoadBalancer.ContainerName,
			ContainerPort:  cfg.LoadBalancer.ContainerPort,
		})
	}
	if cfg.VPC != nil {
		s.Subnets = append([]string(nil), cfg.VPC.Subnets...)
		s.SecurityGroups = append([]string(nil), cfg.VPC.SecurityGroups...)
		s.AssignPublicIP = cfg.VPC.AssignPublicIP
	}

	td, err := newTaskDefinition(taskDefinitionSpec{
		Family:           cfg.TaskFamily(),
		NetworkMode:      cfg.NetworkMode,
		CPU:              cfg.CPU,
		Memory:           cfg.Memory,
		TaskRoleARN:      cfg.TaskRoleARN,
		ExecutionRoleARN: cfg.ExecutionRoleARN,
		Fargate:          cfg.IsFargate(),
		Containers:       cfg.Containers,
		Volumes:          cfg.Volumes,
		Tags:             cfg.Tags,
	})
	if err != nil {
		return nil, err
	}
	s.TaskDefinition = td

	s.HelperTasks, err = newHelperTasksFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Scaling != nil {
		s.Scaling, err = scaling.NewScalableTarget(cfg.Cluster, cfg.Name, cfg.Scaling)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ServiceDiscovery != nil {
		s.Discovery = discovery.NewRecord(cfg.ServiceDiscovery)
	}
	return s, nil
}

func newServiceFromAWS(data *awsecs.Service, tags []*awsecs.Tag) *Service {
	s := &Service{
		Name:             aws.StringValue(data.ServiceName),
		ARN:              aws.StringValue(data.ServiceArn),
		Status:           aws.StringValue(data.Status),
		DesiredCount:     aws.Int64Value(data.DesiredCount),
		RunningCount:     aws.Int64Value(data.RunningCount),
		Deployments:      len(data.Deployments),
		TaskDefinitionID: aws.StringValue(data.TaskDefinition),
		LaunchType:       aws.StringValue(data.LaunchType),
		PlatformVersion:  aws.StringValue(data.PlatformVersion),
		Tags:             map[string]string{},
	}
	// clusterArn -> bare cluster name
	if arn := aws.StringValue(data.ClusterArn); arn != "" {
		parts := strings.Split(arn, "/")
		s.Cluster = parts[len(parts)-1]
	}
	if dc := data.DeploymentConfiguration; dc != nil {
		s.MaximumPercent = aws.Int64Value(dc.MaximumPercent)
		s.MinimumHealthyPercent = aws.Int64Value(dc.MinimumHealthyPercent)
	}
	for _, cp := range data.CapacityProviderStrategy {
		s.CapacityProviders = append(s.CapacityProviders, CapacityProvider{
			Provider: aws.StringValue(cp.CapacityProvider),
			Weight:   aws.Int64Value(cp.Weight),
			Base:     aws.Int64Value(cp.Base),
		})
	}
	for _, pc := range data.PlacementConstraints {
		s.PlacementConstraints = append(s.PlacementConstraints, PlacementConstraint{
			Type:       aws.StringValue(pc.Type),
			Expression: aws.StringValue(pc.Expression),
		})
	}
	for _, ps := range data.PlacementStrategy {
		s.PlacementStrategy = append(s.PlacementStrategy, PlacementStrategy{
			Type:  aws.StringValue(ps.Type),
			Field: aws.StringValue(ps.Field),
		})
	}
	for _, lb := range data.LoadBalancers {
		s.LoadBalancers = append(s.LoadBalancers, LoadBalancer{
			TargetGroupARN: aws.StringValue(lb.TargetGroupArn),
			ContainerName:  aws.StringValue(lb.ContainerName),
			ContainerPort:  aws.Int64Value(lb.ContainerPort),
		})
	}
	if nc := data.NetworkConfiguration; nc != nil && nc.AwsvpcConfiguration != nil {
		s.Subnets = aws.StringValueSlice(nc.AwsvpcConfiguration.Subnets)
		s.SecurityGroups = aws.StringValueSlice(nc.AwsvpcConfiguration.SecurityGroups)
		s.AssignPublicIP = aws.StringValue(nc.AwsvpcConfiguration.AssignPublicIp) == awsecs.AssignPublicIpEnabled
	}
	if len(data.ServiceRegistries) > 0 {
		s.RegistryARN = aws.StringValue(data.ServiceRegistries[0].RegistryArn)
	}
	for _, t := range tags {
		s.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return s
}

// PK is "<cluster>:<service>".
func (s *Service) PK() string { return s.Cluster + ":" + s.Name }

func (s *Service) networkConfiguration() *awsecs.NetworkConfiguration {
	if len(s.Subnets) == 0 {
		return nil
	}
	assign := awsecs.AssignPublicIpDisabled
	if s.AssignPublicIP {
		assign = awsecs.AssignPublicIpEnabled
	}
	return &awsecs.NetworkConfiguration{
		AwsvpcConfiguration: &awsecs.AwsVpcConfiguration{
			Subnets:        aws.StringSlice(s.Subnets),
			SecurityGroups: aws.StringSlice(s.SecurityGroups),
			AssignPublicIp: aws.String(assign),
		},
	}
}

func (s *Service) capacityProviderStrategy() []*awsecs.CapacityProviderStrategyItem {
	var items []*awsecs.CapacityProviderStrategyItem
	for _, cp := range s.CapacityProviders {
		items = append(items, &awsecs.CapacityProviderStrategyItem{
			CapacityProvider: aws.String(cp.Provider),
			Weight:           aws.Int64(cp.Weight),
			Base:             aws.Int64(cp.Base),
		})
	}
	return items
}

// RenderForCreate produces the CreateService wire payload.
func (s *Service) RenderForCreate() *awsecs.CreateServiceInput {
	in := &awsecs.CreateServiceInput{
		ServiceName:    aws.String(s.Name),
		Cluster:        aws.String(s.Cluster),
		DesiredCount:   aws.Int64(s.DesiredCount),
		TaskDefinition: aws.String(s.TaskDefinitionID),
		DeploymentConfiguration: &awsecs.DeploymentConfiguration{
			MaximumPercent:        aws.Int64(s.MaximumPercent),
			MinimumHealthyPercent: aws.Int64(s.MinimumHealthyPercent),
		},
	}
	if len(s.CapacityProviders) > 0 {
		in.CapacityProviderStrategy = s.capacityProviderStrategy()
	} else if s.LaunchType != "" {
		in.LaunchType = aws.String(s.LaunchType)
	}
	if s.PlatformVersion != "" {
		in.PlatformVersion = aws.String(s.PlatformVersion)
	}
	if nc := s.networkConfiguration(); nc != nil {
		in.NetworkConfiguration = nc
	}
	for _, lb := range s.LoadBalancers {
		in.LoadBalancers = append(in.LoadBalancers, &awsecs.LoadBalancer{
			TargetGroupArn: aws.String(lb.TargetGroupARN),
			ContainerName:  aws.String(lb.ContainerName),
			ContainerPort:  aws.Int64(lb.ContainerPort),
		})
	}
	for _, pc := range s.PlacementConstraints {
		c := &awsecs.PlacementConstraint{Type: aws.String(pc.Type)}
		if pc.Expression != "" {
			c.Expression = aws.String(pc.Expression)
		}
		in.PlacementConstraints = append(in.PlacementConstraints, c)
	}
	for _, ps := range s.PlacementStrategy {
		p := &awsecs.PlacementStrategy{Type: aws.String(ps.Type)}
		if ps.Field != "" {
			p.Field = aws.String(ps.Field)
		}
		in.PlacementStrategy = append(in.PlacementStrategy, p)
	}
	if s.RegistryARN != "" {
		in.ServiceRegistries = []*awsecs.ServiceRegistry{{RegistryArn: aws.String(s.RegistryARN)}}
	}
	for _, k := range sortedKeys(s.Tags) {
		in.Tags = append(in.Tags, &awsecs.Tag{Key: aws.String(k), Value: aws.String(s.Tags[k])})
	}
	return in
}

// RenderForUpdate produces the UpdateService wire payload. Desired count is
// deliberately excluded so a re-deploy never clobbers live autoscaled
// capacity.
func (s *Service) RenderForUpdate() *awsecs.UpdateServiceInput {
	in := &awsecs.UpdateServiceInput{
		Service:        aws.String(s.Name),
		Cluster:        aws.String(s.Cluster),
		TaskDefinition: aws.String(s.TaskDefinitionID),
		DeploymentConfiguration: &awsecs.DeploymentConfiguration{
			MaximumPercent:        aws.Int64(s.MaximumPercent),
			MinimumHealthyPercent: aws.Int64(s.MinimumHealthyPercent),
		},
	}
	if len(s.CapacityProviders) > 0 {
		in.CapacityProviderStrategy = s.capacityProviderStrategy()
	}
	if s.PlatformVersion != "" {
		in.PlatformVersion = aws.String(s.PlatformVersion)
	}
	if nc := s.networkConfiguration(); nc != nil {
		in.NetworkConfiguration = nc
	}
	for _, pc := range s.PlacementConstraints {
		c := &awsecs.PlacementConstraint{Type: aws.String(pc.Type)}
		if pc.Expression != "" {
			c.Expression = aws.String(pc.Expression)
		}
		in.PlacementConstraints = append(in.PlacementConstraints, c)
	}
	for _, ps := range s.PlacementStrategy {
		p := &awsecs.PlacementStrategy{Type: aws.String(ps.Type)}
		if ps.Field != "" {
			p.Field = aws.String(ps.Field)
		}
		in.PlacementStrategy = append(in.PlacementStrategy, p)
	}
	return in
}

// hasFargateProvider reports whether a capacity provider strategy runs on
// Fargate capacity.
func hasFargateProvider(providers []CapacityProvider) bool {
	for _, cp := range providers {
		if cp.Provider == "FARGATE" || cp.Provider == "FARGATE_SPOT" {
			return true
		}
	}
	return false
}

// ServiceDiff is the comparison projection for the service's own fields.
// Desired count is excluded (autoscaling owns it live); the task definition
// is compared by family:revision identity, with content changes surfacing
// through the task definition's own diff before registration.
type ServiceDiff struct {
	Cluster               string
	Name                  string
	TaskDefinitionID      string
	LaunchType            string
	PlatformVersion       string
	CapacityProviders     []CapacityProvider
	PlacementConstraints  []PlacementConstraint
	PlacementStrategy     []PlacementStrategy
	MaximumPercent        int64
	MinimumHealthyPercent int64
	LoadBalancers         []LoadBalancer
	Subnets               []string
	SecurityGroups        []string
	AssignPublicIP        bool
	RegistryARN           string
}

func (s *Service) renderServiceDiff() *ServiceDiff {
	d := &ServiceDiff{
		Cluster:               s.Cluster,
		Name:                  s.Name,
		TaskDefinitionID:      familyRevisionFromID(s.TaskDefinitionID),
		LaunchType:            s.LaunchType,
		PlatformVersion:       s.PlatformVersion,
		CapacityProviders:     append([]CapacityProvider{}, s.CapacityProviders...),
		PlacementConstraints:  append([]PlacementConstraint{}, s.PlacementConstraints...),
		PlacementStrategy:     append([]PlacementStrategy{}, s.PlacementStrategy...),
		MaximumPercent:        s.MaximumPercent,
		MinimumHealthyPercent: s.MinimumHealthyPercent,
		LoadBalancers:         append([]LoadBalancer{}, s.LoadBalancers...),
		Subnets:               append([]string{}, s.Subnets...),
		SecurityGroups:        append([]string{}, s.SecurityGroups...),
		AssignPublicIP:        s.AssignPublicIP,
		RegistryARN:           s.RegistryARN,
	}
	sort.Strings(d.Subnets)
	sort.Strings(d.SecurityGroups)
	return d
}

// CompositeDiff is the full projection including owned sub-entities, used by
// the diff and display operations on the compound service.
type CompositeDiff struct {
	Service        *ServiceDiff
	TaskDefinition any
	Scaling        any
	Discovery      any
	HelperTasks    map[string]any
}

func (s *Service) RenderForDiff() any {
	d := &CompositeDiff{Service: s.renderServiceDiff()}
	if s.TaskDefinition != nil {
		d.TaskDefinition = s.TaskDefinition.RenderForDiff()
	}
	if s.Scaling != nil {
		d.Scaling = s.Scaling.RenderForDiff()
	}
	if s.Discovery != nil {
		d.Discovery = s.Discovery.RenderForDiff()
	}
	if len(s.HelperTasks) > 0 {
		d.HelperTasks = map[string]any{}
		for _, h := range s.HelperTasks {
			d.HelperTasks[h.Name] = h.TaskDefinition.RenderForDiff()
		}
	}
	return d
}

func (s *Service) RenderForDisplay() string { return utter.Sdump(s.RenderForDiff()) }

// Diff compares the full desired state against another (usually live)
// service. A nil other means the service does not exist.
func (s *Service) Diff(other *Service) *core.Report {
	var live any
	if other != nil {
		live = other.RenderForDiff()
	}
	return core.Diff(s.RenderForDiff(), live)
}

// familyRevisionFromID normalizes a task definition reference (bare
// family:revision or full ARN) to family:revision for comparison.
func familyRevisionFromID(id string) string {
	if idx := strings.LastIndexByte(id, '/'); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// ServiceGateway persists ECS services.
type ServiceGateway struct {
	api    ecsiface.ECSAPI
	logger *slog.Logger
}

var (
	_ core.Diffable          = (*Service)(nil)
	_ core.Gateway[*Service] = (*ServiceGateway)(nil)
)

func NewServiceGateway(api ecsiface.ECSAPI) *ServiceGateway {
	return &ServiceGateway{api: api, logger: slog.With("component", "services")}
}

func splitServicePK(pk string) (cluster, service string, err error) {
	cluster, service, ok := strings.Cut(pk, ":")
	if !ok {
		return "", "", &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("service id %q must look like <cluster>:<service>", pk)}
	}
	return cluster, service, nil
}

// Get fetches a service by "<cluster>:<service>". An INACTIVE service is
// treated as absent: the platform keeps deleted services describable for a
// while.
func (g *ServiceGateway) Get(ctx context.Context, pk string) (*Service, error) {
	cluster, name, err := splitServicePK(pk)
	if err != nil {
		return nil, err
	}
	out, err := g.api.DescribeServicesWithContext(ctx, &awsecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: aws.StringSlice([]string{name}),
		Include:  aws.StringSlice([]string{"TAGS"}),
	})
	if err != nil {
		var cnf *awsecs.ClusterNotFoundException
		if errors.As(err, &cnf) {
			return nil, &core.ErrDoesNotExist{Kind: "cluster", PK: cluster}
		}
		return nil, fmt.Errorf("describe services: %w", err)
	}
	if out == nil || len(out.Services) == 0 || aws.StringValue(out.Services[0].Status) == "INACTIVE" {
		return nil, &core.ErrDoesNotExist{Kind: "service", PK: pk}
	}
	return newServiceFromAWS(out.Services[0], out.Services[0].Tags), nil
}

func (g *ServiceGateway) Exists(ctx context.Context, pk string) (bool, error) {
	_, err := g.Get(ctx, pk)
	return core.ExistsFromErr(err)
}

func (g *ServiceGateway) Create(ctx context.Context, s *Service) error {
	out, err := g.api.CreateServiceWithContext(ctx, s.RenderForCreate())
	if err != nil {
		return fmt.Errorf("create service %s: %w", s.PK(), err)
	}
	if out != nil && out.Service != nil {
		s.ARN = aws.StringValue(out.Service.ServiceArn)
	}
	g.logger.Info("created service", "service", s.PK(), "task_definition", s.TaskDefinitionID)
	return nil
}

func (g *ServiceGateway) Update(ctx context.Context, s *Service) error {
	if _, err := g.api.UpdateServiceWithContext(ctx, s.RenderForUpdate()); err != nil {
		return fmt.Errorf("update service %s: %w", s.PK(), err)
	}
	g.logger.Info("updated service", "service", s.PK(), "task_definition", s.TaskDefinitionID)
	return nil
}

// Save creates the service when absent, updates it otherwise.
func (g *ServiceGateway) Save(ctx context.Context, s *Service) error {
	exists, err := g.Exists(ctx, s.PK())
	if err != nil {
		return err
	}
	if exists {
		return g.Update(ctx, s)
	}
	return g.Create(ctx, s)
}

// Scale sets only the desired count, leaving every other field untouched.
func (g *ServiceGateway) Scale(ctx context.Context, s *Service, count int64) error {
	_, err := g.api.UpdateServiceWithContext(ctx, &awsecs.UpdateServiceInput{
		Cluster:      aws.String(s.Cluster),
		Service:      aws.String(s.Name),
		DesiredCount: aws.Int64(count),
	})
	if err != nil {
		return fmt.Errorf("scale service %s to %d: %w", s.PK(), count, err)
	}
	g.logger.Info("scaled service", "service", s.PK(), "count", count)
	return nil
}

// Delete removes the service. Deleting an absent service is not an error.
func (g *ServiceGateway) Delete(ctx context.Context, s *Service) error {
	_, err := g.api.DeleteServiceWithContext(ctx, &awsecs.DeleteServiceInput{
		Cluster: aws.String(s.Cluster),
		Service: aws.String(s.Name),
	})
	if err != nil {
		var snf *awsecs.ServiceNotFoundException
		var cnf *awsecs.ClusterNotFoundException
		if errors.As(err, &snf) || errors.As(err, &cnf) {
			return nil
		}
		return fmt.Errorf("delete service %s: %w", s.PK(), err)
	}
	g.logger.Info("deleted service", "service", s.PK())
	return nil
}

// WaitUntilStable polls until the service has a single deployment whose
// running count matches the desired count, or the timeout elapses.
func (g *ServiceGateway) WaitUntilStable(ctx context.Context, pk string, interval, timeout time.Duration) error {
	logger := g.logger.With("service", pk)
	return core.WaitUntil(ctx, logger, "service is stable", func(ctx context.Context) (bool, error) {
		live, err := g.Get(ctx, pk)
		if err != nil {
			return false, err
		}
		logger.Debug("checked service state",
			"deployments", live.Deployments, "desired", live.DesiredCount, "running", live.RunningCount)
		return live.Deployments == 1 && live.RunningCount == live.DesiredCount, nil
	}, interval, timeout)
}

// WaitUntilDrained polls until no tasks remain running, or the timeout
// elapses. Used before deleting a service that was scaled to zero.
func (g *ServiceGateway) WaitUntilDrained(ctx context.Context, pk string, interval, timeout time.Duration) error {
	logger := g.logger.With("service", pk)
	return core.WaitUntil(ctx, logger, "service is drained", func(ctx context.Context) (bool, error) {
		live, err := g.Get(ctx, pk)
		if core.IsDoesNotExist(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		logger.Debug("checked service state", "running", live.RunningCount)
		return live.RunningCount == 0, nil
	}, interval, timeout)
}
