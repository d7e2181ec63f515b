package ecs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
	"github.com/halyard-run/halyard/schedule"
)

// StandaloneTask is a task definition deployed on its own, outside any
// service: run ad hoc with Run, or on a schedule. The run parameters travel
// with the task definition in its tag namespace, so a later invocation can
// reconstruct them from AWS alone.
type StandaloneTask struct {
	Name            string
	Cluster         string
	ScheduleRoleARN string
	Params          *RunParams
	TaskDefinition  *TaskDefinition
}

func NewStandaloneTaskFromConfig(cfg *config.StandaloneTask) (*StandaloneTask, error) {
	fargate := cfg.LaunchType == "FARGATE"
	td, err := newTaskDefinition(taskDefinitionSpec{
		Family:           cfg.Name,
		NetworkMode:      cfg.NetworkMode,
		CPU:              cfg.CPU,
		Memory:           cfg.Memory,
		TaskRoleARN:      cfg.TaskRoleARN,
		ExecutionRoleARN: cfg.ExecutionRoleARN,
		Fargate:          fargate,
		Containers:       cfg.Containers,
		Volumes:          cfg.Volumes,
	})
	if err != nil {
		return nil, err
	}

	params := &RunParams{
		Cluster:    cfg.Cluster,
		Count:      cfg.Count,
		Group:      cfg.Group,
		LaunchType: cfg.LaunchType,
		Schedule:   cfg.Schedule,
	}
	if params.Count == 0 {
		params.Count = 1
	}
	for _, cp := range cfg.CapacityProviders {
		params.CapacityProviders = append(params.CapacityProviders, CapacityProvider{
			Provider: cp.Provider, Weight: cp.Weight, Base: cp.Base,
		})
	}
	if len(params.CapacityProviders) > 0 {
		params.LaunchType = ""
	}
	for _, ps := range cfg.PlacementStrategy {
		params.PlacementStrategy = append(params.PlacementStrategy, PlacementStrategy{Type: ps.Type, Field: ps.Field})
	}
	if cfg.VPC != nil {
		params.Subnets = append([]string(nil), cfg.VPC.Subnets...)
		params.SecurityGroups = append([]string(nil), cfg.VPC.SecurityGroups...)
		params.AssignPublicIP = cfg.VPC.AssignPublicIP
	}
	if fargate {
		params.PlatformVersion = cfg.PlatformVersion
		if params.PlatformVersion == "" {
			params.PlatformVersion = "LATEST"
		}
	}

	tags, err := params.EncodeTags()
	if err != nil {
		return nil, err
	}
	if td.Tags == nil {
		td.Tags = map[string]string{}
	}
	for k, v := range tags {
		td.Tags[k] = v
	}

	return &StandaloneTask{
		Name:            cfg.Name,
		Cluster:         cfg.Cluster,
		ScheduleRoleARN: cfg.ScheduleRoleARN,
		Params:          params,
		TaskDefinition:  td,
	}, nil
}

// NewStandaloneTaskFromAWS rebuilds a deployed task from its latest task
// definition revision, recovering the run parameters from its tags.
func NewStandaloneTaskFromAWS(td *TaskDefinition) (*StandaloneTask, error) {
	params, err := DecodeRunParams(td.Tags)
	if err != nil {
		return nil, err
	}
	return &StandaloneTask{
		Name:           td.Family,
		Cluster:        params.Cluster,
		Params:         params,
		TaskDefinition: td,
	}, nil
}

func (t *StandaloneTask) PK() string { return t.Name }

func (t *StandaloneTask) RenderForDisplay() string { return t.TaskDefinition.RenderForDisplay() }

// SaveTask registers the task definition if it differs from the latest live
// revision and reconciles the schedule rule.
func (o *Orchestrator) SaveTask(ctx context.Context, t *StandaloneTask) error {
	latest, err := o.TaskDefinitions.Get(ctx, t.TaskDefinition.Family)
	if err != nil && !core.IsDoesNotExist(err) {
		return err
	}
	if latest == nil || !t.TaskDefinition.Diff(latest).Empty() {
		if err := o.TaskDefinitions.Save(ctx, t.TaskDefinition); err != nil {
			return err
		}
	} else {
		t.TaskDefinition = latest
	}
	return o.reconcileTaskSchedule(ctx, t)
}

func (o *Orchestrator) reconcileTaskSchedule(ctx context.Context, t *StandaloneTask) error {
	name := schedule.RuleName(t.TaskDefinition.Family)
	if t.Params == nil || t.Params.Schedule == "" {
		return o.Schedules.Delete(ctx, &schedule.Rule{Name: name})
	}
	if t.ScheduleRoleARN == "" {
		return &core.ErrImproperlyConfigured{
			Msg: fmt.Sprintf("task %q has a schedule but no schedule_role", t.Name),
		}
	}
	cluster, err := o.Clusters.Get(ctx, t.Cluster)
	if err != nil {
		return err
	}
	rule := &schedule.Rule{
		Name:              name,
		Expression:        t.Params.Schedule,
		ClusterARN:        cluster.ARN,
		TaskDefinitionARN: t.TaskDefinition.ARN,
		RoleARN:           t.ScheduleRoleARN,
		Count:             t.Params.Count,
		LaunchType:        t.Params.LaunchType,
		Subnets:           t.Params.Subnets,
		SecurityGroups:    t.Params.SecurityGroups,
		AssignPublicIP:    t.Params.AssignPublicIP,
	}
	liveRule, err := o.Schedules.Get(ctx, name)
	if err != nil && !core.IsDoesNotExist(err) {
		return err
	}
	if liveRule != nil && core.Diff(rule.RenderForDiff(), liveRule.RenderForDiff()).Empty() {
		return nil
	}
	return o.Schedules.Save(ctx, rule)
}

// DeleteTask removes the schedule rule. Task definition revisions are
// append-only and stay behind.
func (o *Orchestrator) DeleteTask(ctx context.Context, t *StandaloneTask) error {
	return o.Schedules.Delete(ctx, &schedule.Rule{Name: schedule.RuleName(t.TaskDefinition.Family)})
}

// DiffTask compares the rendered task definition against the latest live
// revision.
func (o *Orchestrator) DiffTask(ctx context.Context, t *StandaloneTask) (*core.Report, error) {
	latest, err := o.TaskDefinitions.Get(ctx, t.TaskDefinition.Family)
	if err != nil && !core.IsDoesNotExist(err) {
		return nil, err
	}
	return t.TaskDefinition.Diff(latest), nil
}

// TaskRunner launches one-off task runs.
type TaskRunner struct {
	api    ecsiface.ECSAPI
	logger *slog.Logger
}

func NewTaskRunner(api ecsiface.ECSAPI) *TaskRunner {
	return &TaskRunner{api: api, logger: slog.With("component", "runner")}
}

// Run starts the task with its recorded run parameters. When wait is
// non-zero, Run polls until every launched task has stopped or the wait
// elapses, and reports a non-zero container exit as ErrOperationFailed.
func (r *TaskRunner) Run(ctx context.Context, t *StandaloneTask, wait time.Duration) error {
	p := t.Params
	in := &awsecs.RunTaskInput{
		Cluster:        aws.String(p.Cluster),
		TaskDefinition: aws.String(t.TaskDefinition.FamilyRevision()),
		Count:          aws.Int64(p.Count),
	}
	if p.Group != "" {
		in.Group = aws.String(p.Group)
	}
	if len(p.CapacityProviders) > 0 {
		for _, cp := range p.CapacityProviders {
			in.CapacityProviderStrategy = append(in.CapacityProviderStrategy, &awsecs.CapacityProviderStrategyItem{
				CapacityProvider: aws.String(cp.Provider),
				Weight:           aws.Int64(cp.Weight),
				Base:             aws.Int64(cp.Base),
			})
		}
	} else if p.LaunchType != "" {
		in.LaunchType = aws.String(p.LaunchType)
	}
	if p.PlatformVersion != "" {
		in.PlatformVersion = aws.String(p.PlatformVersion)
	}
	if len(p.Subnets) > 0 {
		assign := awsecs.AssignPublicIpDisabled
		if p.AssignPublicIP {
			assign = awsecs.AssignPublicIpEnabled
		}
		in.NetworkConfiguration = &awsecs.NetworkConfiguration{
			AwsvpcConfiguration: &awsecs.AwsVpcConfiguration{
				Subnets:        aws.StringSlice(p.Subnets),
				SecurityGroups: aws.StringSlice(p.SecurityGroups),
				AssignPublicIp: aws.String(assign),
			},
		}
	}
	for _, pc := range p.PlacementConstraints {
		c := &awsecs.PlacementConstraint{Type: aws.String(pc.Type)}
		if pc.Expression != "" {
			c.Expression = aws.String(pc.Expression)
		}
		in.PlacementConstraints = append(in.PlacementConstraints, c)
	}
	for _, ps := range p.PlacementStrategy {
		s := &awsecs.PlacementStrategy{Type: aws.String(ps.Type)}
		if ps.Field != "" {
			s.Field = aws.String(ps.Field)
		}
		in.PlacementStrategy = append(in.PlacementStrategy, s)
	}
	if p.Command != "" {
		if c := t.TaskDefinition.FirstContainer(); c != nil {
			in.Overrides = &awsecs.TaskOverride{
				ContainerOverrides: []*awsecs.ContainerOverride{{
					Name:    aws.String(c.Name),
					Command: aws.StringSlice(strings.Fields(p.Command)),
				}},
			}
		}
	}

	out, err := r.api.RunTaskWithContext(ctx, in)
	if err != nil {
		return fmt.Errorf("run task %s: %w", t.Name, err)
	}
	var arns []string
	for _, task := range out.Tasks {
		arns = append(arns, aws.StringValue(task.TaskArn))
	}
	for _, f := range out.Failures {
		return &core.ErrOperationFailed{
			Op:  "run task " + t.Name,
			Err: fmt.Errorf("%s: %s", aws.StringValue(f.Arn), aws.StringValue(f.Reason)),
		}
	}
	r.logger.Info("started task", "task", t.Name, "count", len(arns))
	if wait == 0 || len(arns) == 0 {
		return nil
	}
	return r.waitUntilStopped(ctx, p.Cluster, t.Name, arns, wait)
}

func (r *TaskRunner) waitUntilStopped(ctx context.Context, cluster, name string, arns []string, timeout time.Duration) error {
	logger := r.logger.With("task", name)
	var exitErr error
	err := core.WaitUntil(ctx, logger, "task has stopped", func(ctx context.Context) (bool, error) {
		out, err := r.api.DescribeTasksWithContext(ctx, &awsecs.DescribeTasksInput{
			Cluster: aws.String(cluster),
			Tasks:   aws.StringSlice(arns),
		})
		if err != nil {
			return false, fmt.Errorf("describe tasks: %w", err)
		}
		for _, task := range out.Tasks {
			if aws.StringValue(task.LastStatus) != "STOPPED" {
				return false, nil
			}
		}
		for _, task := range out.Tasks {
			for _, c := range task.Containers {
				if code := aws.Int64Value(c.ExitCode); code != 0 {
					exitErr = &core.ErrOperationFailed{
						Op:  "run task " + name,
						Err: fmt.Errorf("container %s exited with code %d", aws.StringValue(c.Name), code),
					}
				}
			}
		}
		return true, nil
	}, 6*time.Second, timeout)
	if err != nil {
		return err
	}
	return exitErr
}
