// Package ecs implements the entities and gateways for the ECS resources
// halyard reconciles: task definitions, services and their helper tasks,
// plus the run-parameter tag codec and the FARGATE capacity planner.
package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/kortschak/utter"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
)

type Volume struct {
	Name     string
	HostPath string
}

// TaskDefinition is an immutable, versioned description of the containers
// that run together for one task. A revision read from AWS carries Revision,
// ARN and Status; one built from the deploy spec has none of those until it
// is registered. Registering always creates a new revision, matching the
// platform's revisions-are-immutable semantics.
type TaskDefinition struct {
	Family           string
	Revision         int64
	ARN              string
	Status           string
	NetworkMode      string
	CPU              string
	Memory           string
	TaskRoleARN      string
	ExecutionRoleARN string
	Fargate          bool
	Volumes          []Volume
	Containers       []*ContainerDefinition
	Tags             map[string]string
}

type taskDefinitionSpec struct {
	Family           string
	NetworkMode      string
	CPU              int64
	Memory           int64
	TaskRoleARN      string
	ExecutionRoleARN string
	Fargate          bool
	Containers       []config.Container
	Volumes          []config.Volume
	Tags             map[string]string
}

func newTaskDefinition(spec taskDefinitionSpec) (*TaskDefinition, error) {
	td := &TaskDefinition{
		Family:           spec.Family,
		NetworkMode:      spec.NetworkMode,
		TaskRoleARN:      spec.TaskRoleARN,
		ExecutionRoleARN: spec.ExecutionRoleARN,
		Fargate:          spec.Fargate,
		Tags:             copyMap(spec.Tags),
	}
	if td.NetworkMode == "" {
		td.NetworkMode = "bridge"
		if td.Fargate {
			td.NetworkMode = "awsvpc"
		}
	}
	for i := range spec.Containers {
		c, err := newContainerFromConfig(&spec.Containers[i])
		if err != nil {
			return nil, err
		}
		td.Containers = append(td.Containers, c)
	}
	for _, v := range spec.Volumes {
		td.Volumes = append(td.Volumes, Volume{Name: v.Name, HostPath: v.Path})
	}

	cpu, err := TaskCPU(spec.CPU, ContainerCPURequired(td.Containers), td.Fargate)
	if err != nil {
		return nil, fmt.Errorf("task definition %s: %w", td.Family, err)
	}
	td.CPU = cpu
	mem, err := TaskMemory(spec.Memory, cpu, ContainerMemoryRequired(td.Containers), td.Fargate)
	if err != nil {
		return nil, fmt.Errorf("task definition %s: %w", td.Family, err)
	}
	td.Memory = mem
	return td, nil
}

func newTaskDefinitionFromAWS(data *awsecs.TaskDefinition, tags []*awsecs.Tag) *TaskDefinition {
	td := &TaskDefinition{
		Family:           aws.StringValue(data.Family),
		Revision:         aws.Int64Value(data.Revision),
		ARN:              aws.StringValue(data.TaskDefinitionArn),
		Status:           aws.StringValue(data.Status),
		NetworkMode:      aws.StringValue(data.NetworkMode),
		CPU:              aws.StringValue(data.Cpu),
		Memory:           aws.StringValue(data.Memory),
		TaskRoleARN:      aws.StringValue(data.TaskRoleArn),
		ExecutionRoleARN: aws.StringValue(data.ExecutionRoleArn),
		Tags:             map[string]string{},
	}
	for _, c := range aws.StringValueSlice(data.RequiresCompatibilities) {
		if c == awsecs.CompatibilityFargate {
			td.Fargate = true
		}
	}
	for _, v := range data.Volumes {
		vol := Volume{Name: aws.StringValue(v.Name)}
		if v.Host != nil {
			vol.HostPath = aws.StringValue(v.Host.SourcePath)
		}
		td.Volumes = append(td.Volumes, vol)
	}
	for _, c := range data.ContainerDefinitions {
		td.Containers = append(td.Containers, newContainerFromAWS(c))
	}
	for _, t := range tags {
		td.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return td
}

// PK is "<family>:<revision>" once the revision is known, else the bare
// family, which the platform resolves to the latest active revision.
func (td *TaskDefinition) PK() string {
	if td.Revision > 0 {
		return td.Family + ":" + strconv.FormatInt(td.Revision, 10)
	}
	return td.Family
}

// FamilyRevision is the "<family>:<revision>" identity of a registered
// revision, recorded as helper task labels and service task definitions.
func (td *TaskDefinition) FamilyRevision() string {
	return td.Family + ":" + strconv.FormatInt(td.Revision, 10)
}

// FirstContainer is where cross-resource bookkeeping lives: helper task
// labels are stored on it, and run-parameter tags describe its task.
func (td *TaskDefinition) FirstContainer() *ContainerDefinition {
	if len(td.Containers) == 0 {
		return nil
	}
	return td.Containers[0]
}

// RenderForCreate produces the RegisterTaskDefinition wire payload.
func (td *TaskDefinition) RenderForCreate() *awsecs.RegisterTaskDefinitionInput {
	in := &awsecs.RegisterTaskDefinitionInput{
		Family:      aws.String(td.Family),
		NetworkMode: aws.String(td.NetworkMode),
	}
	if td.CPU != "" {
		in.Cpu = aws.String(td.CPU)
	}
	if td.Memory != "" {
		in.Memory = aws.String(td.Memory)
	}
	if td.TaskRoleARN != "" {
		in.TaskRoleArn = aws.String(td.TaskRoleARN)
	}
	if td.ExecutionRoleARN != "" {
		in.ExecutionRoleArn = aws.String(td.ExecutionRoleARN)
	}
	if td.Fargate {
		in.RequiresCompatibilities = aws.StringSlice([]string{awsecs.CompatibilityFargate})
	} else {
		in.RequiresCompatibilities = aws.StringSlice([]string{awsecs.CompatibilityEc2})
	}
	for _, v := range td.Volumes {
		vol := &awsecs.Volume{Name: aws.String(v.Name)}
		if v.HostPath != "" {
			vol.Host = &awsecs.HostVolumeProperties{SourcePath: aws.String(v.HostPath)}
		}
		in.Volumes = append(in.Volumes, vol)
	}
	for _, c := range td.Containers {
		in.ContainerDefinitions = append(in.ContainerDefinitions, c.renderForRegister())
	}
	for _, k := range sortedKeys(td.Tags) {
		in.Tags = append(in.Tags, &awsecs.Tag{Key: aws.String(k), Value: aws.String(td.Tags[k])})
	}
	return in
}

// TaskDefinitionDiff is the projection used for comparison. Server populated
// fields (revision, ARN, status) are stripped; containers are sorted by name
// and carry normalized environment and secret maps, so a spec-origin and an
// AWS-origin revision with the same semantic content compare equal.
type TaskDefinitionDiff struct {
	Family           string
	NetworkMode      string
	CPU              string
	Memory           string
	TaskRoleARN      string
	ExecutionRoleARN string
	Fargate          bool
	Volumes          []Volume
	Containers       []*ContainerDefinition
	Tags             map[string]string
}

func (td *TaskDefinition) RenderForDiff() any {
	d := &TaskDefinitionDiff{
		Family:           td.Family,
		NetworkMode:      td.NetworkMode,
		CPU:              td.CPU,
		Memory:           td.Memory,
		TaskRoleARN:      td.TaskRoleARN,
		ExecutionRoleARN: td.ExecutionRoleARN,
		Fargate:          td.Fargate,
		Volumes:          append([]Volume{}, td.Volumes...),
		Tags:             normalizeMap(td.Tags),
	}
	for _, c := range td.Containers {
		d.Containers = append(d.Containers, c.renderForDiff())
	}
	sort.Slice(d.Containers, func(i, j int) bool { return d.Containers[i].Name < d.Containers[j].Name })
	return d
}

func (td *TaskDefinition) RenderForDisplay() string {
	return utter.Sdump(td.RenderForDiff())
}

// Diff compares this task definition against another revision, typically the
// latest live one. A nil other means no live revision exists.
func (td *TaskDefinition) Diff(other *TaskDefinition) *core.Report {
	var live any
	if other != nil {
		live = other.RenderForDiff()
	}
	return core.Diff(td.RenderForDiff(), live)
}

// TaskDefinitionGateway persists task definitions. Task definitions are
// append-only in AWS: Save registers a new revision and Delete refuses.
type TaskDefinitionGateway struct {
	api    ecsiface.ECSAPI
	logger *slog.Logger
}

var (
	_ core.Diffable                 = (*TaskDefinition)(nil)
	_ core.Gateway[*TaskDefinition] = (*TaskDefinitionGateway)(nil)
)

func NewTaskDefinitionGateway(api ecsiface.ECSAPI) *TaskDefinitionGateway {
	return &TaskDefinitionGateway{
		api:    api,
		logger: slog.With("component", "task-definitions"),
	}
}

// Get looks up a task definition by family, family:revision or ARN.
func (g *TaskDefinitionGateway) Get(ctx context.Context, pk string) (*TaskDefinition, error) {
	in := &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(pk),
		Include:        aws.StringSlice([]string{awsecs.TaskDefinitionFieldTags}),
	}
	out, err := g.api.DescribeTaskDefinitionWithContext(ctx, in)
	if err != nil {
		aerr := &awsecs.ClientException{}
		if errors.As(err, &aerr) && strings.Contains(aerr.Error(), "Unable to describe task definition") {
			return nil, &core.ErrDoesNotExist{Kind: "task definition", PK: pk}
		}
		return nil, fmt.Errorf("describe task definition: %w", err)
	}
	if out == nil || out.TaskDefinition == nil {
		return nil, &core.ErrDoesNotExist{Kind: "task definition", PK: pk}
	}
	td := newTaskDefinitionFromAWS(out.TaskDefinition, out.Tags)
	g.logger.Debug("fetched task definition", "arn", td.ARN, "revision", td.Revision)
	return td, nil
}

func (g *TaskDefinitionGateway) Exists(ctx context.Context, pk string) (bool, error) {
	_, err := g.Get(ctx, pk)
	return core.ExistsFromErr(err)
}

// List returns the ACTIVE revision ARNs for a family, oldest first.
func (g *TaskDefinitionGateway) List(ctx context.Context, family string) ([]string, error) {
	in := &awsecs.ListTaskDefinitionsInput{
		FamilyPrefix: aws.String(family),
		Sort:         aws.String("ASC"),
	}
	var arns []string
	err := g.api.ListTaskDefinitionsPagesWithContext(ctx, in, func(out *awsecs.ListTaskDefinitionsOutput, _ bool) bool {
		arns = append(arns, aws.StringValueSlice(out.TaskDefinitionArns)...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	return arns, nil
}

// Save registers a new revision and updates the entity with the identifiers
// the platform assigned.
func (g *TaskDefinitionGateway) Save(ctx context.Context, td *TaskDefinition) error {
	out, err := g.api.RegisterTaskDefinitionWithContext(ctx, td.RenderForCreate())
	if err != nil {
		return fmt.Errorf("register task definition %s: %w", td.Family, err)
	}
	if out == nil || out.TaskDefinition == nil || out.TaskDefinition.TaskDefinitionArn == nil {
		return &core.ErrOperationFailed{Op: "register task definition " + td.Family}
	}
	td.ARN = aws.StringValue(out.TaskDefinition.TaskDefinitionArn)
	td.Revision = aws.Int64Value(out.TaskDefinition.Revision)
	td.Status = aws.StringValue(out.TaskDefinition.Status)
	g.logger.Info("registered task definition", "family", td.Family, "revision", td.Revision)
	return nil
}

func (g *TaskDefinitionGateway) Delete(ctx context.Context, td *TaskDefinition) error {
	return &core.ErrReadOnly{Msg: "halyard will not delete existing task definitions"}
}
