// Package schedule implements the cloudwatch events rule that runs a task
// definition on a cron or rate expression. Standalone and helper tasks with
// a schedule own one rule each; the rule's single target launches the task.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	events "github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	"github.com/kortschak/utter"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/core"
)

const targetID = "halyard"

// Rule is one scheduled task launch: a rule with a schedule expression and
// a single ECS task target.
type Rule struct {
	Name              string
	Expression        string
	ClusterARN        string
	TaskDefinitionARN string
	RoleARN           string
	Count             int64
	LaunchType        string
	Subnets           []string
	SecurityGroups    []string
	AssignPublicIP    bool
}

// RuleName derives the schedule rule name for a task definition family.
func RuleName(family string) string { return "halyard-" + family }

func (r *Rule) PK() string { return r.Name }

type RuleDiff struct {
	Name              string
	Expression        string
	TaskDefinitionARN string
	Count             int64
	LaunchType        string
}

func (r *Rule) RenderForDiff() any {
	return RuleDiff{
		Name:              r.Name,
		Expression:        r.Expression,
		TaskDefinitionARN: r.TaskDefinitionARN,
		Count:             r.Count,
		LaunchType:        r.LaunchType,
	}
}

func (r *Rule) RenderForDisplay() string { return utter.Sdump(r.RenderForDiff()) }

func (r *Rule) renderTarget() *events.Target {
	count := r.Count
	if count == 0 {
		count = 1
	}
	t := &events.Target{
		Id:      aws.String(targetID),
		Arn:     aws.String(r.ClusterARN),
		RoleArn: aws.String(r.RoleARN),
		EcsParameters: &events.EcsParameters{
			TaskDefinitionArn: aws.String(r.TaskDefinitionARN),
			TaskCount:         aws.Int64(count),
		},
	}
	if r.LaunchType != "" {
		t.EcsParameters.LaunchType = aws.String(r.LaunchType)
	}
	if len(r.Subnets) > 0 {
		assign := events.AssignPublicIpDisabled
		if r.AssignPublicIP {
			assign = events.AssignPublicIpEnabled
		}
		t.EcsParameters.NetworkConfiguration = &events.NetworkConfiguration{
			AwsvpcConfiguration: &events.AwsVpcConfiguration{
				Subnets:        aws.StringSlice(r.Subnets),
				SecurityGroups: aws.StringSlice(r.SecurityGroups),
				AssignPublicIp: aws.String(assign),
			},
		}
	}
	return t
}

// Gateway persists schedule rules.
type Gateway struct {
	api    cloudwatcheventsiface.CloudWatchEventsAPI
	logger *slog.Logger
}

var (
	_ core.Diffable       = (*Rule)(nil)
	_ core.Gateway[*Rule] = (*Gateway)(nil)
)

func NewGateway(api cloudwatcheventsiface.CloudWatchEventsAPI) *Gateway {
	return &Gateway{api: api, logger: slog.With("component", "schedules")}
}

func (g *Gateway) Get(ctx context.Context, pk string) (*Rule, error) {
	out, err := g.api.DescribeRuleWithContext(ctx, &events.DescribeRuleInput{Name: aws.String(pk)})
	if err != nil {
		if isRuleNotFound(err) {
			return nil, &core.ErrDoesNotExist{Kind: "schedule rule", PK: pk}
		}
		return nil, fmt.Errorf("describe rule: %w", err)
	}
	r := &Rule{
		Name:       aws.StringValue(out.Name),
		Expression: aws.StringValue(out.ScheduleExpression),
	}
	targets, err := g.api.ListTargetsByRuleWithContext(ctx, &events.ListTargetsByRuleInput{Rule: aws.String(pk)})
	if err != nil {
		return nil, fmt.Errorf("list targets by rule: %w", err)
	}
	for _, t := range targets.Targets {
		if aws.StringValue(t.Id) != targetID {
			continue
		}
		r.ClusterARN = aws.StringValue(t.Arn)
		r.RoleARN = aws.StringValue(t.RoleArn)
		if t.EcsParameters != nil {
			r.TaskDefinitionARN = aws.StringValue(t.EcsParameters.TaskDefinitionArn)
			r.Count = aws.Int64Value(t.EcsParameters.TaskCount)
			r.LaunchType = aws.StringValue(t.EcsParameters.LaunchType)
			if nc := t.EcsParameters.NetworkConfiguration; nc != nil && nc.AwsvpcConfiguration != nil {
				r.Subnets = aws.StringValueSlice(nc.AwsvpcConfiguration.Subnets)
				r.SecurityGroups = aws.StringValueSlice(nc.AwsvpcConfiguration.SecurityGroups)
				r.AssignPublicIP = aws.StringValue(nc.AwsvpcConfiguration.AssignPublicIp) == events.AssignPublicIpEnabled
			}
		}
	}
	return r, nil
}

func (g *Gateway) Exists(ctx context.Context, pk string) (bool, error) {
	_, err := g.Get(ctx, pk)
	return core.ExistsFromErr(err)
}

// Save puts the rule and its task target. A scheduled task without a target
// role cannot launch anything, so that is rejected up front.
func (g *Gateway) Save(ctx context.Context, r *Rule) error {
	if r.RoleARN == "" {
		return &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("schedule rule %s has no role to launch tasks with", r.Name)}
	}
	if r.TaskDefinitionARN == "" {
		return &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("schedule rule %s has no task definition to launch", r.Name)}
	}
	_, err := g.api.PutRuleWithContext(ctx, &events.PutRuleInput{
		Name:               aws.String(r.Name),
		ScheduleExpression: aws.String(r.Expression),
		State:              aws.String(events.RuleStateEnabled),
	})
	if err != nil {
		return fmt.Errorf("put rule %s: %w", r.Name, err)
	}
	_, err = g.api.PutTargetsWithContext(ctx, &events.PutTargetsInput{
		Rule:    aws.String(r.Name),
		Targets: []*events.Target{r.renderTarget()},
	})
	if err != nil {
		return fmt.Errorf("put targets for rule %s: %w", r.Name, err)
	}
	g.logger.Info("scheduled task", "rule", r.Name, "expression", r.Expression)
	return nil
}

// Delete removes the rule's targets and then the rule. Absent rules are not
// an error.
func (g *Gateway) Delete(ctx context.Context, r *Rule) error {
	_, err := g.api.RemoveTargetsWithContext(ctx, &events.RemoveTargetsInput{
		Rule: aws.String(r.Name),
		Ids:  aws.StringSlice([]string{targetID}),
	})
	if err != nil && !isRuleNotFound(err) {
		return fmt.Errorf("remove targets for rule %s: %w", r.Name, err)
	}
	_, err = g.api.DeleteRuleWithContext(ctx, &events.DeleteRuleInput{Name: aws.String(r.Name)})
	if err != nil && !isRuleNotFound(err) {
		return fmt.Errorf("delete rule %s: %w", r.Name, err)
	}
	g.logger.Info("unscheduled task", "rule", r.Name)
	return nil
}

func isRuleNotFound(err error) bool {
	var nf *events.ResourceNotFoundException
	return errors.As(err, &nf)
}
