// Package scaling implements the autoscaling entities attached to a
// service's desired count: a scalable target with up to two alarm-driven
// step scaling policies.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	aas "github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/kortschak/utter"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
)

const (
	serviceNamespace  = "ecs"
	scalableDimension = "ecs:service:DesiredCount"
)

// Alarm is the cloudwatch alarm driving one scaling policy. The platform
// orphans alarms when their scaling target is auto-deleted with the owning
// service, so alarms are always deleted explicitly and first.
type Alarm struct {
	Name               string
	ARN                string
	Cluster            string
	Service            string
	ComparisonOperator string
	Threshold          float64
	Period             int64
	EvaluationPeriods  int64
	PolicyARN          string
}

func (a *Alarm) PK() string { return a.Name }

func (a *Alarm) RenderForCreate() *cloudwatch.PutMetricAlarmInput {
	in := &cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(a.Name),
		AlarmDescription:   aws.String(fmt.Sprintf("scale %s:%s on service average CPU", a.Cluster, a.Service)),
		Namespace:          aws.String("AWS/ECS"),
		MetricName:         aws.String("CPUUtilization"),
		Statistic:          aws.String(cloudwatch.StatisticAverage),
		Unit:               aws.String(cloudwatch.StandardUnitPercent),
		ComparisonOperator: aws.String(a.ComparisonOperator),
		Threshold:          aws.Float64(a.Threshold),
		Period:             aws.Int64(a.Period),
		EvaluationPeriods:  aws.Int64(a.EvaluationPeriods),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("ClusterName"), Value: aws.String(a.Cluster)},
			{Name: aws.String("ServiceName"), Value: aws.String(a.Service)},
		},
	}
	if a.PolicyARN != "" {
		in.AlarmActions = aws.StringSlice([]string{a.PolicyARN})
	}
	return in
}

// AlarmDiff strips the ARN and the alarm action, which carries the policy
// ARN AWS assigned.
type AlarmDiff struct {
	Name               string
	ComparisonOperator string
	Threshold          float64
	Period             int64
	EvaluationPeriods  int64
}

func (a *Alarm) renderForDiff() AlarmDiff {
	return AlarmDiff{
		Name:               a.Name,
		ComparisonOperator: a.ComparisonOperator,
		Threshold:          a.Threshold,
		Period:             a.Period,
		EvaluationPeriods:  a.EvaluationPeriods,
	}
}

func (a *Alarm) RenderForDisplay() string { return utter.Sdump(a.renderForDiff()) }

// Policy is one step scaling policy owned by a scalable target.
type Policy struct {
	Name              string
	ARN               string
	Cluster           string
	Service           string
	Cooldown          int64
	ScalingAdjustment int64
	Alarm             *Alarm
}

func (p *Policy) PK() string { return p.Name }

func (p *Policy) RenderForCreate() *aas.PutScalingPolicyInput {
	step := &aas.StepAdjustment{ScalingAdjustment: aws.Int64(p.ScalingAdjustment)}
	if p.ScalingAdjustment >= 0 {
		step.MetricIntervalLowerBound = aws.Float64(0)
	} else {
		step.MetricIntervalUpperBound = aws.Float64(0)
	}
	return &aas.PutScalingPolicyInput{
		PolicyName:        aws.String(p.Name),
		PolicyType:        aws.String("StepScaling"),
		ServiceNamespace:  aws.String(serviceNamespace),
		ScalableDimension: aws.String(scalableDimension),
		ResourceId:        aws.String(resourceID(p.Cluster, p.Service)),
		StepScalingPolicyConfiguration: &aas.StepScalingPolicyConfiguration{
			AdjustmentType:        aws.String("ChangeInCapacity"),
			Cooldown:              aws.Int64(p.Cooldown),
			MetricAggregationType: aws.String("Average"),
			StepAdjustments:       []*aas.StepAdjustment{step},
		},
	}
}

type PolicyDiff struct {
	Name              string
	Cooldown          int64
	ScalingAdjustment int64
	Alarm             *AlarmDiff
}

func (p *Policy) renderForDiff() PolicyDiff {
	d := PolicyDiff{
		Name:              p.Name,
		Cooldown:          p.Cooldown,
		ScalingAdjustment: p.ScalingAdjustment,
	}
	if p.Alarm != nil {
		ad := p.Alarm.renderForDiff()
		d.Alarm = &ad
	}
	return d
}

// ScalableTarget is the autoscaling configuration for one service's desired
// count. Its lifecycle mirrors the owning service: created after the
// service's task is registered, deleted before the service itself.
type ScalableTarget struct {
	Cluster     string
	Service     string
	MinCapacity int64
	MaxCapacity int64
	RoleARN     string
	Policies    []*Policy
}

// NewScalableTarget builds the desired scaling state for a service from its
// deploy spec section.
func NewScalableTarget(cluster, service string, cfg *config.ApplicationScaling) (*ScalableTarget, error) {
	st := &ScalableTarget{
		Cluster:     cluster,
		Service:     service,
		MinCapacity: cfg.MinCapacity,
		MaxCapacity: cfg.MaxCapacity,
		RoleARN:     cfg.RoleARN,
	}
	rules := []struct {
		name string
		rule *config.ScalingRule
	}{
		{"scale-up", cfg.ScaleUp},
		{"scale-down", cfg.ScaleDown},
	}
	for _, r := range rules {
		if r.rule == nil {
			continue
		}
		p, err := newPolicy(cluster, service, r.name, r.rule)
		if err != nil {
			return nil, err
		}
		st.Policies = append(st.Policies, p)
	}
	return st, nil
}

func newPolicy(cluster, service, direction string, rule *config.ScalingRule) (*Policy, error) {
	op, threshold, err := parseComparison(rule.CPU)
	if err != nil {
		return nil, &core.ErrSchema{Msg: fmt.Sprintf("%s:%s %s: %v", cluster, service, direction, err)}
	}
	name := fmt.Sprintf("%s-%s-%s", cluster, service, direction)
	return &Policy{
		Name:              name,
		Cluster:           cluster,
		Service:           service,
		Cooldown:          rule.Cooldown,
		ScalingAdjustment: rule.ScaleBy,
		Alarm: &Alarm{
			Name:               name,
			Cluster:            cluster,
			Service:            service,
			ComparisonOperator: op,
			Threshold:          threshold,
			Period:             rule.CheckEverySeconds,
			EvaluationPeriods:  rule.Periods,
		},
	}, nil
}

// parseComparison parses expressions like ">=60" or "<10.5" into a
// cloudwatch comparison operator and threshold.
func parseComparison(expr string) (string, float64, error) {
	ops := []struct {
		prefix   string
		operator string
	}{
		{">=", cloudwatch.ComparisonOperatorGreaterThanOrEqualToThreshold},
		{"<=", cloudwatch.ComparisonOperatorLessThanOrEqualToThreshold},
		{">", cloudwatch.ComparisonOperatorGreaterThanThreshold},
		{"<", cloudwatch.ComparisonOperatorLessThanThreshold},
	}
	for _, op := range ops {
		if rest, ok := strings.CutPrefix(expr, op.prefix); ok {
			threshold, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return "", 0, fmt.Errorf("cpu threshold %q is not a number", rest)
			}
			return op.operator, threshold, nil
		}
	}
	return "", 0, fmt.Errorf("cpu expression %q must start with one of >=, <=, >, <", expr)
}

func resourceID(cluster, service string) string {
	return fmt.Sprintf("service/%s/%s", cluster, service)
}

// PK is the platform resource id, "service/<cluster>/<service>".
func (t *ScalableTarget) PK() string { return resourceID(t.Cluster, t.Service) }

func (t *ScalableTarget) RenderForCreate() *aas.RegisterScalableTargetInput {
	in := &aas.RegisterScalableTargetInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ScalableDimension: aws.String(scalableDimension),
		ResourceId:        aws.String(t.PK()),
		MinCapacity:       aws.Int64(t.MinCapacity),
		MaxCapacity:       aws.Int64(t.MaxCapacity),
	}
	if t.RoleARN != "" {
		in.RoleARN = aws.String(t.RoleARN)
	}
	return in
}

// TargetDiff omits RoleARN: AWS substitutes its own service-linked role, so
// comparing it would always report a change.
type TargetDiff struct {
	ResourceID  string
	MinCapacity int64
	MaxCapacity int64
	Policies    []PolicyDiff
}

func (t *ScalableTarget) RenderForDiff() any {
	d := &TargetDiff{
		ResourceID:  t.PK(),
		MinCapacity: t.MinCapacity,
		MaxCapacity: t.MaxCapacity,
		Policies:    []PolicyDiff{},
	}
	for _, p := range t.Policies {
		d.Policies = append(d.Policies, p.renderForDiff())
	}
	sort.Slice(d.Policies, func(i, j int) bool { return d.Policies[i].Name < d.Policies[j].Name })
	return d
}

func (t *ScalableTarget) RenderForDisplay() string { return utter.Sdump(t.RenderForDiff()) }

func (t *ScalableTarget) Diff(other *ScalableTarget) *core.Report {
	var live any
	if other != nil {
		live = other.RenderForDiff()
	}
	return core.Diff(t.RenderForDiff(), live)
}

// Gateway persists scalable targets together with their policies and
// alarms. Policies and alarms have no independent lifecycle in halyard;
// they are saved and deleted with their target.
type Gateway struct {
	api    applicationautoscalingiface.ApplicationAutoScalingAPI
	cw     cloudwatchiface.CloudWatchAPI
	logger *slog.Logger
}

var (
	_ core.Diffable                 = (*ScalableTarget)(nil)
	_ core.Gateway[*ScalableTarget] = (*Gateway)(nil)
)

func NewGateway(api applicationautoscalingiface.ApplicationAutoScalingAPI, cw cloudwatchiface.CloudWatchAPI) *Gateway {
	return &Gateway{
		api:    api,
		cw:     cw,
		logger: slog.With("component", "scaling"),
	}
}

// Get fetches the scalable target for a "service/<cluster>/<service>"
// resource id along with its policies and their alarms.
func (g *Gateway) Get(ctx context.Context, pk string) (*ScalableTarget, error) {
	parts := strings.Split(pk, "/")
	if len(parts) != 3 {
		return nil, &core.ErrImproperlyConfigured{Msg: fmt.Sprintf("scalable target id %q must look like service/<cluster>/<service>", pk)}
	}
	out, err := g.api.DescribeScalableTargetsWithContext(ctx, &aas.DescribeScalableTargetsInput{
		ServiceNamespace: aws.String(serviceNamespace),
		ResourceIds:      aws.StringSlice([]string{pk}),
	})
	if err != nil {
		return nil, fmt.Errorf("describe scalable targets: %w", err)
	}
	if out == nil || len(out.ScalableTargets) == 0 {
		return nil, &core.ErrDoesNotExist{Kind: "scalable target", PK: pk}
	}
	data := out.ScalableTargets[0]
	st := &ScalableTarget{
		Cluster:     parts[1],
		Service:     parts[2],
		MinCapacity: aws.Int64Value(data.MinCapacity),
		MaxCapacity: aws.Int64Value(data.MaxCapacity),
		RoleARN:     aws.StringValue(data.RoleARN),
	}

	pols, err := g.api.DescribeScalingPoliciesWithContext(ctx, &aas.DescribeScalingPoliciesInput{
		ServiceNamespace: aws.String(serviceNamespace),
		ResourceId:       aws.String(pk),
	})
	if err != nil {
		return nil, fmt.Errorf("describe scaling policies: %w", err)
	}
	for _, pd := range pols.ScalingPolicies {
		p := &Policy{
			Name:    aws.StringValue(pd.PolicyName),
			ARN:     aws.StringValue(pd.PolicyARN),
			Cluster: parts[1],
			Service: parts[2],
		}
		if cfg := pd.StepScalingPolicyConfiguration; cfg != nil {
			p.Cooldown = aws.Int64Value(cfg.Cooldown)
			if len(cfg.StepAdjustments) > 0 {
				p.ScalingAdjustment = aws.Int64Value(cfg.StepAdjustments[0].ScalingAdjustment)
			}
		}
		if len(pd.Alarms) > 0 {
			alarm, err := g.getAlarm(ctx, aws.StringValue(pd.Alarms[0].AlarmName), parts[1], parts[2])
			if err != nil && !core.IsDoesNotExist(err) {
				return nil, err
			}
			p.Alarm = alarm
		}
		st.Policies = append(st.Policies, p)
	}
	return st, nil
}

func (g *Gateway) getAlarm(ctx context.Context, name, cluster, service string) (*Alarm, error) {
	out, err := g.cw.DescribeAlarmsWithContext(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: aws.StringSlice([]string{name}),
	})
	if err != nil {
		return nil, fmt.Errorf("describe alarms: %w", err)
	}
	if out == nil || len(out.MetricAlarms) == 0 {
		return nil, &core.ErrDoesNotExist{Kind: "cloudwatch alarm", PK: name}
	}
	data := out.MetricAlarms[0]
	a := &Alarm{
		Name:               aws.StringValue(data.AlarmName),
		ARN:                aws.StringValue(data.AlarmArn),
		Cluster:            cluster,
		Service:            service,
		ComparisonOperator: aws.StringValue(data.ComparisonOperator),
		Threshold:          aws.Float64Value(data.Threshold),
		Period:             aws.Int64Value(data.Period),
		EvaluationPeriods:  aws.Int64Value(data.EvaluationPeriods),
	}
	if len(data.AlarmActions) > 0 {
		a.PolicyARN = aws.StringValue(data.AlarmActions[0])
	}
	return a, nil
}

func (g *Gateway) Exists(ctx context.Context, pk string) (bool, error) {
	_, err := g.Get(ctx, pk)
	return core.ExistsFromErr(err)
}

// Save registers the target and puts each policy and its alarm. The put
// operations create or update as needed, so Save is safe to call when
// nothing changed.
func (g *Gateway) Save(ctx context.Context, t *ScalableTarget) error {
	if _, err := g.api.RegisterScalableTargetWithContext(ctx, t.RenderForCreate()); err != nil {
		return fmt.Errorf("register scalable target %s: %w", t.PK(), err)
	}
	for _, p := range t.Policies {
		out, err := g.api.PutScalingPolicyWithContext(ctx, p.RenderForCreate())
		if err != nil {
			return fmt.Errorf("put scaling policy %s: %w", p.Name, err)
		}
		p.ARN = aws.StringValue(out.PolicyARN)
		if p.Alarm != nil {
			p.Alarm.PolicyARN = p.ARN
			if _, err := g.cw.PutMetricAlarmWithContext(ctx, p.Alarm.RenderForCreate()); err != nil {
				return fmt.Errorf("put metric alarm %s: %w", p.Alarm.Name, err)
			}
		}
	}
	g.logger.Info("saved scalable target", "resource_id", t.PK(), "policies", len(t.Policies))
	return nil
}

// Delete removes alarms first, then policies, then deregisters the target.
// Every step tolerates the resource already being gone.
func (g *Gateway) Delete(ctx context.Context, t *ScalableTarget) error {
	for _, p := range t.Policies {
		if p.Alarm != nil {
			_, err := g.cw.DeleteAlarmsWithContext(ctx, &cloudwatch.DeleteAlarmsInput{
				AlarmNames: aws.StringSlice([]string{p.Alarm.Name}),
			})
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("delete alarm %s: %w", p.Alarm.Name, err)
			}
		}
		_, err := g.api.DeleteScalingPolicyWithContext(ctx, &aas.DeleteScalingPolicyInput{
			PolicyName:        aws.String(p.Name),
			ServiceNamespace:  aws.String(serviceNamespace),
			ScalableDimension: aws.String(scalableDimension),
			ResourceId:        aws.String(t.PK()),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete scaling policy %s: %w", p.Name, err)
		}
	}
	_, err := g.api.DeregisterScalableTargetWithContext(ctx, &aas.DeregisterScalableTargetInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ScalableDimension: aws.String(scalableDimension),
		ResourceId:        aws.String(t.PK()),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deregister scalable target %s: %w", t.PK(), err)
	}
	g.logger.Info("deleted scalable target", "resource_id", t.PK())
	return nil
}

// isNotFound matches the absent-resource errors of both APIs. The cloudwatch
// package has no concrete type for ResourceNotFound, only the error code.
func isNotFound(err error) bool {
	var onf *aas.ObjectNotFoundException
	if errors.As(err, &onf) {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == cloudwatch.ErrCodeResourceNotFound
}
