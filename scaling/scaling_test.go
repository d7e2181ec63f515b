package scaling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	aas "github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/cloudwatch"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
)

func TestIsNotFound(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "scaling target gone", err: &aas.ObjectNotFoundException{}, want: true},
		{name: "alarm gone", err: awserr.New(cloudwatch.ErrCodeResourceNotFound, "alarm does not exist", nil), want: true},
		{name: "wrapped alarm gone", err: fmt.Errorf("delete alarm: %w", awserr.New(cloudwatch.ErrCodeResourceNotFound, "alarm does not exist", nil)), want: true},
		{name: "other aws error", err: awserr.New("Throttling", "rate exceeded", nil), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tc := range testCases {
		if got := isNotFound(tc.err); got != tc.want {
			t.Errorf("%s: isNotFound = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseComparison(t *testing.T) {
	testCases := []struct {
		expr      string
		operator  string
		threshold float64
		wantErr   bool
	}{
		{expr: ">=60", operator: cloudwatch.ComparisonOperatorGreaterThanOrEqualToThreshold, threshold: 60},
		{expr: "<=10.5", operator: cloudwatch.ComparisonOperatorLessThanOrEqualToThreshold, threshold: 10.5},
		{expr: ">80", operator: cloudwatch.ComparisonOperatorGreaterThanThreshold, threshold: 80},
		{expr: "< 30", operator: cloudwatch.ComparisonOperatorLessThanThreshold, threshold: 30},
		{expr: "60", wantErr: true},
		{expr: ">=sixty", wantErr: true},
		{expr: "", wantErr: true},
	}

	for _, tc := range testCases {
		op, threshold, err := parseComparison(tc.expr)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseComparison(%q): expected error, got %s %v", tc.expr, op, threshold)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseComparison(%q): %v", tc.expr, err)
			continue
		}
		if op != tc.operator || threshold != tc.threshold {
			t.Errorf("parseComparison(%q) = %s %v, want %s %v", tc.expr, op, threshold, tc.operator, tc.threshold)
		}
	}
}

func TestNewScalableTarget(t *testing.T) {
	st, err := NewScalableTarget("prod", "web", &config.ApplicationScaling{
		MinCapacity: 1,
		MaxCapacity: 4,
		ScaleUp:     &config.ScalingRule{CPU: ">=60", CheckEverySeconds: 60, Periods: 5, Cooldown: 60, ScaleBy: 1},
		ScaleDown:   &config.ScalingRule{CPU: "<30", CheckEverySeconds: 60, Periods: 5, Cooldown: 120, ScaleBy: -1},
	})
	if err != nil {
		t.Fatalf("NewScalableTarget: %v", err)
	}
	if st.PK() != "service/prod/web" {
		t.Errorf("PK = %q", st.PK())
	}
	if len(st.Policies) != 2 {
		t.Fatalf("built %d policies, want 2", len(st.Policies))
	}

	up := st.Policies[0]
	if up.Name != "prod-web-scale-up" || up.ScalingAdjustment != 1 {
		t.Errorf("scale-up policy = %s adjust %d", up.Name, up.ScalingAdjustment)
	}
	if up.Alarm == nil || up.Alarm.ComparisonOperator != cloudwatch.ComparisonOperatorGreaterThanOrEqualToThreshold {
		t.Errorf("scale-up alarm = %+v", up.Alarm)
	}

	down := st.Policies[1]
	if down.Name != "prod-web-scale-down" || down.Cooldown != 120 {
		t.Errorf("scale-down policy = %s cooldown %d", down.Name, down.Cooldown)
	}

	// a positive adjustment steps from the threshold upward, a negative one
	// downward
	upStep := up.RenderForCreate().StepScalingPolicyConfiguration.StepAdjustments[0]
	if upStep.MetricIntervalLowerBound == nil || upStep.MetricIntervalUpperBound != nil {
		t.Errorf("scale-up step bounds = %+v", upStep)
	}
	downStep := down.RenderForCreate().StepScalingPolicyConfiguration.StepAdjustments[0]
	if downStep.MetricIntervalUpperBound == nil || aws.Float64Value(downStep.MetricIntervalUpperBound) != 0 {
		t.Errorf("scale-down step bounds = %+v", downStep)
	}
}

func TestNewScalableTargetRejectsBadExpression(t *testing.T) {
	_, err := NewScalableTarget("prod", "web", &config.ApplicationScaling{
		MinCapacity: 1,
		MaxCapacity: 4,
		ScaleUp:     &config.ScalingRule{CPU: "about 60", ScaleBy: 1},
	})
	var schemaErr *core.ErrSchema
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestTargetDiffIgnoresRoleARN(t *testing.T) {
	cfg := &config.ApplicationScaling{
		MinCapacity: 1,
		MaxCapacity: 4,
		ScaleUp:     &config.ScalingRule{CPU: ">=60", CheckEverySeconds: 60, Periods: 5, Cooldown: 60, ScaleBy: 1},
	}
	desired, err := NewScalableTarget("prod", "web", cfg)
	if err != nil {
		t.Fatalf("NewScalableTarget: %v", err)
	}
	live, err := NewScalableTarget("prod", "web", cfg)
	if err != nil {
		t.Fatalf("NewScalableTarget: %v", err)
	}
	// AWS swaps in its service-linked role
	live.RoleARN = "arn:aws:iam::123456789012:role/aws-service-role/ecs.application-autoscaling.amazonaws.com/AWSServiceRoleForApplicationAutoScaling_ECSService"
	if report := desired.Diff(live); !report.Empty() {
		t.Errorf("role difference surfaced in diff:\n%s", report.String())
	}
}
