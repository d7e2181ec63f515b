package ecs

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	aas "github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	events "github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	sd "github.com/aws/aws-sdk-go/service/servicediscovery"
	"github.com/aws/aws-sdk-go/service/servicediscovery/servicediscoveryiface"
)

// The fakes below hold in-memory state for one account and record every
// mutating call in order, so tests can assert both on effects and on call
// sequencing. Unimplemented methods panic through the embedded interface.

type callLog struct {
	calls []string
}

func (l *callLog) record(name string) { l.calls = append(l.calls, name) }

func (l *callLog) mutations() []string { return l.calls }

func (l *callLog) reset() { l.calls = nil }

type fakeECS struct {
	ecsiface.ECSAPI
	log *callLog

	taskDefs    map[string][]*awsecs.TaskDefinition
	taskDefTags map[string][]*awsecs.Tag
	services    map[string]*awsecs.Service
	clusters    map[string]bool
	lastRunTask *awsecs.RunTaskInput
}

func newFakeECS(log *callLog) *fakeECS {
	return &fakeECS{
		log:         log,
		taskDefs:    map[string][]*awsecs.TaskDefinition{},
		taskDefTags: map[string][]*awsecs.Tag{},
		services:    map[string]*awsecs.Service{},
		clusters:    map[string]bool{"prod": true},
	}
}

func taskDefNotFound() error {
	return &awsecs.ClientException{Message_: aws.String("Unable to describe task definition")}
}

func (f *fakeECS) lookupTaskDef(id string) (*awsecs.TaskDefinition, error) {
	if idx := strings.LastIndexByte(id, '/'); idx >= 0 {
		id = id[idx+1:]
	}
	family, rev, hasRev := strings.Cut(id, ":")
	revs := f.taskDefs[family]
	if len(revs) == 0 {
		return nil, taskDefNotFound()
	}
	if !hasRev {
		return revs[len(revs)-1], nil
	}
	for _, td := range revs {
		if fmt.Sprintf("%d", aws.Int64Value(td.Revision)) == rev {
			return td, nil
		}
	}
	return nil, taskDefNotFound()
}

func (f *fakeECS) DescribeTaskDefinitionWithContext(_ aws.Context, in *awsecs.DescribeTaskDefinitionInput, _ ...request.Option) (*awsecs.DescribeTaskDefinitionOutput, error) {
	td, err := f.lookupTaskDef(aws.StringValue(in.TaskDefinition))
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d", aws.StringValue(td.Family), aws.Int64Value(td.Revision))
	return &awsecs.DescribeTaskDefinitionOutput{
		TaskDefinition: td,
		Tags:           f.taskDefTags[key],
	}, nil
}

func (f *fakeECS) RegisterTaskDefinitionWithContext(_ aws.Context, in *awsecs.RegisterTaskDefinitionInput, _ ...request.Option) (*awsecs.RegisterTaskDefinitionOutput, error) {
	family := aws.StringValue(in.Family)
	f.log.record("ecs.RegisterTaskDefinition " + family)
	rev := int64(len(f.taskDefs[family]) + 1)
	td := &awsecs.TaskDefinition{
		Family:                  in.Family,
		Revision:                aws.Int64(rev),
		TaskDefinitionArn:       aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:123456789012:task-definition/%s:%d", family, rev)),
		Status:                  aws.String("ACTIVE"),
		NetworkMode:             in.NetworkMode,
		Cpu:                     in.Cpu,
		Memory:                  in.Memory,
		TaskRoleArn:             in.TaskRoleArn,
		ExecutionRoleArn:        in.ExecutionRoleArn,
		RequiresCompatibilities: in.RequiresCompatibilities,
		Volumes:                 in.Volumes,
		ContainerDefinitions:    in.ContainerDefinitions,
	}
	f.taskDefs[family] = append(f.taskDefs[family], td)
	f.taskDefTags[fmt.Sprintf("%s:%d", family, rev)] = in.Tags
	return &awsecs.RegisterTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (f *fakeECS) DescribeServicesWithContext(_ aws.Context, in *awsecs.DescribeServicesInput, _ ...request.Option) (*awsecs.DescribeServicesOutput, error) {
	key := aws.StringValue(in.Cluster) + ":" + aws.StringValue(in.Services[0])
	svc, ok := f.services[key]
	if !ok {
		return &awsecs.DescribeServicesOutput{}, nil
	}
	return &awsecs.DescribeServicesOutput{Services: []*awsecs.Service{svc}}, nil
}

func (f *fakeECS) CreateServiceWithContext(_ aws.Context, in *awsecs.CreateServiceInput, _ ...request.Option) (*awsecs.CreateServiceOutput, error) {
	cluster := aws.StringValue(in.Cluster)
	name := aws.StringValue(in.ServiceName)
	f.log.record("ecs.CreateService " + cluster + ":" + name)
	svc := &awsecs.Service{
		ServiceName:              in.ServiceName,
		ServiceArn:               aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:123456789012:service/%s/%s", cluster, name)),
		ClusterArn:               aws.String("arn:aws:ecs:eu-west-1:123456789012:cluster/" + cluster),
		Status:                   aws.String("ACTIVE"),
		DesiredCount:             in.DesiredCount,
		RunningCount:             in.DesiredCount,
		Deployments:              []*awsecs.Deployment{{Status: aws.String("PRIMARY")}},
		TaskDefinition:           in.TaskDefinition,
		LaunchType:               in.LaunchType,
		PlatformVersion:          in.PlatformVersion,
		DeploymentConfiguration:  in.DeploymentConfiguration,
		CapacityProviderStrategy: in.CapacityProviderStrategy,
		PlacementConstraints:     in.PlacementConstraints,
		PlacementStrategy:        in.PlacementStrategy,
		LoadBalancers:            in.LoadBalancers,
		NetworkConfiguration:     in.NetworkConfiguration,
		ServiceRegistries:        in.ServiceRegistries,
		Tags:                     in.Tags,
	}
	f.services[cluster+":"+name] = svc
	return &awsecs.CreateServiceOutput{Service: svc}, nil
}

func (f *fakeECS) UpdateServiceWithContext(_ aws.Context, in *awsecs.UpdateServiceInput, _ ...request.Option) (*awsecs.UpdateServiceOutput, error) {
	cluster := aws.StringValue(in.Cluster)
	name := aws.StringValue(in.Service)
	key := cluster + ":" + name
	svc, ok := f.services[key]
	if !ok {
		return nil, &awsecs.ServiceNotFoundException{}
	}
	if in.DesiredCount != nil {
		f.log.record(fmt.Sprintf("ecs.UpdateService %s desired=%d", key, aws.Int64Value(in.DesiredCount)))
		svc.DesiredCount = in.DesiredCount
		svc.RunningCount = in.DesiredCount
		return &awsecs.UpdateServiceOutput{Service: svc}, nil
	}
	f.log.record("ecs.UpdateService " + key)
	svc.TaskDefinition = in.TaskDefinition
	if in.DeploymentConfiguration != nil {
		svc.DeploymentConfiguration = in.DeploymentConfiguration
	}
	if in.PlatformVersion != nil {
		svc.PlatformVersion = in.PlatformVersion
	}
	if in.NetworkConfiguration != nil {
		svc.NetworkConfiguration = in.NetworkConfiguration
	}
	if len(in.CapacityProviderStrategy) > 0 {
		svc.CapacityProviderStrategy = in.CapacityProviderStrategy
	}
	if len(in.PlacementConstraints) > 0 {
		svc.PlacementConstraints = in.PlacementConstraints
	}
	if len(in.PlacementStrategy) > 0 {
		svc.PlacementStrategy = in.PlacementStrategy
	}
	return &awsecs.UpdateServiceOutput{Service: svc}, nil
}

func (f *fakeECS) DeleteServiceWithContext(_ aws.Context, in *awsecs.DeleteServiceInput, _ ...request.Option) (*awsecs.DeleteServiceOutput, error) {
	key := aws.StringValue(in.Cluster) + ":" + aws.StringValue(in.Service)
	f.log.record("ecs.DeleteService " + key)
	if _, ok := f.services[key]; !ok {
		return nil, &awsecs.ServiceNotFoundException{}
	}
	delete(f.services, key)
	return &awsecs.DeleteServiceOutput{}, nil
}

func (f *fakeECS) DescribeClustersWithContext(_ aws.Context, in *awsecs.DescribeClustersInput, _ ...request.Option) (*awsecs.DescribeClustersOutput, error) {
	name := aws.StringValue(in.Clusters[0])
	if !f.clusters[name] {
		return &awsecs.DescribeClustersOutput{}, nil
	}
	return &awsecs.DescribeClustersOutput{Clusters: []*awsecs.Cluster{{
		ClusterName: aws.String(name),
		ClusterArn:  aws.String("arn:aws:ecs:eu-west-1:123456789012:cluster/" + name),
		Status:      aws.String("ACTIVE"),
	}}}, nil
}

func (f *fakeECS) RunTaskWithContext(_ aws.Context, in *awsecs.RunTaskInput, _ ...request.Option) (*awsecs.RunTaskOutput, error) {
	f.log.record("ecs.RunTask " + aws.StringValue(in.TaskDefinition))
	f.lastRunTask = in
	var tasks []*awsecs.Task
	for i := int64(0); i < aws.Int64Value(in.Count); i++ {
		tasks = append(tasks, &awsecs.Task{
			TaskArn:    aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:123456789012:task/%d", i)),
			LastStatus: aws.String("STOPPED"),
		})
	}
	return &awsecs.RunTaskOutput{Tasks: tasks}, nil
}

func (f *fakeECS) DescribeTasksWithContext(_ aws.Context, in *awsecs.DescribeTasksInput, _ ...request.Option) (*awsecs.DescribeTasksOutput, error) {
	var tasks []*awsecs.Task
	for _, arn := range aws.StringValueSlice(in.Tasks) {
		tasks = append(tasks, &awsecs.Task{
			TaskArn:    aws.String(arn),
			LastStatus: aws.String("STOPPED"),
			Containers: []*awsecs.Container{{Name: aws.String("main"), ExitCode: aws.Int64(0)}},
		})
	}
	return &awsecs.DescribeTasksOutput{Tasks: tasks}, nil
}

type fakeAAS struct {
	applicationautoscalingiface.ApplicationAutoScalingAPI
	log *callLog

	target   *aas.ScalableTarget
	policies map[string]*aas.ScalingPolicy
}

func newFakeAAS(log *callLog) *fakeAAS {
	return &fakeAAS{log: log, policies: map[string]*aas.ScalingPolicy{}}
}

func (f *fakeAAS) DescribeScalableTargetsWithContext(_ aws.Context, in *aas.DescribeScalableTargetsInput, _ ...request.Option) (*aas.DescribeScalableTargetsOutput, error) {
	out := &aas.DescribeScalableTargetsOutput{}
	if f.target != nil && aws.StringValue(f.target.ResourceId) == aws.StringValue(in.ResourceIds[0]) {
		out.ScalableTargets = []*aas.ScalableTarget{f.target}
	}
	return out, nil
}

func (f *fakeAAS) DescribeScalingPoliciesWithContext(_ aws.Context, in *aas.DescribeScalingPoliciesInput, _ ...request.Option) (*aas.DescribeScalingPoliciesOutput, error) {
	out := &aas.DescribeScalingPoliciesOutput{}
	for _, p := range f.policies {
		if aws.StringValue(p.ResourceId) == aws.StringValue(in.ResourceId) {
			out.ScalingPolicies = append(out.ScalingPolicies, p)
		}
	}
	return out, nil
}

func (f *fakeAAS) RegisterScalableTargetWithContext(_ aws.Context, in *aas.RegisterScalableTargetInput, _ ...request.Option) (*aas.RegisterScalableTargetOutput, error) {
	f.log.record("aas.RegisterScalableTarget " + aws.StringValue(in.ResourceId))
	f.target = &aas.ScalableTarget{
		ResourceId:        in.ResourceId,
		ServiceNamespace:  in.ServiceNamespace,
		ScalableDimension: in.ScalableDimension,
		MinCapacity:       in.MinCapacity,
		MaxCapacity:       in.MaxCapacity,
		RoleARN:           in.RoleARN,
	}
	return &aas.RegisterScalableTargetOutput{}, nil
}

func (f *fakeAAS) PutScalingPolicyWithContext(_ aws.Context, in *aas.PutScalingPolicyInput, _ ...request.Option) (*aas.PutScalingPolicyOutput, error) {
	name := aws.StringValue(in.PolicyName)
	f.log.record("aas.PutScalingPolicy " + name)
	arn := "arn:aws:autoscaling:eu-west-1:123456789012:scalingPolicy:" + name
	f.policies[name] = &aas.ScalingPolicy{
		PolicyName:                     in.PolicyName,
		PolicyARN:                      aws.String(arn),
		ResourceId:                     in.ResourceId,
		StepScalingPolicyConfiguration: in.StepScalingPolicyConfiguration,
		Alarms:                         []*aas.Alarm{{AlarmName: in.PolicyName}},
	}
	return &aas.PutScalingPolicyOutput{PolicyARN: aws.String(arn)}, nil
}

func (f *fakeAAS) DeleteScalingPolicyWithContext(_ aws.Context, in *aas.DeleteScalingPolicyInput, _ ...request.Option) (*aas.DeleteScalingPolicyOutput, error) {
	name := aws.StringValue(in.PolicyName)
	f.log.record("aas.DeleteScalingPolicy " + name)
	if _, ok := f.policies[name]; !ok {
		return nil, &aas.ObjectNotFoundException{}
	}
	delete(f.policies, name)
	return &aas.DeleteScalingPolicyOutput{}, nil
}

func (f *fakeAAS) DeregisterScalableTargetWithContext(_ aws.Context, in *aas.DeregisterScalableTargetInput, _ ...request.Option) (*aas.DeregisterScalableTargetOutput, error) {
	f.log.record("aas.DeregisterScalableTarget " + aws.StringValue(in.ResourceId))
	if f.target == nil {
		return nil, &aas.ObjectNotFoundException{}
	}
	f.target = nil
	return &aas.DeregisterScalableTargetOutput{}, nil
}

type fakeCloudWatch struct {
	cloudwatchiface.CloudWatchAPI
	log *callLog

	alarms map[string]*cloudwatch.MetricAlarm
}

func newFakeCloudWatch(log *callLog) *fakeCloudWatch {
	return &fakeCloudWatch{log: log, alarms: map[string]*cloudwatch.MetricAlarm{}}
}

func (f *fakeCloudWatch) DescribeAlarmsWithContext(_ aws.Context, in *cloudwatch.DescribeAlarmsInput, _ ...request.Option) (*cloudwatch.DescribeAlarmsOutput, error) {
	out := &cloudwatch.DescribeAlarmsOutput{}
	for _, name := range aws.StringValueSlice(in.AlarmNames) {
		if a, ok := f.alarms[name]; ok {
			out.MetricAlarms = append(out.MetricAlarms, a)
		}
	}
	return out, nil
}

func (f *fakeCloudWatch) PutMetricAlarmWithContext(_ aws.Context, in *cloudwatch.PutMetricAlarmInput, _ ...request.Option) (*cloudwatch.PutMetricAlarmOutput, error) {
	name := aws.StringValue(in.AlarmName)
	f.log.record("cw.PutMetricAlarm " + name)
	f.alarms[name] = &cloudwatch.MetricAlarm{
		AlarmName:          in.AlarmName,
		AlarmArn:           aws.String("arn:aws:cloudwatch:eu-west-1:123456789012:alarm:" + name),
		ComparisonOperator: in.ComparisonOperator,
		Threshold:          in.Threshold,
		Period:             in.Period,
		EvaluationPeriods:  in.EvaluationPeriods,
		AlarmActions:       in.AlarmActions,
	}
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

func (f *fakeCloudWatch) DeleteAlarmsWithContext(_ aws.Context, in *cloudwatch.DeleteAlarmsInput, _ ...request.Option) (*cloudwatch.DeleteAlarmsOutput, error) {
	for _, name := range aws.StringValueSlice(in.AlarmNames) {
		f.log.record("cw.DeleteAlarms " + name)
		delete(f.alarms, name)
	}
	return &cloudwatch.DeleteAlarmsOutput{}, nil
}

type fakeServiceDiscovery struct {
	servicediscoveryiface.ServiceDiscoveryAPI
	log *callLog

	namespaces map[string]string
	records    map[string]*sd.Service
	nextID     int
}

func newFakeServiceDiscovery(log *callLog) *fakeServiceDiscovery {
	return &fakeServiceDiscovery{
		log:        log,
		namespaces: map[string]string{"private": "ns-1111"},
		records:    map[string]*sd.Service{},
	}
}

func (f *fakeServiceDiscovery) GetServiceWithContext(_ aws.Context, in *sd.GetServiceInput, _ ...request.Option) (*sd.GetServiceOutput, error) {
	svc, ok := f.records[aws.StringValue(in.Id)]
	if !ok {
		return nil, &sd.ServiceNotFound{}
	}
	return &sd.GetServiceOutput{Service: svc}, nil
}

func (f *fakeServiceDiscovery) ListNamespacesPagesWithContext(_ aws.Context, _ *sd.ListNamespacesInput, fn func(*sd.ListNamespacesOutput, bool) bool, _ ...request.Option) error {
	out := &sd.ListNamespacesOutput{}
	for name, id := range f.namespaces {
		out.Namespaces = append(out.Namespaces, &sd.NamespaceSummary{
			Id:   aws.String(id),
			Name: aws.String(name),
			Type: aws.String(sd.NamespaceTypeDnsPrivate),
		})
	}
	fn(out, true)
	return nil
}

func (f *fakeServiceDiscovery) ListServicesPagesWithContext(_ aws.Context, in *sd.ListServicesInput, fn func(*sd.ListServicesOutput, bool) bool, _ ...request.Option) error {
	var filter string
	if len(in.Filters) > 0 {
		filter = aws.StringValue(in.Filters[0].Values[0])
	}
	out := &sd.ListServicesOutput{}
	for _, svc := range f.records {
		if filter != "" && aws.StringValue(svc.NamespaceId) != filter {
			continue
		}
		out.Services = append(out.Services, &sd.ServiceSummary{
			Id:        svc.Id,
			Arn:       svc.Arn,
			Name:      svc.Name,
			DnsConfig: svc.DnsConfig,
		})
	}
	fn(out, true)
	return nil
}

func (f *fakeServiceDiscovery) CreateServiceWithContext(_ aws.Context, in *sd.CreateServiceInput, _ ...request.Option) (*sd.CreateServiceOutput, error) {
	f.nextID++
	id := fmt.Sprintf("srv-%04d", f.nextID)
	f.log.record("sd.CreateService " + aws.StringValue(in.Name))
	svc := &sd.Service{
		Id:          aws.String(id),
		Arn:         aws.String("arn:aws:servicediscovery:eu-west-1:123456789012:service/" + id),
		Name:        in.Name,
		NamespaceId: in.NamespaceId,
		DnsConfig:   in.DnsConfig,
	}
	f.records[id] = svc
	return &sd.CreateServiceOutput{Service: svc}, nil
}

func (f *fakeServiceDiscovery) UpdateServiceWithContext(_ aws.Context, in *sd.UpdateServiceInput, _ ...request.Option) (*sd.UpdateServiceOutput, error) {
	id := aws.StringValue(in.Id)
	f.log.record("sd.UpdateService " + id)
	svc, ok := f.records[id]
	if !ok {
		return nil, &sd.ServiceNotFound{}
	}
	if in.Service != nil && in.Service.DnsConfig != nil {
		svc.DnsConfig = &sd.DnsConfig{
			NamespaceId: svc.NamespaceId,
			DnsRecords:  in.Service.DnsConfig.DnsRecords,
		}
	}
	return &sd.UpdateServiceOutput{}, nil
}

func (f *fakeServiceDiscovery) DeleteServiceWithContext(_ aws.Context, in *sd.DeleteServiceInput, _ ...request.Option) (*sd.DeleteServiceOutput, error) {
	id := aws.StringValue(in.Id)
	f.log.record("sd.DeleteService " + id)
	if _, ok := f.records[id]; !ok {
		return nil, &sd.ServiceNotFound{}
	}
	delete(f.records, id)
	return &sd.DeleteServiceOutput{}, nil
}

type fakeEvents struct {
	cloudwatcheventsiface.CloudWatchEventsAPI
	log *callLog

	rules   map[string]*events.PutRuleInput
	targets map[string][]*events.Target
}

func newFakeEvents(log *callLog) *fakeEvents {
	return &fakeEvents{
		log:     log,
		rules:   map[string]*events.PutRuleInput{},
		targets: map[string][]*events.Target{},
	}
}

func (f *fakeEvents) DescribeRuleWithContext(_ aws.Context, in *events.DescribeRuleInput, _ ...request.Option) (*events.DescribeRuleOutput, error) {
	rule, ok := f.rules[aws.StringValue(in.Name)]
	if !ok {
		return nil, &events.ResourceNotFoundException{}
	}
	return &events.DescribeRuleOutput{
		Name:               rule.Name,
		ScheduleExpression: rule.ScheduleExpression,
		State:              rule.State,
	}, nil
}

func (f *fakeEvents) ListTargetsByRuleWithContext(_ aws.Context, in *events.ListTargetsByRuleInput, _ ...request.Option) (*events.ListTargetsByRuleOutput, error) {
	return &events.ListTargetsByRuleOutput{Targets: f.targets[aws.StringValue(in.Rule)]}, nil
}

func (f *fakeEvents) PutRuleWithContext(_ aws.Context, in *events.PutRuleInput, _ ...request.Option) (*events.PutRuleOutput, error) {
	name := aws.StringValue(in.Name)
	f.log.record("events.PutRule " + name)
	f.rules[name] = in
	return &events.PutRuleOutput{RuleArn: aws.String("arn:aws:events:eu-west-1:123456789012:rule/" + name)}, nil
}

func (f *fakeEvents) PutTargetsWithContext(_ aws.Context, in *events.PutTargetsInput, _ ...request.Option) (*events.PutTargetsOutput, error) {
	name := aws.StringValue(in.Rule)
	f.log.record("events.PutTargets " + name)
	f.targets[name] = in.Targets
	return &events.PutTargetsOutput{}, nil
}

func (f *fakeEvents) RemoveTargetsWithContext(_ aws.Context, in *events.RemoveTargetsInput, _ ...request.Option) (*events.RemoveTargetsOutput, error) {
	name := aws.StringValue(in.Rule)
	if _, ok := f.rules[name]; !ok {
		return nil, &events.ResourceNotFoundException{}
	}
	f.log.record("events.RemoveTargets " + name)
	delete(f.targets, name)
	return &events.RemoveTargetsOutput{}, nil
}

func (f *fakeEvents) DeleteRuleWithContext(_ aws.Context, in *events.DeleteRuleInput, _ ...request.Option) (*events.DeleteRuleOutput, error) {
	name := aws.StringValue(in.Name)
	if _, ok := f.rules[name]; !ok {
		return nil, &events.ResourceNotFoundException{}
	}
	f.log.record("events.DeleteRule " + name)
	delete(f.rules, name)
	return &events.DeleteRuleOutput{}, nil
}
