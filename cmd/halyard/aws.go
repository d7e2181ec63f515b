package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/servicediscovery"

	"github.com/halyard-run/halyard/discovery"
	"github.com/halyard-run/halyard/ecs"
	"github.com/halyard-run/halyard/scaling"
	"github.com/halyard-run/halyard/schedule"
)

// newOrchestrator builds every gateway from one shared session, configured
// from the usual AWS environment variables and profile.
func newOrchestrator() (*ecs.Orchestrator, *ecs.TaskRunner, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("new session: %w", err)
	}

	ecsAPI := awsecs.New(sess)
	orch := ecs.NewOrchestrator(
		ecs.NewServiceGateway(ecsAPI),
		ecs.NewTaskDefinitionGateway(ecsAPI),
		ecs.NewClusterGateway(ecsAPI),
		scaling.NewGateway(applicationautoscaling.New(sess), cloudwatch.New(sess)),
		discovery.NewGateway(servicediscovery.New(sess)),
		schedule.NewGateway(cloudwatchevents.New(sess)),
	)
	return orch, ecs.NewTaskRunner(ecsAPI), nil
}
