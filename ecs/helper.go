package ecs

import (
	"strings"

	"github.com/halyard-run/halyard/config"
)

// HelperTask is an auxiliary command owned by a service, run against a task
// definition derived from the service's containers with the helper's command
// substituted on the primary container. The service records which helper
// family revisions it was deployed with via docker labels, so they can be
// found and unscheduled later.
type HelperTask struct {
	Name            string
	Family          string
	ScheduleRoleARN string
	Params          *RunParams
	TaskDefinition  *TaskDefinition
}

func newHelperTasksFromConfig(cfg *config.Service) ([]*HelperTask, error) {
	var helpers []*HelperTask
	for i := range cfg.HelperTasks {
		h, err := newHelperTaskFromConfig(cfg, &cfg.HelperTasks[i])
		if err != nil {
			return nil, err
		}
		helpers = append(helpers, h)
	}
	return helpers, nil
}

func newHelperTaskFromConfig(svc *config.Service, cfg *config.HelperTask) (*HelperTask, error) {
	family := svc.TaskFamily() + "-" + cfg.Name

	// The helper shares the service's task definition shape. Distinct CPU
	// and memory may be declared for the helper's own sizing.
	spec := taskDefinitionSpec{
		Family:           family,
		NetworkMode:      svc.NetworkMode,
		CPU:              svc.CPU,
		Memory:           svc.Memory,
		TaskRoleARN:      svc.TaskRoleARN,
		ExecutionRoleARN: svc.ExecutionRoleARN,
		Fargate:          helperIsFargate(svc, cfg),
		Containers:       svc.Containers,
		Volumes:          svc.Volumes,
		Tags:             svc.Tags,
	}
	if cfg.CPU != 0 {
		spec.CPU = cfg.CPU
	}
	if cfg.Memory != 0 {
		spec.Memory = cfg.Memory
	}
	td, err := newTaskDefinition(spec)
	if err != nil {
		return nil, err
	}
	if c := td.FirstContainer(); c != nil && len(cfg.Command) > 0 {
		c.Command = append([]string(nil), cfg.Command...)
	}

	params := &RunParams{
		Service:  svc.Name,
		Cluster:  svc.Cluster,
		Count:    cfg.Count,
		Group:    family,
		Schedule: cfg.Schedule,
	}
	if len(cfg.Command) > 0 {
		params.Command = strings.Join(cfg.Command, " ")
	}
	if params.Count == 0 {
		params.Count = 1
	}
	if cfg.LaunchType != "" {
		params.LaunchType = cfg.LaunchType
	} else {
		params.LaunchType = svc.LaunchType
	}
	if len(svc.CapacityProviders) > 0 && cfg.LaunchType == "" {
		params.LaunchType = ""
		for _, cp := range svc.CapacityProviders {
			params.CapacityProviders = append(params.CapacityProviders, CapacityProvider{
				Provider: cp.Provider, Weight: cp.Weight, Base: cp.Base,
			})
		}
	}
	if params.LaunchType == "FARGATE" || len(params.CapacityProviders) > 0 || svc.NetworkMode == "awsvpc" {
		if svc.VPC != nil {
			params.Subnets = append([]string(nil), svc.VPC.Subnets...)
			params.SecurityGroups = append([]string(nil), svc.VPC.SecurityGroups...)
			params.AssignPublicIP = svc.VPC.AssignPublicIP
		}
	}
	if params.LaunchType == "FARGATE" {
		params.PlatformVersion = svc.PlatformVersion
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

	return &HelperTask{
		Name:            cfg.Name,
		Family:          family,
		ScheduleRoleARN: cfg.ScheduleRole,
		Params:          params,
		TaskDefinition:  td,
	}, nil
}

func helperIsFargate(svc *config.Service, cfg *config.HelperTask) bool {
	if cfg.LaunchType != "" {
		return cfg.LaunchType == "FARGATE"
	}
	return svc.IsFargate()
}

// newHelperTaskFromAWS rebuilds a helper from its live task definition,
// recovering run parameters from the tag namespace.
func newHelperTaskFromAWS(name string, td *TaskDefinition) *HelperTask {
	params, err := DecodeRunParams(td.Tags)
	if err != nil {
		params = &RunParams{}
	}
	return &HelperTask{
		Name:           name,
		Family:         td.Family,
		Params:         params,
		TaskDefinition: td,
	}
}

// helperNameFromFamily strips the owning service's family prefix, leaving
// the helper's short name.
func helperNameFromFamily(serviceFamily, helperFamily string) string {
	if len(helperFamily) > len(serviceFamily)+1 && helperFamily[:len(serviceFamily)+1] == serviceFamily+"-" {
		return helperFamily[len(serviceFamily)+1:]
	}
	return helperFamily
}
