package ecs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/core"
	"github.com/halyard-run/halyard/discovery"
	"github.com/halyard-run/halyard/scaling"
	"github.com/halyard-run/halyard/schedule"
)

// Orchestrator sequences the saves and deletes of a service's constituent
// resources. The ordering is load-bearing: task definitions exist before
// anything that references them, service discovery records exist before the
// service that registers into them, and on delete the dependents go first.
type Orchestrator struct {
	Services        *ServiceGateway
	TaskDefinitions *TaskDefinitionGateway
	Clusters        *ClusterGateway
	Scaling         *scaling.Gateway
	Discovery       *discovery.Gateway
	Schedules       *schedule.Gateway

	// polling bounds for the stability and drain waits
	PollInterval time.Duration
	WaitTimeout  time.Duration

	logger *slog.Logger
}

func NewOrchestrator(
	services *ServiceGateway,
	taskDefinitions *TaskDefinitionGateway,
	clusters *ClusterGateway,
	scalingGW *scaling.Gateway,
	discoveryGW *discovery.Gateway,
	schedules *schedule.Gateway,
) *Orchestrator {
	return &Orchestrator{
		Services:        services,
		TaskDefinitions: taskDefinitions,
		Clusters:        clusters,
		Scaling:         scalingGW,
		Discovery:       discoveryGW,
		Schedules:       schedules,
		PollInterval:    10 * time.Second,
		WaitTimeout:     10 * time.Minute,
		logger:          slog.With("component", "orchestrator"),
	}
}

// LoadLive fetches the full live compound state for a service: the service
// itself, its current task definition, the helper tasks recorded in its
// docker labels, and its scaling and discovery attachments. Returns
// ErrDoesNotExist when the service is absent.
func (o *Orchestrator) LoadLive(ctx context.Context, pk string) (*Service, error) {
	live, err := o.Services.Get(ctx, pk)
	if err != nil {
		return nil, err
	}
	if live.TaskDefinitionID != "" {
		td, err := o.TaskDefinitions.Get(ctx, live.TaskDefinitionID)
		if err != nil && !core.IsDoesNotExist(err) {
			return nil, err
		}
		live.TaskDefinition = td
	}
	if live.TaskDefinition != nil {
		if c := live.TaskDefinition.FirstContainer(); c != nil {
			revisions := c.HelperTaskRevisions()
			families := make([]string, 0, len(revisions))
			for family := range revisions {
				families = append(families, family)
			}
			sort.Strings(families)
			for _, family := range families {
				td, err := o.TaskDefinitions.Get(ctx, revisions[family])
				if err != nil {
					if core.IsDoesNotExist(err) {
						continue
					}
					return nil, err
				}
				name := helperNameFromFamily(live.TaskDefinition.Family, family)
				live.HelperTasks = append(live.HelperTasks, newHelperTaskFromAWS(name, td))
			}
		}
	}
	st, err := o.Scaling.Get(ctx, resourcePK(live.Cluster, live.Name))
	if err != nil && !core.IsDoesNotExist(err) {
		return nil, err
	}
	live.Scaling = st
	if live.RegistryARN != "" {
		rec, err := o.Discovery.Get(ctx, registryID(live.RegistryARN))
		if err != nil && !core.IsDoesNotExist(err) {
			return nil, err
		}
		live.Discovery = rec
	}
	return live, nil
}

func (o *Orchestrator) loadLiveOrNil(ctx context.Context, pk string) (*Service, error) {
	live, err := o.LoadLive(ctx, pk)
	if core.IsDoesNotExist(err) {
		return nil, nil
	}
	return live, err
}

// SaveService reconciles a service's full desired state:
//
//	helper task definitions and their schedules
//	the service task definition, labeled with the helper revisions
//	the service discovery record
//	the service itself
//	the autoscaling target, policies and alarms
//
// Each step is diff-gated, so re-running an unchanged deploy makes no
// mutating calls.
func (o *Orchestrator) SaveService(ctx context.Context, desired *Service) error {
	logger := o.logger.With("service", desired.PK())
	live, err := o.loadLiveOrNil(ctx, desired.PK())
	if err != nil {
		return err
	}

	helperRevisions, err := o.saveHelperTasks(ctx, desired)
	if err != nil {
		return err
	}

	if err := o.saveServiceTaskDefinition(ctx, desired, helperRevisions); err != nil {
		return err
	}

	if err := o.reconcileDiscovery(ctx, desired, live); err != nil {
		return err
	}

	if live == nil {
		if err := o.Services.Create(ctx, desired); err != nil {
			return err
		}
	} else if !core.Diff(desired.renderServiceDiff(), live.renderServiceDiff()).Empty() {
		if err := o.Services.Update(ctx, desired); err != nil {
			return err
		}
	} else {
		logger.Info("service is unchanged")
	}

	return o.reconcileScaling(ctx, desired, live)
}

// saveHelperTasks registers a new revision for each helper whose rendered
// task definition differs from the latest live revision, and reconciles each
// helper's schedule rule. Returns the family:revision identifiers the
// service's docker labels should record.
func (o *Orchestrator) saveHelperTasks(ctx context.Context, desired *Service) ([]string, error) {
	var familyRevisions []string
	for _, h := range desired.HelperTasks {
		latest, err := o.TaskDefinitions.Get(ctx, h.Family)
		if err != nil && !core.IsDoesNotExist(err) {
			return nil, err
		}
		if latest == nil || !h.TaskDefinition.Diff(latest).Empty() {
			if err := o.TaskDefinitions.Save(ctx, h.TaskDefinition); err != nil {
				return nil, err
			}
		} else {
			h.TaskDefinition = latest
		}
		familyRevisions = append(familyRevisions, h.TaskDefinition.FamilyRevision())

		if err := o.reconcileHelperSchedule(ctx, desired, h); err != nil {
			return nil, err
		}
	}
	return familyRevisions, nil
}

func (o *Orchestrator) reconcileHelperSchedule(ctx context.Context, desired *Service, h *HelperTask) error {
	name := schedule.RuleName(h.Family)
	if h.Params == nil || h.Params.Schedule == "" {
		// no schedule desired; tear down a leftover rule if one exists
		return o.Schedules.Delete(ctx, &schedule.Rule{Name: name})
	}
	if h.ScheduleRoleARN == "" {
		return &core.ErrImproperlyConfigured{
			Msg: fmt.Sprintf("helper task %q of service %s has a schedule but no schedule_role", h.Name, desired.PK()),
		}
	}
	cluster, err := o.Clusters.Get(ctx, desired.Cluster)
	if err != nil {
		return err
	}
	rule := &schedule.Rule{
		Name:              name,
		Expression:        h.Params.Schedule,
		ClusterARN:        cluster.ARN,
		TaskDefinitionARN: h.TaskDefinition.ARN,
		RoleARN:           h.ScheduleRoleARN,
		Count:             h.Params.Count,
		LaunchType:        h.Params.LaunchType,
		Subnets:           h.Params.Subnets,
		SecurityGroups:    h.Params.SecurityGroups,
		AssignPublicIP:    h.Params.AssignPublicIP,
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

// saveServiceTaskDefinition stamps the helper revision labels onto the
// primary container, then registers a new revision only when the rendered
// definition differs from the latest live one.
func (o *Orchestrator) saveServiceTaskDefinition(ctx context.Context, desired *Service, helperRevisions []string) error {
	td := desired.TaskDefinition
	if c := td.FirstContainer(); c != nil {
		c.UpdateHelperTaskLabels(helperRevisions)
	}
	latest, err := o.TaskDefinitions.Get(ctx, td.Family)
	if err != nil && !core.IsDoesNotExist(err) {
		return err
	}
	if latest == nil || !td.Diff(latest).Empty() {
		if err := o.TaskDefinitions.Save(ctx, td); err != nil {
			return err
		}
	} else {
		desired.TaskDefinition = latest
	}
	desired.TaskDefinitionID = desired.TaskDefinition.FamilyRevision()
	return nil
}

func (o *Orchestrator) reconcileDiscovery(ctx context.Context, desired, live *Service) error {
	if desired.Discovery != nil {
		if err := o.Discovery.Save(ctx, desired.Discovery); err != nil {
			return err
		}
		desired.RegistryARN = desired.Discovery.ARN
		return nil
	}
	if live != nil && live.Discovery != nil {
		return o.Discovery.Delete(ctx, live.Discovery)
	}
	return nil
}

func (o *Orchestrator) reconcileScaling(ctx context.Context, desired, live *Service) error {
	var liveScaling *scaling.ScalableTarget
	if live != nil {
		liveScaling = live.Scaling
	}
	if desired.Scaling == nil {
		if liveScaling != nil {
			return o.Scaling.Delete(ctx, liveScaling)
		}
		return nil
	}
	if liveScaling != nil && desired.Scaling.Diff(liveScaling).Empty() {
		return nil
	}
	return o.Scaling.Save(ctx, desired.Scaling)
}

// DeleteService tears down a service and everything attached to it:
// autoscaling first so nothing fights the scale-down, then service
// discovery, then the helper schedules, then the service itself after its
// tasks have drained. A service that does not exist is a no-op.
func (o *Orchestrator) DeleteService(ctx context.Context, pk string) error {
	logger := o.logger.With("service", pk)
	live, err := o.loadLiveOrNil(ctx, pk)
	if err != nil {
		return err
	}
	if live == nil {
		logger.Info("service does not exist, nothing to delete")
		return nil
	}

	if live.Scaling != nil {
		if err := o.Scaling.Delete(ctx, live.Scaling); err != nil {
			return err
		}
	}
	if live.Discovery != nil {
		if err := o.Discovery.Delete(ctx, live.Discovery); err != nil {
			return err
		}
	}
	for _, h := range live.HelperTasks {
		if err := o.Schedules.Delete(ctx, &schedule.Rule{Name: schedule.RuleName(h.Family)}); err != nil {
			return err
		}
	}

	if live.RunningCount > 0 || live.DesiredCount > 0 {
		if err := o.Services.Scale(ctx, live, 0); err != nil {
			return err
		}
		if err := o.Services.WaitUntilDrained(ctx, pk, o.PollInterval, o.WaitTimeout); err != nil {
			return err
		}
	}
	return o.Services.Delete(ctx, live)
}

// DiffService compares the desired compound state against what is live.
func (o *Orchestrator) DiffService(ctx context.Context, desired *Service) (*core.Report, error) {
	live, err := o.loadLiveOrNil(ctx, desired.PK())
	if err != nil {
		return nil, err
	}
	// Diffing must not mutate, but the comparison should account for the
	// labels a save would stamp on.
	var familyRevisions []string
	for _, h := range desired.HelperTasks {
		latest, err := o.TaskDefinitions.Get(ctx, h.Family)
		if err != nil && !core.IsDoesNotExist(err) {
			return nil, err
		}
		if latest != nil && h.TaskDefinition.Diff(latest).Empty() {
			familyRevisions = append(familyRevisions, latest.FamilyRevision())
		} else {
			familyRevisions = append(familyRevisions, h.Family+":?")
		}
	}
	if c := desired.TaskDefinition.FirstContainer(); c != nil {
		c.UpdateHelperTaskLabels(familyRevisions)
	}
	if live != nil && desired.TaskDefinitionID == "" {
		// compare service fields without flagging the revision bump
		desired.TaskDefinitionID = live.TaskDefinitionID
	}
	if live != nil && desired.Discovery != nil && live.Discovery != nil {
		desired.RegistryARN = live.RegistryARN
	}
	return desired.Diff(live), nil
}

// WaitUntilStable delegates to the service gateway using the orchestrator's
// polling bounds.
func (o *Orchestrator) WaitUntilStable(ctx context.Context, pk string) error {
	return o.Services.WaitUntilStable(ctx, pk, o.PollInterval, o.WaitTimeout)
}

func resourcePK(cluster, service string) string {
	return fmt.Sprintf("service/%s/%s", cluster, service)
}

// registryID extracts the service discovery id from a registry ARN,
// "arn:aws:servicediscovery:...:service/srv-xxxx".
func registryID(arn string) string {
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == '/' {
			return arn[i+1:]
		}
	}
	return arn
}
