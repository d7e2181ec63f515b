package ecs

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/google/go-cmp/cmp"

	"github.com/halyard-run/halyard/config"
)

func webTaskSpec() taskDefinitionSpec {
	return taskDefinitionSpec{
		Family:           "prod-web",
		Fargate:          true,
		ExecutionRoleARN: "arn:aws:iam::123456789012:role/exec",
		Containers: []config.Container{
			{
				Name:        "web",
				Image:       "example/web:1.2.3",
				CPU:         256,
				Memory:      512,
				Ports:       []string{"8080"},
				Command:     []string{"gunicorn", "app:wsgi"},
				Environment: map[string]string{"DEBUG": "false"},
			},
			{
				Name:   "sidecar",
				Image:  "example/sidecar:latest",
				CPU:    256,
				Memory: 512,
			},
		},
	}
}

func TestNewTaskDefinitionSizesFargate(t *testing.T) {
	td, err := newTaskDefinition(webTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	if td.CPU != "512" {
		t.Errorf("got cpu %q, wanted %q", td.CPU, "512")
	}
	if td.Memory != "1024" {
		t.Errorf("got memory %q, wanted %q", td.Memory, "1024")
	}
	if td.NetworkMode != "awsvpc" {
		t.Errorf("got network mode %q, wanted awsvpc", td.NetworkMode)
	}
}

func TestNewTaskDefinitionDefaultsBridge(t *testing.T) {
	spec := webTaskSpec()
	spec.Fargate = false
	td, err := newTaskDefinition(spec)
	if err != nil {
		t.Fatal(err)
	}
	if td.NetworkMode != "bridge" {
		t.Errorf("got network mode %q, wanted bridge", td.NetworkMode)
	}
	if td.CPU != "" || td.Memory != "" {
		t.Errorf("ec2 task with nothing declared got cpu=%q memory=%q, wanted unset", td.CPU, td.Memory)
	}
}

// A task definition built from the deploy spec must compare equal to the
// same definition after a register and describe round trip, otherwise every
// deploy would register a spurious revision.
func TestTaskDefinitionDiffAcrossOrigins(t *testing.T) {
	td, err := newTaskDefinition(webTaskSpec())
	if err != nil {
		t.Fatal(err)
	}

	in := td.RenderForCreate()
	live := newTaskDefinitionFromAWS(&awsecs.TaskDefinition{
		Family:                  in.Family,
		Revision:                aws.Int64(7),
		TaskDefinitionArn:       aws.String("arn:aws:ecs:eu-west-1:123456789012:task-definition/prod-web:7"),
		Status:                  aws.String("ACTIVE"),
		NetworkMode:             in.NetworkMode,
		Cpu:                     in.Cpu,
		Memory:                  in.Memory,
		TaskRoleArn:             in.TaskRoleArn,
		ExecutionRoleArn:        in.ExecutionRoleArn,
		RequiresCompatibilities: in.RequiresCompatibilities,
		Volumes:                 in.Volumes,
		ContainerDefinitions:    in.ContainerDefinitions,
	}, in.Tags)

	if report := td.Diff(live); !report.Empty() {
		t.Errorf("spec-origin and AWS-origin differ:\n%s", report)
	}
}

func TestTaskDefinitionDiffDetectsImageChange(t *testing.T) {
	td, err := newTaskDefinition(webTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	spec := webTaskSpec()
	spec.Containers[0].Image = "example/web:1.2.4"
	other, err := newTaskDefinition(spec)
	if err != nil {
		t.Fatal(err)
	}

	report := td.Diff(other)
	if report.Empty() {
		t.Fatal("image change produced an empty diff")
	}
}

func TestTaskDefinitionDiffIgnoresRevision(t *testing.T) {
	a, err := newTaskDefinition(webTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	b, err := newTaskDefinition(webTaskSpec())
	if err != nil {
		t.Fatal(err)
	}
	b.Revision = 12
	b.ARN = "arn:aws:ecs:eu-west-1:123456789012:task-definition/prod-web:12"
	b.Status = "ACTIVE"

	if report := a.Diff(b); !report.Empty() {
		t.Errorf("revision bump produced a diff:\n%s", report)
	}
}

func TestUpdateHelperTaskLabels(t *testing.T) {
	c := &ContainerDefinition{
		Name: "web",
		DockerLabels: map[string]string{
			"team":                          "platform",
			helperLabelPrefix + "stale.id":  "prod-web-stale:3",
			helperLabelPrefix + "orphan.id": "prod-web-orphan:1",
		},
	}

	c.UpdateHelperTaskLabels([]string{"prod-web-migrate:8", "prod-web-cron:2"})

	want := map[string]string{
		"team":                                    "platform",
		helperLabelPrefix + "prod-web-migrate.id": "prod-web-migrate:8",
		helperLabelPrefix + "prod-web-cron.id":    "prod-web-cron:2",
	}
	if diff := cmp.Diff(want, c.DockerLabels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	got := c.HelperTaskRevisions()
	wantRevs := map[string]string{
		"prod-web-migrate": "prod-web-migrate:8",
		"prod-web-cron":    "prod-web-cron:2",
	}
	if diff := cmp.Diff(wantRevs, got); diff != "" {
		t.Errorf("revisions mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderForCreateSortsEnvironment(t *testing.T) {
	c := &ContainerDefinition{
		Name:      "web",
		Image:     "example/web",
		Essential: true,
		Environment: map[string]string{
			"ZED":   "1",
			"ALPHA": "2",
			"MID":   "3",
		},
	}
	out := c.renderForRegister()
	var names []string
	for _, kv := range out.Environment {
		names = append(names, aws.StringValue(kv.Name))
	}
	if diff := cmp.Diff([]string{"ALPHA", "MID", "ZED"}, names); diff != "" {
		t.Errorf("environment order mismatch (-want +got):\n%s", diff)
	}
}
