package ecs

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"

	"github.com/halyard-run/halyard/config"
)

// fargateSpotSpec runs on Fargate capacity through a provider strategy
// instead of a launch type.
func fargateSpotSpec() *config.Service {
	cfg := webServiceSpec()
	cfg.LaunchType = ""
	cfg.CapacityProviders = []config.CapacityProvider{
		{Provider: "FARGATE", Weight: 1, Base: 1},
		{Provider: "FARGATE_SPOT", Weight: 4},
	}
	return cfg
}

func TestServicePinsPlatformVersionForFargateProviders(t *testing.T) {
	s, err := NewServiceFromConfig(fargateSpotSpec())
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	if s.PlatformVersion != "LATEST" {
		t.Errorf("platform version = %q, want LATEST", s.PlatformVersion)
	}

	s.TaskDefinitionID = "web:1"
	in := s.RenderForUpdate()
	if len(in.CapacityProviderStrategy) != 2 {
		t.Errorf("update carries %d strategy items, want 2", len(in.CapacityProviderStrategy))
	}
	// platform version travels alongside the strategy, not instead of it
	if got := aws.StringValue(in.PlatformVersion); got != "LATEST" {
		t.Errorf("update platform version = %q, want LATEST", got)
	}
	if in.DesiredCount != nil {
		t.Error("update must not carry desired count")
	}
}

func TestServicePlatformVersionNotPinnedOnEC2(t *testing.T) {
	cfg := webServiceSpec()
	cfg.LaunchType = "EC2"
	cfg.VPC = nil
	s, err := NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	if s.PlatformVersion != "" {
		t.Errorf("EC2 service got platform version %q", s.PlatformVersion)
	}
}

func TestSaveServiceIdempotentWithCapacityProviders(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	desired, err := NewServiceFromConfig(fargateSpotSpec())
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	if err := f.orch.SaveService(ctx, desired); err != nil {
		t.Fatalf("first SaveService: %v", err)
	}
	f.log.reset()

	again, err := NewServiceFromConfig(fargateSpotSpec())
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	if err := f.orch.SaveService(ctx, again); err != nil {
		t.Fatalf("second SaveService: %v", err)
	}
	if calls := f.log.mutations(); len(calls) != 0 {
		t.Errorf("unchanged re-deploy made mutating calls: %v", calls)
	}
}
