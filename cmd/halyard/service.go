package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/ecs"
)

var ServiceCommand = &cli.Command{
	Name:  "service",
	Usage: "Manage ECS services",
	Subcommands: []*cli.Command{
		{
			Name:      "deploy",
			Usage:     "Deploy one or more services from the deploy spec",
			Action:    DeployServices,
			ArgsUsage: "SERVICE [SERVICE...]",
			Flags: flags([]cli.Flag{
				&cli.BoolFlag{
					Name:        "no-wait",
					Usage:       "Return as soon as the deploy is submitted instead of waiting for the service to stabilize",
					Destination: &serviceOpts.nowait,
				},
			}),
		},
		{
			Name:      "delete",
			Usage:     "Delete a service and everything attached to it",
			Action:    DeleteService,
			ArgsUsage: "SERVICE",
			Flags:     flags(nil),
		},
		{
			Name:      "diff",
			Usage:     "Show what a deploy would change",
			Action:    DiffService,
			ArgsUsage: "SERVICE",
			Flags:     flags(nil),
		},
		{
			Name:      "exists",
			Usage:     "Check whether a service exists in AWS",
			Action:    ServiceExists,
			ArgsUsage: "SERVICE",
			Flags:     flags(nil),
		},
		{
			Name:      "show",
			Usage:     "Show the live state of a service",
			Action:    ShowService,
			ArgsUsage: "SERVICE",
			Flags:     flags(nil),
		},
	},
}

var serviceOpts struct {
	nowait bool
}

func loadService(filename, name string) (*ecs.Service, error) {
	f, err := config.Load(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := f.Service(name)
	if err != nil {
		return nil, err
	}
	return ecs.NewServiceFromConfig(cfg)
}

func DeployServices(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() < 1 {
		return fmt.Errorf("at least one service name must be supplied")
	}

	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range cc.Args().Slice() {
		name := name // ugh, hurry up https://github.com/golang/go/discussions/56010
		g.Go(func() error {
			desired, err := loadService(commonOpts.filename, name)
			if err != nil {
				return err
			}
			if err := orch.SaveService(ctx, desired); err != nil {
				return fmt.Errorf("deploy %s: %w", name, err)
			}
			if serviceOpts.nowait {
				return nil
			}
			return orch.WaitUntilStable(ctx, desired.PK())
		})
	}
	return g.Wait()
}

func DeleteService(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a service name must be supplied")
	}

	desired, err := loadService(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	return orch.DeleteService(ctx, desired.PK())
}

func DiffService(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a service name must be supplied")
	}

	desired, err := loadService(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	report, err := orch.DiffService(ctx, desired)
	if err != nil {
		return err
	}
	if report.Empty() {
		fmt.Println("no changes")
		return nil
	}
	fmt.Print(report.String())
	return nil
}

func ServiceExists(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a service name must be supplied")
	}

	desired, err := loadService(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	exists, err := orch.Services.Exists(ctx, desired.PK())
	if err != nil {
		return err
	}
	fmt.Println(exists)
	return nil
}

func ShowService(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a service name must be supplied")
	}

	desired, err := loadService(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	live, err := orch.LoadLive(ctx, desired.PK())
	if err != nil {
		return err
	}
	fmt.Print(live.RenderForDisplay())
	return nil
}
