package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/ecs"
)

var TaskCommand = &cli.Command{
	Name:  "task",
	Usage: "Manage standalone ECS tasks",
	Subcommands: []*cli.Command{
		{
			Name:      "deploy",
			Usage:     "Register the task definition and schedule for a task",
			Action:    DeployTask,
			ArgsUsage: "TASK",
			Flags:     flags(nil),
		},
		{
			Name:      "delete",
			Usage:     "Remove a task's schedule",
			Action:    DeleteTask,
			ArgsUsage: "TASK",
			Flags:     flags(nil),
		},
		{
			Name:      "diff",
			Usage:     "Show what a task deploy would change",
			Action:    DiffTask,
			ArgsUsage: "TASK",
			Flags:     flags(nil),
		},
		{
			Name:      "run",
			Usage:     "Run a deployed task with its recorded parameters",
			Action:    RunTask,
			ArgsUsage: "TASK",
			Flags: flags([]cli.Flag{
				&cli.IntFlag{
					Name:        "wait",
					Aliases:     []string{"w"},
					Usage:       "Wait up to this many minutes for the task to stop, failing on a non-zero exit",
					Destination: &taskOpts.waitMinutes,
				},
			}),
		},
		{
			Name:      "show",
			Usage:     "Show the latest deployed revision of a task",
			Action:    ShowTask,
			ArgsUsage: "TASK",
			Flags:     flags(nil),
		},
	},
}

var taskOpts struct {
	waitMinutes int
}

func loadTask(filename, name string) (*ecs.StandaloneTask, error) {
	f, err := config.Load(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := f.Task(name)
	if err != nil {
		return nil, err
	}
	return ecs.NewStandaloneTaskFromConfig(cfg)
}

func DeployTask(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a task name must be supplied")
	}

	t, err := loadTask(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	return orch.SaveTask(ctx, t)
}

func DeleteTask(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a task name must be supplied")
	}

	t, err := loadTask(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	return orch.DeleteTask(ctx, t)
}

func DiffTask(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a task name must be supplied")
	}

	t, err := loadTask(commonOpts.filename, cc.Args().Get(0))
	if err != nil {
		return err
	}
	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	report, err := orch.DiffTask(ctx, t)
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

func RunTask(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a task name must be supplied")
	}
	name := cc.Args().Get(0)

	orch, runner, err := newOrchestrator()
	if err != nil {
		return err
	}
	// run what is deployed, not what is in the local spec
	td, err := orch.TaskDefinitions.Get(ctx, name)
	if err != nil {
		return err
	}
	t, err := ecs.NewStandaloneTaskFromAWS(td)
	if err != nil {
		return err
	}
	return runner.Run(ctx, t, time.Duration(taskOpts.waitMinutes)*time.Minute)
}

func ShowTask(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()
	if err := checkEnv(); err != nil {
		return err
	}
	if cc.NArg() != 1 {
		return fmt.Errorf("a task name must be supplied")
	}

	orch, _, err := newOrchestrator()
	if err != nil {
		return err
	}
	td, err := orch.TaskDefinitions.Get(ctx, cc.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Print(td.RenderForDisplay())
	return nil
}
