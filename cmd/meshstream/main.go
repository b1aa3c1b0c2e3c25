// Package main runs the dense reconstruction mesh streaming service
// against on-disk RGB-D datasets.
package main

import (
	"context"
	"flag"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/densefusion/meshstream"
	"github.com/densefusion/meshstream/config"
	fakeengine "github.com/densefusion/meshstream/engine/fake"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("meshstream"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	flags := flag.NewFlagSet("meshstream", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the yaml configuration file")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("a -config file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// TODO: swap the fake for a real engine binding once one exists.
	svc, err := meshstream.New(ctx, cfg, fakeengine.NewEngine(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Errorw("error closing service", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}
