package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/shiftrunner/cmd/shiftctl/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Simulate commands.SimulateCmd `cmd:"" help:"Run a shift against a simulated device"`
		Today    commands.TodayCmd    `cmd:"" help:"Print the time worked today"`
		Debug    bool                 `help:"Enable debug mode." env:"SHIFT_DEBUG"`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("shiftctl"),
		kong.Description("Field worker shift tracker"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
