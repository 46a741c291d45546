package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/sendpacer/pkg/config"
)

// printConfig writes the merged result of defaults, config file and flags, which is what a simulation would run with.
func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(c.App.Writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(conf); err != nil {
		return err
	}
	return encoder.Close()
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
