package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/simulation"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to pacer config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "pacer config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"LIVEKIT_PACER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "node-id",
		Usage: "node id label on exported metrics",
		Value: "local",
	},
	&cli.Int64Flag{
		Name:  "seed",
		Usage: "seed of the simulated link loss, random when 0",
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "livekit-pacer",
		Usage:       "Send side pacing simulator",
		Description: "run without subcommands to start a simulation",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      runSimulation,
		Commands: []*cli.Command{
			{
				Name:   "print-config",
				Usage:  "prints the effective configuration as YAML",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}

func runSimulation(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	prometheus.Init(c.String("node-id"))
	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("prometheus server failed", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = promServer.Shutdown(ctx)
		}()
	}

	seed := c.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim, err := simulation.NewSimulator(simulation.SimulatorParams{
		Config:  conf.Simulation,
		Pacer:   conf.Pacer,
		History: conf.History,
		Logger:  logger.GetLogger(),
		Seed:    seed,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	stats, err := sim.Run(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Infow("exit requested, simulation stopped early")
	}
	logger.Infow("simulation finished", "stats", stats)
	return nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(os.ExpandEnv(configFile))
	if err != nil {
		return "", err
	}

	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
