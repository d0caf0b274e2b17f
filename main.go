package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"go.universe.tf/distnat/config"
	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/kvstore"
	"go.universe.tf/distnat/portmanager"
)

func main() {
	app := &cli.App{
		Name:    "distnat",
		Usage:   "ACL and distributed NAT on top of NFQUEUE",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"DISTNAT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"DISTNAT_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "instance",
				Usage:   "name of this NF in the bindings it writes, defaults to the hostname",
				EnvVars: []string{"DISTNAT_INSTANCE"},
			},
			&cli.StringFlag{
				Name:    "nat-ip",
				Usage:   "public IPv4 address flows are translated to",
				EnvVars: []string{"DISTNAT_NAT_IP"},
			},
			&cli.StringFlag{
				Name:    "store-backend",
				Usage:   fmt.Sprintf("binding store backend, one of %v", kvstore.Backends),
				EnvVars: []string{"DISTNAT_STORE_BACKEND"},
			},
			&cli.StringSliceFlag{
				Name:    "store-endpoint",
				Usage:   "binding store endpoint, repeatable",
				EnvVars: []string{"DISTNAT_STORE_ENDPOINTS"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Filter and translate packets from an NFQUEUE",
				Action: natbox,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:    "queue-num",
						Usage:   "NFQUEUE number to read packets from",
						EnvVars: []string{"DISTNAT_QUEUE_NUM"},
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "listen address for Prometheus metrics, empty to disable",
						EnvVars: []string{"DISTNAT_METRICS_ADDR"},
					},
				},
			},
			{
				Name:   "bindings",
				Usage:  "List the port bindings held in the store",
				Action: listBindings,
			},
			{
				Name:      "release",
				Usage:     "Delete the binding of a NAT port, whoever holds it",
				ArgsUsage: "<nat ip>:<port>",
				Action:    releaseBinding,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.Print("distnat"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the configuration file and applies command line
// overrides on top. The result is not validated, since the one-shot
// commands only need the store settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("instance") {
		cfg.Instance = c.String("instance")
	}
	if c.IsSet("nat-ip") {
		ip, err := flow.ParseIP(c.String("nat-ip"))
		if err != nil {
			return nil, fmt.Errorf("--nat-ip: %w", err)
		}
		cfg.NATIP = ip
	}
	if c.IsSet("store-backend") {
		cfg.Store.Backend = c.String("store-backend")
	}
	if c.IsSet("store-endpoint") {
		cfg.Store.Endpoints = c.StringSlice("store-endpoint")
	}
	if c.IsSet("queue-num") {
		n := c.Uint("queue-num")
		if n > 65535 {
			return nil, fmt.Errorf("--queue-num %d out of range", n)
		}
		cfg.Queue.Num = uint16(n)
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	return cfg, nil
}

// openCoordinator connects to the store for the one-shot commands.
func openCoordinator(c *cli.Context) (*portmanager.Coordinator, *config.Config, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := kvstore.NewClient(c.Context, cfg.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to binding store: %w", err)
	}
	closer := func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Debug("Closing binding store")
		}
	}
	return portmanager.New(store, cfg.Coordinator()), cfg, closer, nil
}

func listBindings(c *cli.Context) error {
	coord, _, closer, err := openCoordinator(c)
	if err != nil {
		return err
	}
	defer closer()

	bindings, err := coord.Resync(c.Context)
	if err != nil {
		return err
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].NATIP != bindings[j].NATIP {
			return bindings[i].NATIP < bindings[j].NATIP
		}
		return bindings[i].Port < bindings[j].Port
	})
	for _, b := range bindings {
		fmt.Println(b)
	}
	return nil
}

func releaseBinding(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("release takes exactly one <nat ip>:<port> argument", 2)
	}
	ep, err := flow.ParseEndpoint(c.Args().First())
	if err != nil {
		return err
	}

	coord, cfg, closer, err := openCoordinator(c)
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := context.WithTimeout(c.Context, cfg.Store.Timeout)
	defer cancel()
	if err := coord.Release(ctx, ep.IP, ep.Port); err != nil {
		return err
	}
	log.WithField("binding", portmanager.Key(ep.IP, ep.Port)).Info("Released")
	return nil
}
