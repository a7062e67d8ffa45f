// Package cli implements the rigdfu command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/config"
)

// app carries what every subcommand needs: parsed global flags, the
// loaded configuration and the seams tests replace.
type app struct {
	ctx context.Context

	configPath string
	logLevel   string
	transport  string
	mac        string

	cfg *config.Config

	newAdapter func(transport string) (ble.Adapter, error)
	out        io.Writer
	errOut     io.Writer
}

func newApp(ctx context.Context) *app {
	return &app{
		ctx:        ctx,
		newAdapter: ble.NewAdapter,
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
}

// Execute runs the command line in args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	a := newApp(ctx)
	return a.execute(args)
}

func (a *app) execute(args []string) int {
	cmd := a.commands()
	cmd.SetArgs(args)
	cmd.SetOutput(a.errOut)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		if _, ok := err.(*UsageError); ok {
			fmt.Fprintln(a.errOut, "Run 'rigdfu --help' for usage.")
		}
	}
	return ExitCode(err)
}

func (a *app) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "rigdfu",
		Short:         "rigdfu updates and configures RigDFU bootloaders",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"path to config file (default: ~/.config/rigdfu/config.yaml)")
	root.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "",
		"log level to use (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.transport, "transport", "",
		"BLE central to use: tinygo or hci")
	root.PersistentFlags().StringVarP(&a.mac, "mac", "m", "",
		"only talk to the device with this address")

	root.AddCommand(a.updateCmd())
	root.AddCommand(a.configCmd())
	root.AddCommand(a.testCmd())
	root.AddCommand(a.scanCmd())
	root.AddCommand(a.infoCmd())
	root.AddCommand(a.packCmd())
	root.AddCommand(a.serialCmd())
	root.AddCommand(a.setupCmd())

	return root
}

// setup loads the configuration, applies flag overrides and configures
// logging.
func (a *app) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = strings.ToLower(a.logLevel)
	}
	if a.transport != "" {
		cfg.BLE.Transport = a.transport
	}
	if a.mac != "" {
		cfg.BLE.Address = a.mac
	}
	if err := cfg.Validate(); err != nil {
		return usageErrorf("config validation: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return usageErrorf("%v", err)
	}
	log.SetLevel(level)
	log.SetOutput(a.errOut)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	a.cfg = cfg
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.Load(a.configPath)
	}
	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.Default(), nil
}

func (a *app) adapter() (ble.Adapter, error) {
	return a.newAdapter(a.cfg.BLE.Transport)
}

// exactArgs is cobra.ExactArgs reporting an invocation error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s takes %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usageErrorf("%s takes at most %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
