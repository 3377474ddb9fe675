package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"

	"github.com/rackbone/rackbone/pkg/redfish"
)

const appName = "rackbone"

// defaultLogger is a zerolog logr implementation.
func defaultLogger(level string) logr.Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	zl = zl.With().Timestamp().Logger()
	var l zerolog.Level
	switch level {
	case "debug":
		l = zerolog.TraceLevel
	default:
		l = zerolog.InfoLevel
	}
	zl = zl.Level(l)

	return zerologr.New(&zl)
}

type rootConfig struct {
	host       string
	username   string
	password   string
	port       int
	insecure   bool
	noTLS      bool
	direct     bool
	logLevel   string
	retryCount int
	retryDelay time.Duration
}

func (rc *rootConfig) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&rc.host, "host", "", "BMC address.")
	fs.StringVar(&rc.username, "username", "", "BMC username.")
	fs.StringVar(&rc.password, "password", "", "BMC password.")
	fs.IntVar(&rc.port, "port", 0, "Management interface port (default 443).")
	fs.BoolVar(&rc.insecure, "insecure", true, "Skip TLS certificate verification.")
	fs.BoolVar(&rc.noTLS, "no-tls", false, "Use plain HTTP.")
	fs.BoolVar(&rc.direct, "direct", false, "Send Basic credentials on every request instead of a session.")
	fs.StringVar(&rc.logLevel, "log-level", "info", "Log level: info or debug.")
	fs.IntVar(&rc.retryCount, "retries", 0, "Transport retry budget (default 10).")
	fs.DurationVar(&rc.retryDelay, "retry-delay", 0, "Base retry delay (default 3s).")
}

// client builds a connected client from the root flags. Callers must Close it.
func (rc *rootConfig) client(ctx context.Context, log logr.Logger) (*redfish.Client, error) {
	if rc.host == "" {
		return nil, errors.New("-host is required")
	}

	opts := []redfish.Option{}
	if rc.port != 0 {
		opts = append(opts, redfish.WithPort(rc.port))
	}
	if rc.insecure {
		opts = append(opts, redfish.WithInsecureTLS())
	}
	if rc.noTLS {
		opts = append(opts, redfish.WithoutTLS())
	}
	if rc.direct {
		opts = append(opts, redfish.WithDirectMode())
	}
	if rc.retryCount != 0 || rc.retryDelay != 0 {
		opts = append(opts, redfish.WithRetries(rc.retryCount, rc.retryDelay))
	}

	c, err := redfish.New(rc.host, rc.username, rc.password, opts...)
	if err != nil {
		return nil, err
	}
	c.SetLogger(log)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func main() {
	rc := &rootConfig{}

	rootFS := flag.NewFlagSet(appName, flag.ExitOnError)
	rc.registerFlags(rootFS)

	powerFS := flag.NewFlagSet(appName+" power", flag.ExitOnError)
	rc.registerFlags(powerFS)
	power := &ffcli.Command{
		Name:       "power",
		ShortUsage: appName + " power <status|on|off|soft|reset|cycle>",
		ShortHelp:  "Read or change the server power state.",
		FlagSet:    powerFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(appName)},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return withClient(ctx, rc, func(ctx context.Context, c *redfish.Client) error {
				if args[0] == "status" {
					state, err := c.PowerState(ctx)
					if err != nil {
						return err
					}
					fmt.Println(state)
					return nil
				}
				_, err := c.SetPowerState(ctx, args[0])
				return err
			})
		},
	}

	mediaFS := flag.NewFlagSet(appName+" media", flag.ExitOnError)
	rc.registerFlags(mediaFS)
	mediaDevice := mediaFS.String("device", "", "Virtual media device ID (auto-selected when empty).")
	media := &ffcli.Command{
		Name:       "media",
		ShortUsage: appName + " media <status|insert <image-url>|eject>",
		ShortHelp:  "Inspect or change virtual media.",
		FlagSet:    mediaFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(appName)},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return flag.ErrHelp
			}
			return withClient(ctx, rc, func(ctx context.Context, c *redfish.Client) error {
				switch args[0] {
				case "status":
					devices, err := c.VirtualMediaStatus(ctx)
					if err != nil {
						return err
					}
					for _, d := range devices {
						fmt.Printf("%s\tinserted=%v\tconnected=%s\timage=%s\n", d.ID, d.IsInserted(), d.Connected, d.Image)
					}
					return nil
				case "insert":
					if len(args) != 2 {
						return flag.ErrHelp
					}
					return c.InsertMedia(ctx, args[1], *mediaDevice)
				case "eject":
					ejected, err := c.EjectMedia(ctx, *mediaDevice)
					if err != nil {
						return err
					}
					if !ejected {
						fmt.Println("nothing mounted")
					}
					return nil
				}
				return flag.ErrHelp
			})
		},
	}

	bootFS := flag.NewFlagSet(appName+" boot", flag.ExitOnError)
	rc.registerFlags(bootFS)
	bootPersistent := bootFS.Bool("persistent", false, "Apply the override to every boot, not just the next one.")
	bootEFI := bootFS.Bool("efi", true, "Boot in UEFI mode.")
	boot := &ffcli.Command{
		Name:       "boot",
		ShortUsage: appName + " boot <pxe|disk|cdrom|usb|bios|none>",
		ShortHelp:  "Set the boot source override.",
		FlagSet:    bootFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(appName)},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return withClient(ctx, rc, func(ctx context.Context, c *redfish.Client) error {
				_, err := c.SetBootDevice(ctx, args[0], *bootPersistent, *bootEFI)
				return err
			})
		},
	}

	inventoryFS := flag.NewFlagSet(appName+" inventory", flag.ExitOnError)
	rc.registerFlags(inventoryFS)
	inventory := &ffcli.Command{
		Name:       "inventory",
		ShortUsage: appName + " inventory",
		ShortHelp:  "Print a hardware summary.",
		FlagSet:    inventoryFS,
		Options:    []ff.Option{ff.WithEnvVarPrefix(appName)},
		Exec: func(ctx context.Context, _ []string) error {
			return withClient(ctx, rc, func(ctx context.Context, c *redfish.Client) error {
				info, err := c.System(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s (serial %s)\n", info.Manufacturer, info.Model, info.SerialNumber)
				fmt.Printf("power=%s bios=%s cpus=%d memory=%.0fGiB\n", info.PowerState, info.BIOSVersion, info.CPUCount, info.MemoryGiB)
				return nil
			})
		},
	}

	root := &ffcli.Command{
		Name:        appName,
		ShortUsage:  appName + " [flags] <subcommand>",
		FlagSet:     rootFS,
		Options:     []ff.Option{ff.WithEnvVarPrefix(appName)},
		Subcommands: []*ffcli.Command{power, media, boot, inventory},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		defaultLogger(rc.logLevel).Error(err, "command failed")
		os.Exit(1)
	}
}

// withClient runs fn with a connected client and guarantees logout on every
// exit path.
func withClient(ctx context.Context, rc *rootConfig, fn func(context.Context, *redfish.Client) error) error {
	log := defaultLogger(rc.logLevel)
	c, err := rc.client(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(ctx); err != nil {
			log.V(1).Info("session cleanup failed", "error", err)
		}
	}()

	return fn(ctx, c)
}
