package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gattkit/gattkit/internal/gatt"
	"github.com/gattkit/gattkit/internal/transport/goble"
	"github.com/gattkit/gattkit/pkg/config"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <address>",
	Short: "Inspect the GATT database of a device",
	Long: `Connect to a BLE device and dump its full GATT database: every
service, characteristic (with capability flags), and descriptor, including
descriptor values where the platform can read them.

No schema is required; the device is enumerated as-is.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var inspectTimeout time.Duration

func init() {
	inspectCmd.Flags().DurationVarP(&inspectTimeout, "timeout", "t", 30*time.Second, "Connection timeout")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	// Inspection connects without expectations: empty schema, full
	// enumeration, no subscriptions.
	cfg.ExtensiveDiscovery = true
	cfg.AutoSubscribe = config.SubscribeNone
	cfg.InterfaceMatching = config.MatchMinimal
	cfg.ConnectTimeout = inspectTimeout

	stack, err := gatt.NewStack(goble.New(logger), cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	dev, err := stack.NewDevice(address, "", nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Connecting to %s...\n", address)
	if err := dev.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = dev.Disconnect(context.Background()) }()

	printDeviceTree(dev)
	return nil
}

// loadConfig resolves the engine configuration from the --config flag,
// falling back to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func printDeviceTree(dev *gatt.Device) {
	// Colors degrade to plain text when stdout is not a terminal.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	svcColor := color.New(color.FgCyan, color.Bold)
	chrColor := color.New(color.FgGreen)
	descColor := color.New(color.FgYellow)

	fmt.Printf("Device %s (%s)\n", dev.Address(), dev.Name())
	for _, svc := range dev.Services() {
		svcColor.Printf("service %s", svc.UUID())
		if name := svc.Name(); name != svc.UUID() {
			fmt.Printf("  [%s]", name)
		}
		fmt.Println()

		for _, chr := range svc.Characteristics() {
			chrColor.Printf("  characteristic %s", chr.UUID())
			fmt.Printf("  props=%s", chr.Properties())
			if name := chr.Name(); name != chr.UUID() {
				fmt.Printf("  [%s]", name)
			}
			fmt.Println()

			for _, desc := range chr.Descriptors() {
				descColor.Printf("    descriptor %s", desc.UUID())
				if name := desc.Name(); name != desc.UUID() {
					fmt.Printf("  [%s]", name)
				}
				if v := desc.Value(); len(v) > 0 {
					fmt.Printf("  value=%s", hex.EncodeToString(v))
				} else if err := desc.ReadError(); err != nil {
					fmt.Printf("  (value unavailable)")
				}
				fmt.Println()
			}
		}
	}
}
