package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/spf13/cobra"

	"github.com/gattkit/gattkit/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their names, addresses, RSSI values,
and advertised services.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var serviceUUIDs []blelib.UUID
	for _, s := range scanServices {
		u, err := blelib.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		serviceUUIDs = append(serviceUUIDs, u)
	}

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = scanDuration
	opts.ServiceUUIDs = serviceUUIDs
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := s.Scan(ctx, opts, nil)
	if err != nil {
		return err
	}

	switch scanFormat {
	case "json":
		return printScanJSON(devices)
	default:
		return printScanTable(devices)
	}
}

func printScanTable(devices map[string]*scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	// Strongest signal first.
	sorted := make([]*scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RSSI > sorted[j].RSSI })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCONNECTABLE\tSERVICES")
	for _, d := range sorted {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\n",
			d.Address, name, d.RSSI, d.Connectable, strings.Join(d.Services, ","))
	}
	return w.Flush()
}

func printScanJSON(devices map[string]*scanner.DeviceInfo) error {
	sorted := make([]*scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sorted)
}
