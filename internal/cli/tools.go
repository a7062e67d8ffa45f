package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/fatih/structs"
	"github.com/spf13/cobra"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/config"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
	"github.com/rigado/bootloader-tools/internal/serialdfu"
)

const defaultScanTime = 5 * time.Second

func (a *app) scanCmd() *cobra.Command {
	var timeout time.Duration
	var dfuOnly bool

	cmd := &cobra.Command{
		Use:   "scan [name]",
		Short: "List nearby BLE devices",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if timeout <= 0 {
				timeout = defaultScanTime
			}
			var services []string
			if dfuOnly {
				services = protocol.ServiceUUIDs()
			}

			adapter, err := a.adapter()
			if err != nil {
				return err
			}
			devices, err := ble.ScanForDevices(a.ctx, adapter, services, name, timeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(a.out, "No devices found")
				return nil
			}
			for _, d := range devices {
				gen := ""
				for _, svc := range d.Services {
					if g := protocol.ForService(svc); g != nil {
						gen = " [" + g.Name + " DFU]"
						break
					}
				}
				fmt.Fprintf(a.out, "%s  %4d dBm  %q%s\n", d.Address, d.RSSI, d.Name, gen)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", defaultScanTime, "how long to scan")
	cmd.Flags().BoolVar(&dfuOnly, "dfu", false, "only list devices advertising a DFU service")
	return cmd
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <package>",
		Short: "Describe a firmware package",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := firmware.ParseFile(args[0])
			if err != nil {
				return err
			}
			a.printPackage(pkg)
			return nil
		},
	}
}

func (a *app) printPackage(pkg *firmware.Package) {
	fmt.Fprintf(a.out, "Kind:        %s\n", pkg.Kind())
	for _, f := range structs.Fields(pkg.Start) {
		fmt.Fprintf(a.out, "%-12s %d bytes\n", f.Tag("structs")+":", f.Value())
	}
	fmt.Fprintf(a.out, "IV:          %s\n", hex.EncodeToString(pkg.Init.IV[:]))
	fmt.Fprintf(a.out, "Tag:         %s\n", hex.EncodeToString(pkg.Init.Tag[:]))
	if pkg.IsPatch() {
		fmt.Fprintf(a.out, "Patch:       %d bytes, new crc %08x, old crc %08x\n",
			pkg.Patch.Length, pkg.Patch.NewCRC, pkg.Patch.OldCRC)
	}
	fmt.Fprintf(a.out, "Image:       %d bytes, crc32a %08x\n", len(pkg.Image), pkg.Checksum())
}

func (a *app) packCmd() *cobra.Command {
	var sdPath, blPath, appPath, outPath string
	var hexFiles []string
	var sdRange, blRange, appRange string

	cmd := &cobra.Command{
		Use:   "pack -o <out> [-s softdevice] [-b bootloader] [-a application] | --hexfile <hex>... [-S|-B|-A LOW-HIGH]",
		Short: "Build an unencrypted package from raw images or Intel HEX files",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return usageErrorf("--out is required")
			}
			var pkg *firmware.Package
			var err error
			if len(hexFiles) > 0 {
				pkg, err = packHex(hexFiles, sdPath, blPath, appPath, sdRange, blRange, appRange)
			} else {
				pkg, err = packRaw(sdPath, blPath, appPath, sdRange, blRange, appRange)
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, pkg.Bytes(), 0644); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", outPath)
			a.printPackage(pkg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sdPath, "softdevice", "s", "", "softdevice image")
	cmd.Flags().StringVarP(&blPath, "bootloader", "b", "", "bootloader image")
	cmd.Flags().StringVarP(&appPath, "application", "a", "", "application image")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output package")
	cmd.Flags().StringSliceVar(&hexFiles, "hexfile", nil, "Intel HEX file(s) to load, merged in order")
	cmd.Flags().StringVarP(&sdRange, "softdevice-addr", "S", "", "softdevice location in the hex files, LOW-HIGH")
	cmd.Flags().StringVarP(&blRange, "bootloader-addr", "B", "", "bootloader location in the hex files, LOW-HIGH")
	cmd.Flags().StringVarP(&appRange, "application-addr", "A", "", "application location in the hex files, LOW-HIGH")
	return cmd
}

func packRaw(sdPath, blPath, appPath, sdRange, blRange, appRange string) (*firmware.Package, error) {
	if sdRange != "" || blRange != "" || appRange != "" {
		return nil, usageErrorf("address ranges need --hexfile")
	}
	if sdPath == "" && blPath == "" && appPath == "" {
		return nil, usageErrorf("pass at least one of --softdevice, --bootloader or --application")
	}
	var parts [3][]byte
	for i, p := range []string{sdPath, blPath, appPath} {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		parts[i] = data
	}
	return firmware.Build(parts[0], parts[1], parts[2])
}

// packHex cuts the components out of the merged hex files. Each address
// range given selects that component.
func packHex(files []string, sdPath, blPath, appPath, sdRange, blRange, appRange string) (*firmware.Package, error) {
	if sdPath != "" || blPath != "" || appPath != "" {
		return nil, usageErrorf("--hexfile cannot be combined with raw images")
	}
	var ranges [3]*firmware.AddrRange
	for i, s := range []string{sdRange, blRange, appRange} {
		if s == "" {
			continue
		}
		r, err := firmware.ParseAddrRange(s)
		if err != nil {
			return nil, usageErrorf("%v", err)
		}
		ranges[i] = &r
	}
	if ranges[0] == nil && ranges[1] == nil && ranges[2] == nil {
		return nil, usageErrorf("pass at least one of --softdevice-addr, --bootloader-addr or --application-addr")
	}
	img, err := firmware.LoadHex(files...)
	if err != nil {
		return nil, err
	}
	return firmware.BuildFromHex(img, ranges[0], ranges[1], ranges[2])
}

func (a *app) serialCmd() *cobra.Command {
	var port string
	var baud int

	cmd := &cobra.Command{
		Use:   "serial <package>",
		Short: "Send a firmware package over a serial port",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := a.cfg.Serial
			if port == "" {
				port = sc.Port
			}
			if port == "" {
				return usageErrorf("no serial port: pass --port or set serial.port")
			}
			if cmd.Flags().Changed("baud") {
				sc.Baud = baud
			}

			pkg, err := firmware.ParseFile(args[0])
			if err != nil {
				return err
			}
			if pkg.IsPatch() {
				return usageErrorf("patch packages cannot be sent over serial")
			}

			p, err := serialdfu.Open(port, sc.Baud, sc.ReadTimeout)
			if err != nil {
				return err
			}
			defer p.Close()

			bar := a.newTransferBar(len(pkg.Image))
			defer bar.finish()
			opts := serialdfu.Options{
				ChunkSize:       sc.ChunkSize,
				ResponseTimeout: sc.ResponseTimeout,
				Progress:        func(sent, _ int) { bar.update("", sent) },
			}
			if err := serialdfu.NewLoader(p, opts).Update(a.ctx, pkg); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Done: updated")
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port device")
	cmd.Flags().IntVar(&baud, "baud", 115200, "baud rate")
	return cmd
}

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Write the default config file",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(a.out, "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
}
