package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/dfu"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
)

func (a *app) updaterOptions() dfu.Options {
	c := a.cfg
	opts := dfu.DefaultOptions()
	opts.DeviceName = c.BLE.DeviceName
	opts.Address = c.BLE.Address
	opts.ScanTimeout = c.BLE.ScanTimeout
	opts.DiscoverTimeout = c.BLE.DiscoverTimeout
	opts.Connect = ble.ConnectOptions{
		Tries:        c.BLE.ConnectTries,
		Timeout:      c.BLE.ConnectTimeout,
		ReconnectMax: c.BLE.ReconnectMax,
	}
	opts.PacketSize = c.DFU.PacketSize
	opts.PacketReceiptInterval = c.DFU.PacketReceiptInterval
	opts.PacketWriteResponse = c.DFU.PacketWriteResponse
	opts.RequestMTU = c.DFU.RequestMTU
	opts.ResponseTimeout = c.DFU.ResponseTimeout
	opts.IncompatibleRevisions = c.DFU.IncompatibleRevisions
	opts.PatchRetryMax = c.DFU.PatchRetryMax
	opts.PatchRetryDelay = c.DFU.PatchRetryDelay
	return opts
}

// run performs one DFU session and reports its outcome.
func (a *app) run(intent dfu.Intent, opts dfu.Options) error {
	adapter, err := a.adapter()
	if err != nil {
		return err
	}
	outcome, err := dfu.NewUpdater(adapter, opts).Run(a.ctx, intent)
	if err != nil {
		return err
	}
	switch outcome {
	case dfu.OutcomeSkipped:
		fmt.Fprintln(a.out, "Bootloader revision is incompatible with this package; device left untouched")
	default:
		fmt.Fprintf(a.out, "Done: %s\n", outcome)
	}
	return nil
}

func (a *app) updateCmd() *cobra.Command {
	var requestMTU bool
	var prn int
	var downloadDir string

	cmd := &cobra.Command{
		Use:   "update <package|url>",
		Short: "Send a firmware package to a bootloader",
		Example: "  rigdfu update app.bin\n" +
			"  rigdfu update --mac e2:ec:1d:93:2e:99 --mtu https://example.com/fw/app.bin\n",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if firmware.IsURL(src) {
				dir := downloadDir
				if dir == "" {
					dir = a.cfg.DFU.DownloadDir
				}
				path, err := firmware.Download(a.ctx, src, dir, a.errOut)
				if err != nil {
					return err
				}
				src = path
			}
			pkg, err := firmware.ParseFile(src)
			if err != nil {
				return err
			}

			opts := a.updaterOptions()
			if cmd.Flags().Changed("mtu") {
				opts.RequestMTU = requestMTU
			}
			if cmd.Flags().Changed("prn") {
				if prn < 0 || prn > 0xffff {
					return usageErrorf("--prn must be between 0 and 65535, got %d", prn)
				}
				opts.PacketReceiptInterval = prn
			}

			bar := a.newTransferBar(len(pkg.Image))
			defer bar.finish()
			opts.Progress = func(p dfu.Progress) {
				bar.update(fmt.Sprintf("%s (acked %d) ", p.Phase, p.BytesAcked), p.BytesSent)
			}

			return a.run(dfu.Intent{Mode: dfu.ModeUpdate, Package: pkg}, opts)
		},
	}
	cmd.Flags().BoolVar(&requestMTU, "mtu", false, "negotiate a larger MTU before the transfer")
	cmd.Flags().IntVar(&prn, "prn", 0, "packet receipt interval (0 disables receipts)")
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "where downloaded packages are stored")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	var oldKey, newKey, newMAC string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change the key or address of a bootloader",
		Example: "  rigdfu config --oldkey 00112233445566778899aabbccddeeff --newmac e2:ec:1d:93:2e:99\n",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildConfigPayload(oldKey, newKey, newMAC)
			if err != nil {
				return err
			}
			return a.run(dfu.Intent{Mode: dfu.ModeConfigure, Config: payload}, a.updaterOptions())
		},
	}
	cmd.Flags().StringVarP(&oldKey, "oldkey", "k", "", "current device key, required if the device has one")
	cmd.Flags().StringVarP(&newKey, "newkey", "K", "", "new device key (16 bytes hex)")
	cmd.Flags().StringVarP(&newMAC, "newmac", "M", "", "new device address (6 bytes hex)")
	return cmd
}

// buildConfigPayload zero fills every field that was not supplied.
func buildConfigPayload(oldKey, newKey, newMAC string) (protocol.ConfigPayload, error) {
	var payload protocol.ConfigPayload
	if newKey == "" && newMAC == "" {
		if oldKey != "" {
			return payload, usageErrorf("--oldkey should only be specified with --newkey or --newmac")
		}
		return payload, usageErrorf("nothing to configure: pass --newkey or --newmac")
	}
	fields := []struct {
		flag string
		val  string
		dst  []byte
	}{
		{"oldkey", oldKey, payload.OldKey[:]},
		{"newkey", newKey, payload.NewKey[:]},
		{"newmac", newMAC, payload.NewMAC[:]},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		b, err := parseHex(f.val, len(f.dst))
		if err != nil {
			return payload, usageErrorf("--%s: %v", f.flag, err)
		}
		copy(f.dst, b)
		log.Infof("%s: %x", f.flag, b)
	}
	return payload, nil
}

func (a *app) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Connect to a bootloader and disconnect without writing anything",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(dfu.Intent{Mode: dfu.ModeTest}, a.updaterOptions())
		},
	}
}
