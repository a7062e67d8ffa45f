package dfu

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// rejectReasons explains why an advertisement is not a bootloader we want.
// A device qualifies by carrying the bootloader name and, when it
// advertises any services at all, a DFU service among them.
func (u *Updater) rejectReasons(d ble.Device) []string {
	var reasons []string
	if d.AdvertisedServices > 0 && len(d.Services) == 0 {
		reasons = append(reasons, "wrong service")
	}
	if d.Name != u.opts.DeviceName {
		reasons = append(reasons, "wrong name")
	}
	if u.opts.Address != "" && !ble.SameAddress(d.Address, u.opts.Address) {
		reasons = append(reasons, "wrong address")
	}
	return reasons
}

// find scans until a matching bootloader advertises. The generation is
// taken from the advertised service when there is one.
func (u *Updater) find(ctx context.Context, logger *log.Entry) (ble.Device, *protocol.Generation, error) {
	scanCtx := ctx
	if u.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, u.opts.ScanTimeout)
		defer cancel()
	}

	logger.Info("Scanning for DFU devices")
	seen := make(map[string]bool)
	var match *ble.Device
	err := u.adapter.Scan(scanCtx, protocol.ServiceUUIDs(), func(d ble.Device) bool {
		reasons := u.rejectReasons(d)
		key := strings.ToLower(d.Address)
		if !seen[key] {
			seen[key] = true
			suffix := ""
			for _, r := range reasons {
				suffix += " (" + r + ")"
			}
			logger.Infof("Found: name %q, address %s, RSSI %d%s", d.Name, d.Address, d.RSSI, suffix)
		}
		if len(reasons) > 0 {
			return false
		}
		dev := d
		match = &dev
		return true
	})
	if err != nil {
		return ble.Device{}, nil, &TransportError{Op: "scan", Err: err}
	}
	if match == nil {
		if ctx.Err() != nil {
			return ble.Device{}, nil, ctx.Err()
		}
		return ble.Device{}, nil, ErrNoDevice
	}

	var gen *protocol.Generation
	for _, svc := range match.Services {
		if gen = protocol.ForService(svc); gen != nil {
			break
		}
	}
	return *match, gen, nil
}
