//go:build linux

package ble

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

var noAckOnce sync.Once

// write sends data to the characteristic. tinygo's BlueZ backend only
// exposes write-without-response, so a requested acknowledgement cannot be
// waited for; the hci transport can.
func (c *tinyGoCharacteristic) write(data []byte, withResponse bool) error {
	if withResponse {
		noAckOnce.Do(func() {
			log.Warn("ble: BlueZ through tinygo gives no write acknowledgement; use transport hci for acknowledged writes")
		})
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
