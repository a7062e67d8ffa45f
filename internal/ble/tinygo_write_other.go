//go:build !linux

package ble

func (c *tinyGoCharacteristic) write(data []byte, withResponse bool) error {
	var err error
	if withResponse {
		_, err = c.char.Write(data)
	} else {
		_, err = c.char.WriteWithoutResponse(data)
	}
	return err
}
