package firmware

// padByte fills the tail of a component whose length is not word aligned,
// matching the erased state of flash.
const padByte = 0xff

// Build assembles an unencrypted package from raw component images. The IV
// and tag are left zero. Any of the components may be nil.
func Build(softdevice, bootloader, application []byte) (*Package, error) {
	sd := pad(softdevice)
	bl := pad(bootloader)
	app := pad(application)

	pkg := &Package{
		Start: StartPacket{
			Softdevice:  uint32(len(sd)),
			Bootloader:  uint32(len(bl)),
			Application: uint32(len(app)),
		},
	}
	image := make([]byte, 0, len(sd)+len(bl)+len(app))
	image = append(image, sd...)
	image = append(image, bl...)
	pkg.Image = append(image, app...)

	if err := pkg.validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

func pad(b []byte) []byte {
	if len(b)%4 == 0 {
		return b
	}
	out := make([]byte, len(b), len(b)+4-len(b)%4)
	copy(out, b)
	for len(out)%4 != 0 {
		out = append(out, padByte)
	}
	return out
}
