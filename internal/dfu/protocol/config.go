package protocol

// Configuration frame sizes.
const (
	ConfigPayloadSize = 48
	// ConfigHeaderSize is a start packet plus an empty init packet.
	ConfigHeaderSize = 12 + 32
)

// ConfigPayload rewrites the bootloader's encryption key and/or MAC
// address. Fields left zero are sent as zeros, which the bootloader treats
// as "unchanged".
type ConfigPayload struct {
	OldKey [16]byte
	NewKey [16]byte
	NewMAC [6]byte
}

// Bytes returns old key, new key, MAC and zero padding to 48 bytes.
func (p ConfigPayload) Bytes() []byte {
	b := make([]byte, ConfigPayloadSize)
	copy(b[0:16], p.OldKey[:])
	copy(b[16:32], p.NewKey[:])
	copy(b[32:38], p.NewMAC[:])
	return b
}
