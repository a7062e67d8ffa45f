// internal/dfu/protocol/chunk.go
package protocol

// DefaultPacketSize is the payload of a single packet characteristic write
// before any MTU negotiation.
const DefaultPacketSize = 20

// BlockCount is the number of packets needed to carry n bytes.
func BlockCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Chunks splits data into consecutive slices of at most size bytes. Only
// the last chunk may be shorter. Returns nil for empty data or size <= 0.
// The chunks alias data.
func Chunks(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, BlockCount(len(data), size))
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
