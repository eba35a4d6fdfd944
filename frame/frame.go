// Package frame implements the bridge wire format.
//
// A frame on the wire is the payload wrapped between an STX and an ETX byte,
// followed by four ASCII hex characters: the XOR of every byte from STX to ETX
// inclusive, then the 8-bit sum of the same bytes.
//
//	[STX][payload][ETX][xor hi][xor lo][sum hi][sum lo]
//
// The checksum is written on send only. The Decoder extracts payloads and
// skips the checksum characters as unframed bytes.
package frame

const (
	STX byte = 0x02 // start of text, opens a frame
	ETX byte = 0x03 // end of text, closes a frame
)

const (
	// Overhead is the number of bytes Encode adds around a payload.
	Overhead = 6
	// Heartbeat is the reserved keep-alive payload. It is never delivered to
	// message handlers.
	Heartbeat = "LT"
	// DefaultMaxSize bounds the payload the Decoder buffers for one open frame.
	DefaultMaxSize = 64 * 1024
)

// Error represents a protocol violation found while decoding.
type Error uint8

const (
	ErrNestedStart     Error = 1
	ErrEndWithoutStart Error = 2
	ErrFrameTooLarge   Error = 3
)

func (e Error) Error() string {
	switch e {
	case ErrNestedStart:
		return "frame: start marker inside an open frame"
	case ErrEndWithoutStart:
		return "frame: end marker without start"
	case ErrFrameTooLarge:
		return "frame: payload exceeds size limit"
	default:
		return "frame: unknown error"
	}
}

const hexDigits = "0123456789ABCDEF"

// Encode packs an ASCII payload into a wire frame. The payload must not
// contain STX or ETX; this is not checked.
func Encode(text string) []byte {
	buf := make([]byte, len(text)+Overhead)
	buf[0] = STX
	copy(buf[1:], text)
	end := len(text) + 1
	buf[end] = ETX
	span := buf[:end+1]
	putHex(buf[end+1:], XorSum(span))
	putHex(buf[end+3:], ByteSum(span))
	return buf
}

// XorSum returns the exclusive-or of every byte in b.
func XorSum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// ByteSum returns the sum of every byte in b modulo 256.
func ByteSum(b []byte) byte {
	var s byte
	for _, c := range b {
		s += c
	}
	return s
}

func putHex(dst []byte, v byte) {
	dst[0] = hexDigits[v>>4]
	dst[1] = hexDigits[v&0x0f]
}
