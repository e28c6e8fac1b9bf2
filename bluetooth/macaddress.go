package bluetooth

import (
	"bytes"

	"github.com/darkhz/bluepolicy/errorkinds"
)

// MacAddress represents a Bluetooth address.
type MacAddress [NumAddressBytes]byte

const (
	// MaxAddressStringLength is the maximum length of a Bluetooth address string (with ':').
	MaxAddressStringLength = 17

	// NumAddressBytes is the total number of bytes in a MacAddress byte array.
	NumAddressBytes = 6
)

// ParseMAC parses the given MAC address, which must be in 11:22:33:AA:BB:CC
// format. If it cannot be parsed, an error is returned.
func ParseMAC(s string) (MacAddress, error) {
	return parseMacFromBuffer(bytes.NewBufferString(s))
}

// MustParseMAC is like ParseMAC, but panics if the address cannot be parsed.
func MustParseMAC(s string) MacAddress {
	mac, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}

	return mac
}

// String returns a human-readable version of this MAC address, such as
// 11:22:33:AA:BB:CC.
func (m MacAddress) String() string {
	return m.byteBuffer().String()
}

// IsNil checks if the MacAddress byte array is empty.
func (m MacAddress) IsNil() bool {
	return m == MacAddress{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MacAddress) MarshalText() ([]byte, error) {
	return m.byteBuffer().Bytes(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// This lets configuration and scenario files carry addresses as plain strings.
func (m *MacAddress) UnmarshalText(data []byte) error {
	mac, err := parseMacFromBuffer(bytes.NewBuffer(data))
	if err != nil {
		return err
	}

	*m = mac

	return nil
}

// byteBuffer returns a byte buffer with the string representation of the MacAddress.
func (m MacAddress) byteBuffer() *bytes.Buffer {
	s := bytes.NewBuffer(make([]byte, 0, MaxAddressStringLength))

	for i := NumAddressBytes - 1; i >= 0; i-- {
		c := m[i]
		if i != NumAddressBytes-1 {
			s.WriteString(":")
		}

		s.WriteByte(hexDigit(c >> 4))
		s.WriteByte(hexDigit(c & 0x0f))
	}

	return s
}

func hexDigit(nibble byte) byte {
	if nibble <= 9 {
		return nibble + '0'
	}

	return nibble + 'A' - 10
}

// parseMacFromBuffer parses a Bluetooth address string from a byte buffer.
// The most significant byte comes first in the string and is stored last.
func parseMacFromBuffer(b *bytes.Buffer) (MacAddress, error) {
	var mac MacAddress

	macIndex := NumAddressBytes*2 - 1

	for {
		c, err := b.ReadByte()
		if err != nil {
			break
		}

		if c == ':' {
			continue
		}

		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 0xA
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 0xA
		default:
			return MacAddress{}, errorkinds.ErrInvalidAddress
		}

		if macIndex < 0 {
			return MacAddress{}, errorkinds.ErrInvalidAddress
		}

		if macIndex%2 == 0 {
			mac[macIndex/2] |= nibble
		} else {
			mac[macIndex/2] |= nibble << 4
		}

		macIndex--
	}

	if macIndex != -1 {
		return MacAddress{}, errorkinds.ErrInvalidAddress
	}

	return mac, nil
}
