package mesh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Address is a 16-bit mesh address.
type Address uint16

const (
	UnassignedAddress Address = 0x0000
	AllProxies        Address = 0xFFFC
	AllFriends        Address = 0xFFFD
	AllRelays         Address = 0xFFFE
	AllNodes          Address = 0xFFFF

	MaxUnicastAddress Address = 0x7FFF
)

func (a Address) IsUnassigned() bool { return a == UnassignedAddress }
func (a Address) IsUnicast() bool    { return a != UnassignedAddress && a&0x8000 == 0 }
func (a Address) IsVirtual() bool    { return a&0xC000 == 0x8000 }
func (a Address) IsGroup() bool      { return a&0xC000 == 0xC000 }

func (a Address) String() string {
	return fmt.Sprintf("%04x", uint16(a))
}

// ParseAddress accepts a 4 digit hex address with an optional 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return Address(v), nil
}

// KeyIndex is a 12-bit NetKey or AppKey index.
type KeyIndex uint16

const MaxKeyIndex KeyIndex = 0x0FFF

func (k KeyIndex) Valid() bool { return k <= MaxKeyIndex }
