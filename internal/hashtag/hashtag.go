package hashtag

import (
	"strings"

	"github.com/redwire-go/redwire/internal/rand"
)

const slotNumber = 16384

// crc16tab is the CRC16-XMODEM lookup table (polynomial 0x1021, init 0),
// the checksum the cluster key-slot mapping is defined over.
var crc16tab = func() (tab [256]uint16) {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}()

func crc16sum(key string) (crc uint16) {
	for i := 0; i < len(key); i++ {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^key[i]]
	}
	return crc
}

// Key returns the portion of key used for slot hashing. If the key contains
// a {tag} with non-empty tag, only the tag is hashed; an empty {} is treated
// literally.
func Key(key string) string {
	if s := strings.IndexByte(key, '{'); s > -1 {
		if e := strings.IndexByte(key[s+1:], '}'); e > 0 {
			return key[s+1 : s+e+1]
		}
	}
	return key
}

// Slot returns the cluster hash slot for key, honoring hash tags.
func Slot(key string) int {
	if key == "" {
		return RandomSlot()
	}
	key = Key(key)
	return int(crc16sum(key)) % slotNumber
}

// RandomSlot returns a random slot, used for keyless commands.
func RandomSlot() int {
	return rand.Intn(slotNumber)
}
