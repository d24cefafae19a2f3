package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// bitSerialCRC32 is the bit-by-bit CRC32 algorithm MPEG-2 PSI sections are
// defined against (ITU-T H.222.0 Annex B), the same one go-astits computes
// its CRC with (see asticode-go-astits's computeCRC32 in the retrieval
// pack). It exists only to cross-check ComputeCRC32 against an
// independent, textbook implementation instead of trusting hash/crc32's
// IEEE table blindly.
func bitSerialCRC32(data []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			bit := b&0x80 != 0
			b <<= 1
			msb := crc&0x80000000 != 0
			crc <<= 1
			if msb != bit {
				crc ^= 0x04C11DB7
			}
		}
	}
	return crc
}

func TestComputeCRC32MatchesBitSerialReference(t *testing.T) {
	vectors := [][]byte{
		{},
		{0x00},
		{0x00, 0x01, 0x02, 0x03, 0x04},
		[]byte("mpeg-2 transport stream section payload"),
	}
	for _, v := range vectors {
		assert.Equal(t, bitSerialCRC32(v), ComputeCRC32(v))
	}
}
