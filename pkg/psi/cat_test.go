package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCATRoundTrip(t *testing.T) {
	emm1 := &CADescriptor{CASystemID: 0x0500, CAPID: 0x0050}
	emm2 := &CADescriptor{CASystemID: 0x0602, CAPID: 0x0060, PrivateData: []byte{0xAA}}
	d1, err := emm1.ToDescriptor()
	assert.NoError(t, err)
	d2, err := emm2.ToDescriptor()
	assert.NoError(t, err)

	cat := &CAT{
		VersionNumber:        5,
		CurrentNextIndicator: true,
		Descriptors:          []Descriptor{d1, d2},
	}

	section, err := cat.Serialize()
	assert.NoError(t, err)
	assert.Equal(t, uint8(TIDCAT), section.TableID)

	decoded, err := ParseCAT([]*Section{section})
	assert.NoError(t, err)
	assert.Equal(t, cat.VersionNumber, decoded.VersionNumber)
	assert.ElementsMatch(t, []uint16{0x0050, 0x0060}, decoded.EMMPIDs())
}
