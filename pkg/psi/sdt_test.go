package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSDTRoundTripAndFindServiceByName(t *testing.T) {
	sdt := &SDT{
		TableID:              TIDSDTAct,
		TransportStreamID:    0x0001,
		OriginalNetworkID:    0x0002,
		VersionNumber:        1,
		CurrentNextIndicator: true,
		Services: []SDTService{
			{
				ServiceID:     100,
				RunningStatus: 4,
				FreeCAMode:    true,
				Descriptors:   []Descriptor{NewServiceDescriptor(0x01, "Provider", "My Channel")},
			},
			{
				ServiceID:     200,
				RunningStatus: 4,
				Descriptors:   []Descriptor{NewServiceDescriptor(0x01, "Provider", "Other Channel")},
			},
		},
	}

	section, err := sdt.Serialize()
	assert.NoError(t, err)
	assert.Equal(t, uint8(TIDSDTAct), section.TableID)

	decoded, err := ParseSDT([]*Section{section})
	assert.NoError(t, err)
	assert.Equal(t, sdt.TransportStreamID, decoded.TransportStreamID)
	assert.Equal(t, sdt.OriginalNetworkID, decoded.OriginalNetworkID)
	assert.Len(t, decoded.Services, 2)
	assert.True(t, decoded.Services[0].FreeCAMode)
	assert.False(t, decoded.Services[1].FreeCAMode)

	id, ok := decoded.FindServiceByName("  my channel  ")
	assert.True(t, ok)
	assert.Equal(t, uint16(100), id)

	id, ok = decoded.FindServiceByName("OTHER CHANNEL")
	assert.True(t, ok)
	assert.Equal(t, uint16(200), id)

	_, ok = decoded.FindServiceByName("nope")
	assert.False(t, ok)
}
