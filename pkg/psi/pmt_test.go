package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPMTRoundTrip(t *testing.T) {
	ca := &CADescriptor{CASystemID: 0x0500, CAPID: 0x0123, PrivateData: []byte{0x01, 0x02}}
	caDesc, err := ca.ToDescriptor()
	assert.NoError(t, err)

	pmt := &PMT{
		ProgramNumber:        1,
		VersionNumber:        2,
		CurrentNextIndicator: true,
		PCRPID:               0x0101,
		ProgramDescriptors:   []Descriptor{caDesc},
		Streams: []PMTStream{
			{StreamType: 0x02, PID: 0x0101},
			{StreamType: 0x0F, PID: 0x0102, Descriptors: []Descriptor{{Tag: 0x0A, Data: []byte("eng")}}},
		},
	}

	section, err := pmt.Serialize()
	assert.NoError(t, err)
	assert.Equal(t, uint8(TIDPMT), section.TableID)

	decoded, err := ParsePMT([]*Section{section})
	assert.NoError(t, err)
	assert.Equal(t, pmt.ProgramNumber, decoded.ProgramNumber)
	assert.Equal(t, pmt.PCRPID, decoded.PCRPID)
	assert.Len(t, decoded.Streams, 2)
	assert.Equal(t, pmt.Streams[1].Descriptors, decoded.Streams[1].Descriptors)

	decodedCA, ok := FindCADescriptor(decoded.ProgramDescriptors)
	assert.True(t, ok)
	assert.Equal(t, ca.CASystemID, decodedCA.CASystemID)
	assert.Equal(t, ca.CAPID, decodedCA.CAPID)
	assert.Equal(t, ca.PrivateData, decodedCA.PrivateData)

	st, ok := decoded.FindStream(0x0102)
	assert.True(t, ok)
	assert.Equal(t, uint8(0x0F), st.StreamType)
}
