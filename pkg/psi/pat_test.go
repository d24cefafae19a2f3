package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Littlelies/tsduck/pkg/tserr"
)

func TestPATRoundTrip(t *testing.T) {
	pat := &PAT{
		TransportStreamID:    0x1234,
		VersionNumber:        3,
		CurrentNextIndicator: true,
		Programs: []PATProgram{
			{ProgramNumber: 0, PID: 0x0010},
			{ProgramNumber: 1, PID: 0x0100},
			{ProgramNumber: 2, PID: 0x0200},
		},
	}

	section, err := pat.Serialize()
	assert.NoError(t, err)
	assert.Equal(t, uint8(TIDPAT), section.TableID)

	decoded, err := ParsePAT([]*Section{section})
	assert.NoError(t, err)
	assert.Equal(t, pat.TransportStreamID, decoded.TransportStreamID)
	assert.Equal(t, pat.VersionNumber, decoded.VersionNumber)
	assert.Equal(t, pat.CurrentNextIndicator, decoded.CurrentNextIndicator)
	assert.Equal(t, pat.Programs, decoded.Programs)

	pid, ok := decoded.FindPMTPID(1)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0100), pid)

	_, ok = decoded.FindPMTPID(99)
	assert.False(t, ok)
}

func TestParsePATWrongTableID(t *testing.T) {
	pmt := &PMT{ProgramNumber: 1, PCRPID: 0x100}
	section, err := pmt.Serialize()
	assert.NoError(t, err)

	_, err = ParsePAT([]*Section{section})
	assert.ErrorIs(t, err, tserr.ErrWrongTableID)
}
