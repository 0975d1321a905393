package kdns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMasterFile_LoadsRecords(t *testing.T) {
	input := strings.NewReader(`
# a comment
example.org A IN 300 93.184.216.34

www.example.org CNAME IN 60 example.org.
`)
	table, err := parseMasterFile(input)
	require.NoError(t, err)

	rr, ok := table.Lookup(QuestionKey{Name: "example.org.", Type: TypeA, Class: ClassINET})
	require.True(t, ok)
	require.Equal(t, uint32(300), rr.TTL)
	require.Equal(t, []byte{93, 184, 216, 34}, rr.RData)

	_, ok = table.Lookup(QuestionKey{Name: "www.example.org.", Type: TypeCNAME, Class: ClassINET})
	require.True(t, ok)
}

func TestParseMasterFile_RejectsUnknownType(t *testing.T) {
	_, err := parseMasterFile(strings.NewReader("example.org BOGUS IN 300 x\n"))
	require.Error(t, err)
}

func TestParseMasterFile_RejectsBadIPLiteral(t *testing.T) {
	_, err := parseMasterFile(strings.NewReader("example.org A IN 300 not-an-ip\n"))
	require.Error(t, err)
}
