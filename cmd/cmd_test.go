package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openconservation/marketscan"
)

// spoofStreams captures output and exit codes instead of touching the real
// process.
func spoofStreams(t *testing.T) (*[]string, *[]int) {
	t.Helper()
	var errs []string
	var exits []int
	old := SetStreams(Streams{
		Printf: func(format string, args ...interface{}) {},
		Errorf: func(format string, args ...interface{}) {
			errs = append(errs, fmt.Sprintf(format, args...))
		},
		Exit: func(status int) {
			exits = append(exits, status)
		},
	})
	t.Cleanup(func() { SetStreams(old) })
	return &errs, &exits
}

func TestParsePlatforms(t *testing.T) {
	tags, err := parsePlatforms("all")
	require.NoError(t, err)
	assert.Equal(t, marketscan.AllPlatforms, tags)

	tags, err = parsePlatforms("ebay, craigslist")
	require.NoError(t, err)
	assert.Equal(t, []string{"ebay", "craigslist"}, tags)

	_, err = parsePlatforms("ebay,myspace")
	assert.Error(t, err)

	_, err = parsePlatforms(",")
	assert.Error(t, err)
}

func TestScanRejectsBadDomain(t *testing.T) {
	errs, exits := spoofStreams(t)

	scanDomain = "narcotics"
	scanGroupID = 1
	defer func() { scanDomain = "wildlife" }()

	scanCommand.Run(scanCommand, nil)

	require.NotEmpty(t, *exits)
	assert.Equal(t, ExitConfig, (*exits)[0])
	assert.Contains(t, (*errs)[0], "threat domain")
}

func TestScanRejectsBadGroup(t *testing.T) {
	_, exits := spoofStreams(t)

	scanDomain = "wildlife"
	scanGroupID = 0
	defer func() { scanGroupID = 1 }()

	scanCommand.Run(scanCommand, nil)

	require.NotEmpty(t, *exits)
	assert.Equal(t, ExitConfig, (*exits)[0])
}

func TestScanRejectsBadPriorityPlatform(t *testing.T) {
	_, exits := spoofStreams(t)

	scanDomain = "wildlife"
	scanGroupID = 1
	scanPlatforms = "ebay"
	scanPriorityPlatform = "myspace"
	defer func() {
		scanPlatforms = "all"
		scanPriorityPlatform = "auto"
	}()

	scanCommand.Run(scanCommand, nil)

	require.NotEmpty(t, *exits)
	assert.Equal(t, ExitConfig, (*exits)[0])
}
