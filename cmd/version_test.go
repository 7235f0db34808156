package cmd

import (
	"fmt"
	"github.com/eggbot/eggbot/eggbot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := eggbot.Version
	originalCommitSHA := eggbot.CommitSHA
	originalBuildTime := eggbot.BuildTime

	t.Cleanup(
		func() {
			eggbot.Version = originalVersion
			eggbot.CommitSHA = originalCommitSHA
			eggbot.BuildTime = originalBuildTime
		},
	)

	eggbot.Version = "1.0.0"
	eggbot.CommitSHA = "abc123"
	eggbot.BuildTime = "2024-03-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		eggbot.Version,
		eggbot.CommitSHA,
		eggbot.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
