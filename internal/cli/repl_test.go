package cli_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/internal/cli"
)

func Test_Repl_Runs_Commands_On_One_Worker_When_Input_Is_Piped(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("body.txt", "repl body")

	script := strings.Join([]string{
		"help",
		"put http://example.com/r body.txt",
		"# comments are skipped",
		"get http://example.com/r",
		"free http://example.com/r",
		"get http://example.com/r",
		"init",
		"exit",
		"stat",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "repl")
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "Type 'help' for commands.")
	cli.AssertContains(t, stdout, "free <url>")
	cli.AssertNotContains(t, stdout, "init [flags]")
	cli.AssertContains(t, stdout, "stored http://example.com/r: 9 bytes")
	cli.AssertContains(t, stdout, "repl body")
	cli.AssertContains(t, stdout, "freed http://example.com/r")
	cli.AssertNotContains(t, stdout, "# disk")

	cli.AssertContains(t, stderr, "not cached: http://example.com/r")
	cli.AssertContains(t, stderr, "unknown command: init")
}

func Test_Repl_Stops_At_End_Of_Input_When_Exit_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")

	stdout, stderr, code := c.RunWithInput("stat\n", "repl")
	require.Equal(t, 0, code, stderr)
	cli.AssertContains(t, stdout, "# disk")
}
