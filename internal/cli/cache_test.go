package cli_test

import (
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/internal/cli"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(path, 0o750))
}

func bodyText(n int) string {
	var b strings.Builder

	for i := range n {
		b.WriteByte(byte('a' + i%26))
	}

	return b.String()
}

func Test_Get_Returns_Body_When_Object_Was_Put_By_Earlier_Command(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")

	want := bodyText(10000)
	c.WriteFile("body.txt", want)

	stdout := c.MustRun("put", "http://example.com/a", "body.txt")
	cli.AssertContains(t, stdout, "stored http://example.com/a: 10000 bytes")

	got, stderr, code := c.Run("get", "http://example.com/a")
	require.Equal(t, 0, code, stderr)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("body (-want +got):\n%s", diff)
	}
}

func Test_Get_Includes_Header_Block_When_Include_Flag_Is_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.RunWithInput("hello", "put", "-t", "text/plain", "http://example.com/h", "-")

	stdout := c.MustRun("get", "-i", "http://example.com/h")

	cli.AssertContains(t, stdout, "HTTP/1.1 200 OK")
	cli.AssertContains(t, stdout, "Content-Type: text/plain")
	cli.AssertContains(t, stdout, "Content-Length: 5")
	require.True(t, strings.HasSuffix(stdout, "\r\n\r\nhello"), stdout)
}

func Test_Get_Writes_Output_File_When_Output_Flag_Is_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("in.bin", bodyText(5000))
	c.MustRun("put", "http://example.com/o", "in.bin")

	stdout := c.MustRun("get", "http://example.com/o", "-o", "out.bin")

	cli.AssertContains(t, stdout, "wrote 5000 bytes to out.bin")
	require.Equal(t, bodyText(5000), c.ReadFile("out.bin"))
}

func Test_Get_Fails_When_Url_Is_Not_Cached(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")

	stderr := c.MustFail("get", "http://example.com/missing")
	cli.AssertContains(t, stderr, "not cached: http://example.com/missing")
}

func Test_Get_Reads_Object_From_Other_Worker_When_Workers_Share_Segments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".smpcache.json", `{"workers": 2, "slots": 64, "slot_size": 4096, "log_level": "warn"}`)
	c.MustRun("init")

	c.WriteFile("body.txt", bodyText(9000))
	c.MustRun("--worker", "0", "put", "http://example.com/shared", "body.txt")

	got, stderr, code := c.Run("--worker", "1", "get", "http://example.com/shared")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, bodyText(9000), got)
}

func Test_Put_Fails_When_Object_Exceeds_Max_Object_Size(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".smpcache.json", `{"slots": 64, "slot_size": 4096, "max_object_size": 1000, "log_level": "warn"}`)
	c.MustRun("init")
	c.WriteFile("big.bin", bodyText(5000))

	stderr := c.MustFail("put", "http://example.com/big", "big.bin")
	cli.AssertContains(t, stderr, "object not stored")
	cli.AssertContains(t, stderr, "cachability")

	c.MustFail("get", "http://example.com/big")
}

func Test_Put_Fails_When_Arguments_Are_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("put", "http://example.com/")

	cli.AssertContains(t, stderr, "usage: smpcache put <url> <file>")
}

func Test_Free_Removes_Object_When_It_Is_Stored(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("body.txt", bodyText(6000))
	c.MustRun("put", "http://example.com/f", "body.txt")

	stdout := c.MustRun("free", "http://example.com/f")
	cli.AssertContains(t, stdout, "freed http://example.com/f")

	c.MustFail("get", "http://example.com/f")

	stat := c.MustRun("stat")
	cli.AssertContains(t, stat, "entries: 0/64")
	cli.AssertContains(t, stat, "slices: 0/64")

	c.MustFail("free", "http://example.com/f")
}

func Test_Init_Refuses_To_Replace_Segments_When_Not_Forced(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("body.txt", "x")
	c.MustRun("put", "http://example.com/i", "body.txt")

	stderr := c.MustFail("init")
	cli.AssertContains(t, stderr, "already exist")

	c.MustRun("init", "--force")
	c.MustFail("get", "http://example.com/i")
}

func Test_Init_Rebuild_Keeps_Objects_When_Database_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("body.txt", bodyText(7000))
	c.MustRun("put", "http://example.com/kept", "body.txt")

	stdout := c.MustRun("init", "--rebuild")
	cli.AssertContains(t, stdout, "rebuilt 1 objects")

	got, stderr, code := c.Run("get", "http://example.com/kept")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, bodyText(7000), got)
}

func Test_Init_Writes_Config_When_Write_Config_Flag_Is_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("--dir", "segs", "init", "--write-config")

	saved := c.ReadFile(".smpcache.json")
	cli.AssertContains(t, saved, `"segment_dir": "segs"`)
	cli.AssertContains(t, saved, `"slots": 64`)

	stdout := c.MustRun("print-config")
	cli.AssertContains(t, stdout, "segment_dir="+c.Path("segs"))
}

func Test_Stat_Reports_Usage_When_Object_Is_Stored(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("init")
	c.WriteFile("body.txt", bodyText(100))
	c.MustRun("put", "http://example.com/s", "body.txt")

	stdout := c.MustRun("stat")

	cli.AssertContains(t, stdout, "# disk")
	cli.AssertContains(t, stdout, "entries: 1/64")
	cli.AssertContains(t, stdout, "# transients")
	cli.AssertContains(t, stdout, `smpcache_map_entries{map="disk"} 1`)
	cli.AssertContains(t, stdout, `smpcache_map_entry_limit{map="disk"} 64`)

	c.MustRun("stat", "--output", "report.txt")
	cli.AssertContains(t, c.ReadFile("report.txt"), "entries: 1/64")
}
