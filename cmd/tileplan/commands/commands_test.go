package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/internal/decoder"
)

func writeImage(t *testing.T, width, height int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cli := New()
	var out, errOut bytes.Buffer
	cli.SetOutput(&out, &errOut)
	cli.SetArgs(args)
	err := cli.Execute(context.Background())
	return out.String(), err
}

func TestPlanCmd_Table(t *testing.T) {
	path := writeImage(t, 300, 200)

	out, err := run(t, "plan", path, "--tile-size", "128")
	require.NoError(t, err)
	assert.Contains(t, out, "png 300x200, scaled 300x200 at 1")
	assert.Contains(t, out, "2 rows x 3 columns of 128px tiles")
	assert.Contains(t, out, "r1_c2")
}

func TestPlanCmd_JSON(t *testing.T) {
	path := writeImage(t, 300, 200)

	out, err := run(t, "plan", path, "-s", "0.5", "-t", "100", "--json")
	require.NoError(t, err)

	var plan struct {
		FullWidth  int `json:"full_width"`
		FullHeight int `json:"full_height"`
		Rows       int `json:"rows"`
		Columns    int `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, 150, plan.FullWidth)
	assert.Equal(t, 100, plan.FullHeight)
	assert.Equal(t, 1, plan.Rows)
	assert.Equal(t, 2, plan.Columns)
}

func TestPlanCmd_Errors(t *testing.T) {
	path := writeImage(t, 10, 10)

	_, err := run(t, "plan")
	assert.Error(t, err)

	_, err = run(t, "plan", path, "--scale", "0")
	assert.ErrorIs(t, err, decoder.ErrUnsupportedScale)

	_, err = run(t, "plan", filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tileplan version dev (commit: none)\n", out)
}
