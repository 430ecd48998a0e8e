package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/sentinel/internal/config"
	"github.com/joshsymonds/sentinel/internal/models"
)

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTable(&buf, []string{"ID", "NAME"}, [][]string{
		{"a-1", "billing"},
		{"a-22", "ledger"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[1], "billing")
	assert.Contains(t, lines[2], "ledger")
}

func TestWriteFieldsSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFields(&buf, []Field{
		{Label: "ID", Value: "t-1"},
		{Label: "MITRE", Value: ""},
	}))
	assert.Contains(t, buf.String(), "t-1")
	assert.NotContains(t, buf.String(), "MITRE")
}

func TestPrinterEmit(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{Out: &buf, JSON: true}
	called := false
	require.NoError(t, p.Emit(map[string]int{"expired": 2}, func(_ io.Writer) error {
		called = true
		return nil
	}))
	assert.False(t, called)
	assert.JSONEq(t, `{"expired":2}`, buf.String())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "Confidential", Title("CONFIDENTIAL"))
	assert.Equal(t, "Info Disclosure", Title("Info_Disclosure"))
	assert.Equal(t, "Nist 800 53", Title("NIST_800_53"))
	assert.Equal(t, "56.04 (High)", Score(decimal.RequireFromString("56.04")))
	assert.Equal(t, "8.00 (Low)", Score(decimal.NewFromInt(8)))
	assert.Equal(t, "2025-05-31", Date(time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "75.0%", Percent(0.75))
	assert.Contains(t, Decision(models.DecisionBlock), "BLOCK")
	assert.Contains(t, Timestamp(nil), "-")
}

func TestReadFinding(t *testing.T) {
	finding, err := ReadFinding("-", strings.NewReader(`{"id":"f-1","severity":"high","scanner_sources":["trivy"]}`))
	require.NoError(t, err)
	assert.Equal(t, "f-1", finding.ID)
	assert.Equal(t, []string{"trivy"}, finding.ScannerSources)

	_, err = ReadFinding("-", strings.NewReader("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing finding JSON")
}

func TestReadRuleBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block.tengo")
	require.NoError(t, os.WriteFile(path, []byte(`decision = "BLOCK"`), 0600))

	body, err := ReadRuleBody(path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "tengo", body.Language)
	assert.Equal(t, `decision = "BLOCK"`, body.Source)

	body, err = ReadRuleBody("-", "", strings.NewReader(`decision = "PASS"`))
	require.NoError(t, err)
	assert.Empty(t, body.Language)

	_, err = ReadRuleBody(filepath.Join(dir, "missing.tengo"), "", nil)
	assert.Error(t, err)
}

func TestGlobalsLoadConfigDefaults(t *testing.T) {
	t.Setenv(config.EnvDatabasePath, ":memory:")

	root := &cobra.Command{Use: "sentinel"}
	g := Bind(root)
	require.NoError(t, root.PersistentFlags().Parse([]string{"--debug", "--json"}))
	assert.True(t, g.Debug)
	assert.True(t, g.JSON)

	cfg, err := g.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
}
