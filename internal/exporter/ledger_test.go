package exporter

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"hostelpro/internal/license"
	"hostelpro/internal/shared/testutil"
)

func ledgerFixture() []license.Record {
	expiring := testutil.PendingRecordExpiring("HOSTELPRO-00000001-00000002-00000003-00000004",
		testutil.FixtureNow.Add(10*24*time.Hour+time.Hour))
	expiring.Notes = "trial"
	bound := testutil.BoundRecord("HOSTELPRO-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD", "machine-a")
	return []license.Record{expiring, bound}
}

func newTestLedger() *Ledger {
	return NewLedger(func() time.Time { return testutil.FixtureNow })
}

func TestLedger_WriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestLedger().WriteXLSX(&buf, ledgerFixture()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetName}, f.GetSheetList())
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, ledgerHeaders, rows[0])
	assert.Equal(t, "HOSTELPRO-00000001-00000002-00000003-00000004", rows[1][0])
	assert.Equal(t, "pending", rows[1][3])
	assert.Equal(t, "no", rows[1][4])
	assert.Equal(t, "2026-02-28", rows[1][5])
	assert.Equal(t, "10", rows[1][8])
	assert.Equal(t, "trial", rows[1][9])

	assert.Equal(t, "active", rows[2][3])
	assert.Equal(t, "yes", rows[2][4])
	assert.Equal(t, "2026-03-01", rows[2][7])
}

func TestLedger_NeverExportsBinding(t *testing.T) {
	recs := ledgerFixture()
	var buf bytes.Buffer
	require.NoError(t, newTestLedger().WriteCSV(&buf, recs))

	out := buf.String()
	assert.NotContains(t, out, recs[1].MachineIDHash)
	assert.NotContains(t, out, recs[1].MachineIDSalt)
}

func TestLedger_WriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestLedger().WriteCSV(&buf, ledgerFixture()))

	raw := buf.Bytes()
	require.True(t, bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))

	rows, err := csv.NewReader(bytes.NewReader(raw[3:])).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ledgerHeaders, rows[0])
	assert.Equal(t, "Harbour View Hostel", rows[2][2])
	assert.Empty(t, rows[2][6], "no expiry date")
	assert.Empty(t, rows[2][8])
}

func TestLedger_DaysLeftClampsAtZero(t *testing.T) {
	rec := testutil.PendingRecordExpiring("HOSTELPRO-00000001-00000002-00000003-00000004",
		testutil.FixtureNow.Add(-48*time.Hour))
	assert.Equal(t, "0", newTestLedger().daysLeft(rec))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatXLSX},
		{in: "XLSX", want: FormatXLSX},
		{in: " csv ", want: FormatCSV},
		{in: "pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, strings.HasSuffix(FormatCSV.Filename(testutil.FixtureNow), ".csv"))
	assert.Equal(t, "hostelpro-licenses-20260301-090000.xlsx", FormatXLSX.Filename(testutil.FixtureNow))
	assert.Contains(t, FormatXLSX.ContentType(), "spreadsheetml")
}
