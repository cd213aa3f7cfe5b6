package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLedger = `2024-05-01T10:00:00Z	1	FAIL_TRANSFER	a.bin	
2024-05-01T10:01:00Z	2	DONE	b.bin	VERIFY_OK
2024-05-01T10:02:00Z	3	SKIP_NOSPACE	c.bin	
garbage line from a crashed writer
2024-05-01T11:00:00Z	1	DONE	a.bin	NA
2024-05-01T11:05:00Z	4	SKIP_EXISTS	d.bin	
2024-05-01T11:06:00Z	5	FAIL_TR`

func TestRead(t *testing.T) {
	records, err := Read(strings.NewReader(sampleLedger), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, FailTransfer, records[0].State)
	assert.Equal(t, 4, records[4].Index)
}

func TestRead_Filter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []int
	}{
		{"by state", Filter{States: []State{Done}}, []int{2, 1}},
		{"by index", Filter{Index: 1}, []int{1, 1}},
		{"since", Filter{Since: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)}, []int{1, 4}},
		{"states and index", Filter{States: []State{FailTransfer}, Index: 1}, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Read(strings.NewReader(sampleLedger), tt.filter)
			require.NoError(t, err)
			var got []int
			for _, r := range records {
				got = append(got, r.Index)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatest(t *testing.T) {
	records, err := Read(strings.NewReader(sampleLedger), Filter{})
	require.NoError(t, err)

	latest := Latest(records)
	require.Len(t, latest, 4)
	assert.Equal(t, 1, latest[0].Index)
	assert.Equal(t, Done, latest[0].State)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{latest[0].Index, latest[1].Index, latest[2].Index, latest[3].Index})
}

func TestRetryIndices(t *testing.T) {
	records, err := Read(strings.NewReader(sampleLedger), Filter{})
	require.NoError(t, err)

	// Task 1 failed first but succeeded later.
	assert.Equal(t, []int{3}, RetryIndices(records))
}

func TestReadFile(t *testing.T) {
	records, err := ReadFile(filepath.Join(t.TempDir(), "missing.tsv"), Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	path := filepath.Join(t.TempDir(), "status.tsv")
	require.NoError(t, os.WriteFile(path, []byte(sampleLedger), 0o644))
	records, err = ReadFile(path, Filter{States: []State{SkipExists}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "d.bin", records[0].Path)
}
