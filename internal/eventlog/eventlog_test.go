package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	l, err := Open(dir, tokyo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, dir
}

func TestAppend_FillsLocalDayAndPeriod(t *testing.T) {
	l, dir := openTestLog(t)

	// 2024-03-31 20:00 UTC is already April 1st in Tokyo.
	at := time.Date(2024, 3, 31, 20, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(Calls, Record{At: at, Actor: "hanako", XP: 5}))

	var got []Record
	require.NoError(t, l.Scan(Calls, func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "2024-04-01", got[0].Day)
	assert.Equal(t, "2024-04", got[0].Period)
	assert.Equal(t, int64(5), got[0].XP)

	_, err := os.Stat(filepath.Join(dir, "calls.ndjson"))
	assert.NoError(t, err)
}

func TestSumAmountAndContributors(t *testing.T) {
	l, _ := openTestLog(t)
	at := time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC)
	rows := []Record{
		{At: at, Actor: "Taro", Email: "taro@example.com", Maker: "acme", Amount: 40000},
		{At: at, Actor: "Taro", Email: "taro@example.com", Maker: "acme", Amount: 40000},
		{At: at, Actor: "Taro", Email: "taro@example.com", Maker: "globex", Amount: 7000},
		{At: at, Actor: "Hanako", Email: "hanako@example.com", Maker: "acme", Amount: 30000},
		{At: at.AddDate(0, 1, 0), Actor: "Taro", Email: "taro@example.com", Maker: "acme", Amount: 999999},
		{At: at, Actor: "unknown", Amount: 5000},
	}
	for _, r := range rows {
		require.NoError(t, l.Append(Sales, r))
	}

	total, err := l.SumAmount(Sales, func(r Record) bool {
		return r.Period == "2024-05" && r.Email == "taro@example.com" && r.Maker == "acme"
	})
	require.NoError(t, err)
	assert.Equal(t, int64(80000), total)

	company, err := l.SumAmount(Sales, func(r Record) bool { return r.Period == "2024-05" })
	require.NoError(t, err)
	assert.Equal(t, int64(122000), company)

	cs, err := l.Contributors(Sales, "2024-05")
	require.NoError(t, err)
	assert.Equal(t, []Contributor{
		{Name: "Taro", Email: "taro@example.com", Maker: "acme"},
		{Name: "Taro", Email: "taro@example.com", Maker: "globex"},
		{Name: "Hanako", Email: "hanako@example.com", Maker: "acme"},
	}, cs)
}

func TestScan_MissingFileAndUnknownCategory(t *testing.T) {
	l, _ := openTestLog(t)
	n := 0
	require.NoError(t, l.Scan(Trophies, func(Record) error { n++; return nil }))
	assert.Zero(t, n)

	assert.ErrorIs(t, l.Append("bogus", Record{}), ErrUnknownCategory)
}

func TestScan_SkipsCorruptLines(t *testing.T) {
	l, dir := openTestLog(t)
	require.NoError(t, l.Append(Approvals, Record{Actor: "a", XP: 20}))
	f, err := os.OpenFile(filepath.Join(dir, "approvals.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json\n")
	require.NoError(t, f.Close())
	require.NoError(t, l.Append(Approvals, Record{Actor: "b", XP: 20}))

	var actors []string
	require.NoError(t, l.Scan(Approvals, func(r Record) error {
		actors = append(actors, r.Actor)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, actors)
}
