package batch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParser() *Parser {
	return NewParser(
		map[string][]string{"maker": {"取扱メーカー"}},
		[]string{"approved", "承認済み"},
		time.UTC,
	)
}

func TestParse_SalesJapaneseHeaders(t *testing.T) {
	sheet := "\ufeff受注番号,担当者名,取扱メーカー,売上金額（税抜）\n" +
		"A-1,山田　太郎,Acme,\"¥40,000\"\n" +
		"A-2,山田 太郎,Acme,\"40,000円\"\n" +
		"A-3,山田太郎,Acme,３００００\n" +
		"A-4,,Acme,100\n" +
		"A-5,佐藤,Acme,abc\n" +
		",,,\n"

	p, err := testParser().Parse(KindSales, strings.NewReader(sheet))
	require.NoError(t, err)

	assert.Equal(t, "受注番号", p.Columns[FieldRecordID])
	assert.Equal(t, "担当者名", p.Columns[FieldActor])
	assert.Equal(t, "取扱メーカー", p.Columns[FieldMaker])
	assert.Equal(t, "売上金額（税抜）", p.Columns[FieldAmount])

	require.Len(t, p.Rows, 3)
	assert.Equal(t, []int64{40000, 40000, 30000}, []int64{p.Rows[0].Amount, p.Rows[1].Amount, p.Rows[2].Amount})
	assert.Equal(t, "A-1", p.Rows[0].RecordID)
	assert.Equal(t, 2, p.Rows[0].Line)

	require.Len(t, p.Errors, 2)
	assert.Equal(t, 5, p.Errors[0].Line)
	assert.Contains(t, p.Errors[0].Reason, "actor")
	assert.Equal(t, 6, p.Errors[1].Line)
}

func TestParse_TabDelimitedApprovals(t *testing.T) {
	sheet := "Record ID\tSales Rep\tE-Mail\tApproval Date\tStatus\n" +
		"r1\tTaro\ttaro@example.com\t2024/05/02\tApproved\n" +
		"r2\tHanako\thanako@example.com\t2024-05-03\tpending\n" +
		"r3\tKen\tken@example.com\tnot a date\tapproved\n"

	p, err := testParser().Parse(KindApprovals, strings.NewReader(sheet))
	require.NoError(t, err)
	require.Len(t, p.Rows, 1)
	assert.Equal(t, "taro@example.com", p.Rows[0].Email)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), p.Rows[0].ApprovedAt)
	assert.Equal(t, 1, p.Skipped)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, 4, p.Errors[0].Line)
}

func TestParse_HeaderProblems(t *testing.T) {
	_, err := testParser().Parse(KindSales, strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = testParser().Parse(KindSales, strings.NewReader("担当者;メーカー\nTaro;Acme\n"))
	assert.ErrorIs(t, err, ErrMissingColumns)
	assert.ErrorContains(t, err, "amount")
}

func TestRowKey(t *testing.T) {
	withID := Row{RecordID: "A-1", Amount: 5}
	assert.Equal(t, "sales:t1:A-1", withID.Key(KindSales, "t1"))

	a := Row{Actor: "山田 太郎", Maker: "Acme", Amount: 40000}
	b := Row{Actor: "山田　太郎", Maker: "acme", Amount: 40000}
	c := Row{Actor: "山田 太郎", Maker: "Acme", Amount: 40001}
	assert.Equal(t, a.Key(KindSales, "t1"), b.Key(KindSales, "t1"))
	assert.NotEqual(t, a.Key(KindSales, "t1"), c.Key(KindSales, "t1"))
	assert.NotEqual(t, a.Key(KindSales, "t1"), a.Key(KindSales, "t2"))

	second := a
	second.Occurrence = 1
	assert.NotEqual(t, a.Key(KindSales, "t1"), second.Key(KindSales, "t1"))
}

func TestParse_IdenticalRowsWithoutIDStayDistinct(t *testing.T) {
	sheet := "担当者,取扱メーカー,売上金額\n" +
		"山田 太郎,Acme,40000\n" +
		"山田 太郎,Acme,40000\n" +
		"山田 太郎,Acme,30000\n"
	parse := func() []string {
		p, err := testParser().Parse(KindSales, strings.NewReader(sheet))
		require.NoError(t, err)
		var keys []string
		for _, r := range p.Rows {
			keys = append(keys, r.Key(KindSales, "t1"))
		}
		return keys
	}
	first := parse()
	require.Len(t, first, 3)
	assert.NotEqual(t, first[0], first[1])
	assert.Equal(t, first, parse(), "same sheet yields the same keys")
}

func TestParseAmount(t *testing.T) {
	cases := map[string]int64{
		"¥40,000":  40000,
		"￥110,000": 110000,
		"40,000円":  40000,
		"1234.9":   1234,
		"0":        0,
		" 12 345 ": 12345,
		"\\98,000": 98000,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "abc", "-5"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestAuthorize(t *testing.T) {
	tokens := []string{"alpha", "beta"}
	assert.NoError(t, Authorize("Bearer beta", tokens))
	assert.NoError(t, Authorize("bearer alpha", tokens))
	assert.ErrorIs(t, Authorize("Bearer gamma", tokens), ErrUnauthorized)
	assert.ErrorIs(t, Authorize("beta", tokens), ErrUnauthorized)
	assert.ErrorIs(t, Authorize("Bearer ", tokens), ErrUnauthorized)
	assert.ErrorIs(t, Authorize("Bearer x", nil), ErrUnauthorized)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Sales ")
	require.NoError(t, err)
	assert.Equal(t, KindSales, k)
	_, err = ParseKind("refunds")
	assert.Error(t, err)
}
