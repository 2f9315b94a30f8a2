// Package batch reads uploaded spreadsheet exports. Column names vary from
// sheet to sheet, so each logical field is found by fuzzy matching the
// header against a list of synonyms.
package batch

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/width"
)

// Kind of sheet being imported.
type Kind string

const (
	KindSales     Kind = "sales"
	KindApprovals Kind = "approvals"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSales:
		return KindSales, nil
	case KindApprovals:
		return KindApprovals, nil
	}
	return "", fmt.Errorf("batch: unknown import kind %q", s)
}

// Field is a logical column.
type Field string

const (
	FieldActor        Field = "actor"
	FieldEmail        Field = "email"
	FieldAmount       Field = "amount"
	FieldMaker        Field = "maker"
	FieldRecordID     Field = "record_id"
	FieldApprovalDate Field = "approval_date"
	FieldStatus       Field = "status"
)

// DefaultSynonyms are merged with configured ones.
var DefaultSynonyms = map[Field][]string{
	FieldActor:        {"担当者", "担当", "営業担当", "氏名", "名前", "name", "actor", "owner", "sales rep", "rep"},
	FieldEmail:        {"メール", "メールアドレス", "email", "e-mail", "mail"},
	FieldAmount:       {"金額", "売上", "売上金額", "受注金額", "合計", "amount", "total", "revenue", "price"},
	FieldMaker:        {"メーカー", "メーカー名", "仕入先", "maker", "vendor", "brand", "manufacturer"},
	FieldRecordID:     {"id", "no", "番号", "管理番号", "レコードid", "record id", "row id", "order id", "受注番号"},
	FieldApprovalDate: {"承認日", "日付", "日時", "approved at", "approval date", "date"},
	FieldStatus:       {"ステータス", "状態", "承認", "status", "state"},
}

var (
	ErrNoHeader       = errors.New("batch: no header row")
	ErrMissingColumns = errors.New("batch: required columns not found")
)

// Row is one parsed data row.
type Row struct {
	Line       int // 1-based line in the sheet, header is line 1
	RecordID   string
	Actor      string
	Email      string
	Maker      string
	Status     string
	Amount     int64
	ApprovedAt time.Time // zero when the sheet has no date
	// Occurrence counts earlier rows in the same sheet with identical
	// content and no record id.
	Occurrence int
}

// RowError reports a data row that was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Parsed is the result of reading one sheet.
type Parsed struct {
	Kind    Kind
	Columns map[Field]string // field → matched header text
	Rows    []Row
	Errors  []RowError
	Skipped int // rows filtered out by status
}

// Parser turns sheet bytes into rows.
type Parser struct {
	synonyms map[Field][]string
	approved map[string]struct{}
	loc      *time.Location
}

// NewParser merges extra synonyms (keyed by field name) with the defaults.
func NewParser(extra map[string][]string, approvedStatuses []string, loc *time.Location) *Parser {
	syn := make(map[Field][]string, len(DefaultSynonyms))
	for f, words := range DefaultSynonyms {
		syn[f] = append([]string(nil), words...)
	}
	for name, words := range extra {
		f := Field(name)
		syn[f] = append(append([]string(nil), words...), syn[f]...)
	}
	approved := make(map[string]struct{}, len(approvedStatuses))
	for _, s := range approvedStatuses {
		approved[normalizeHeader(s)] = struct{}{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{synonyms: syn, approved: approved, loc: loc}
}

// Parse reads a delimited sheet. Header problems fail the whole sheet;
// row problems are reported per row and the rest continue.
func (p *Parser) Parse(kind Kind, r io.Reader) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("batch: read sheet: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sniffDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("batch: read header: %w", err)
	}
	cols := p.matchColumns(header)
	if err := requireColumns(kind, cols); err != nil {
		return nil, err
	}

	out := &Parsed{Kind: kind, Columns: make(map[Field]string, len(cols))}
	for f, idx := range cols {
		out.Columns[f] = strings.TrimSpace(header[idx])
	}

	seen := make(map[string]int)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			out.Errors = append(out.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		if blank(rec) {
			continue
		}
		row, skip, err := p.row(kind, cols, rec, line)
		switch {
		case err != nil:
			out.Errors = append(out.Errors, RowError{Line: line, Reason: err.Error()})
		case skip:
			out.Skipped++
		default:
			if row.RecordID == "" {
				h := row.contentHash()
				row.Occurrence = seen[h]
				seen[h]++
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func (p *Parser) row(kind Kind, cols map[Field]int, rec []string, line int) (Row, bool, error) {
	get := func(f Field) string {
		idx, ok := cols[f]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}
	row := Row{
		Line:     line,
		RecordID: get(FieldRecordID),
		Actor:    get(FieldActor),
		Email:    get(FieldEmail),
		Maker:    get(FieldMaker),
		Status:   get(FieldStatus),
	}
	if row.Actor == "" && row.Email == "" {
		return Row{}, false, errors.New("actor is empty")
	}
	if raw := get(FieldApprovalDate); raw != "" {
		t, err := ParseDate(raw, p.loc)
		if err != nil {
			return Row{}, false, err
		}
		row.ApprovedAt = t
	}

	switch kind {
	case KindSales:
		amount, err := ParseAmount(get(FieldAmount))
		if err != nil {
			return Row{}, false, err
		}
		row.Amount = amount
	case KindApprovals:
		if _, ok := cols[FieldStatus]; ok {
			if _, approved := p.approved[normalizeHeader(row.Status)]; !approved {
				return Row{}, true, nil
			}
		}
	}
	return row, false, nil
}

// matchColumns assigns each field the first header that equals one of its
// synonyms after normalization; fields still unmatched then take the first
// header that contains a synonym. A header is used by one field only.
func (p *Parser) matchColumns(header []string) map[Field]int {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = normalizeHeader(h)
	}
	cols := make(map[Field]int)
	used := make(map[int]bool)

	fields := []Field{FieldRecordID, FieldEmail, FieldActor, FieldAmount, FieldMaker, FieldApprovalDate, FieldStatus}
	for _, f := range fields {
		if idx, ok := p.find(f, norm, used, func(h, s string) bool { return h == s }); ok {
			cols[f], used[idx] = idx, true
		}
	}
	for _, f := range fields {
		if _, ok := cols[f]; ok {
			continue
		}
		if idx, ok := p.find(f, norm, used, func(h, s string) bool { return containable(s) && strings.Contains(h, s) }); ok {
			cols[f], used[idx] = idx, true
		}
	}
	return cols
}

func (p *Parser) find(f Field, norm []string, used map[int]bool, match func(h, s string) bool) (int, bool) {
	for _, syn := range p.synonyms[f] {
		s := normalizeHeader(syn)
		if s == "" {
			continue
		}
		for i, h := range norm {
			if !used[i] && match(h, s) {
				return i, true
			}
		}
	}
	return 0, false
}

// containable reports whether a synonym is distinctive enough to match
// inside a longer header. Short ASCII words like "id" or "no" are not.
func containable(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return len([]rune(s)) >= 2
		}
	}
	return len(s) >= 4
}

func requireColumns(kind Kind, cols map[Field]int) error {
	var missing []string
	_, hasActor := cols[FieldActor]
	_, hasEmail := cols[FieldEmail]
	if !hasActor && !hasEmail {
		missing = append(missing, string(FieldActor))
	}
	if kind == KindSales {
		if _, ok := cols[FieldAmount]; !ok {
			missing = append(missing, string(FieldAmount))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

// Key is the row's permanent identity for duplicate detection. Rows with
// a record id use it; others hash their content plus their occurrence, so
// identical rows in one sheet stay distinct while a re-upload repeats keys.
func (r Row) Key(kind Kind, tenant string) string {
	if r.RecordID != "" {
		return string(kind) + ":" + tenant + ":" + r.RecordID
	}
	key := string(kind) + ":" + tenant + ":h" + r.contentHash()
	if r.Occurrence > 0 {
		key += "#" + strconv.Itoa(r.Occurrence)
	}
	return key
}

func (r Row) contentHash() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		normalizeHeader(r.Actor),
		strings.ToLower(r.Email),
		normalizeHeader(r.Maker),
		strconv.FormatInt(r.Amount, 10),
		r.ApprovedAt.UTC().Format(time.RFC3339),
		normalizeHeader(r.Status),
	}, "\x1f")))
	return hex.EncodeToString(sum[:12])
}

// ParseAmount reads a money cell such as "¥40,000", "40,000円" or "1234.9".
// Fractions are truncated. Negative amounts are rejected.
func ParseAmount(raw string) (int64, error) {
	s := width.Narrow.String(strings.TrimSpace(raw))
	s = strings.NewReplacer("¥", "", "\\", "", "円", "", ",", "", " ", "", "JPY", "", "jpy", "").Replace(s)
	if s == "" {
		return 0, errors.New("amount is empty")
	}
	if whole, _, ok := strings.Cut(s, "."); ok {
		s = whole
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("amount %q is negative", raw)
	}
	return n, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/1/2 15:04",
	"2006/01/02",
	"2006/1/2",
	"2006年1月2日",
}

// ParseDate reads a date cell in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	s := width.Narrow.String(strings.TrimSpace(raw))
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q not recognised", raw)
}

func sniffDelimiter(data []byte) rune {
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	best, bestN := ',', bytes.Count(first, []byte{','})
	for _, d := range []rune{'\t', ';'} {
		if n := bytes.Count(first, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// normalizeHeader folds width and case and drops spaces and punctuation.
func normalizeHeader(s string) string {
	s = strings.ToLower(width.Fold.String(s))
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
