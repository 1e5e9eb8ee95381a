package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"coopledger/loan"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedLedger(t *testing.T) *loan.Service {
	t.Helper()
	created := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	svc := loan.NewService(loan.NewMemoryStore(), loan.WithClock(func() time.Time { return created }))
	ctx := context.Background()

	borrower := loan.Borrower{
		Title: "Mr", FirstName: "Anan", LastName: "Chai", Address: "1 Main Rd",
		BirthDate: time.Date(1975, time.January, 2, 0, 0, 0, 0, time.UTC), Phone: "0800000000", NationalID: "3100000000001",
	}
	five, zero := dec("5"), dec("0")

	first, err := svc.CreateContract(ctx, loan.CreateContractParams{Borrower: borrower, Principal: dec("1000"), InterestRate: &five, InstallmentCount: 4})
	require.NoError(t, err)
	_, err = svc.CreateContract(ctx, loan.CreateContractParams{Borrower: borrower, Principal: dec("1200"), InterestRate: &zero, InstallmentCount: 12})
	require.NoError(t, err)

	_, err = svc.SubmitRepayment(ctx, loan.RepaymentRequest{
		ContractID:  first.ID,
		AmountPaid:  dec("300"),
		PaymentDate: time.Date(2024, time.April, 20, 0, 0, 0, 0, time.UTC),
		Method:      "cash",
	})
	require.NoError(t, err)
	return svc
}

func amounts(rows []MonthlyAmount) map[string]string {
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Month] = r.Amount.StringFixed(2)
	}
	return out
}

func TestPortfolio_FromLedger(t *testing.T) {
	svc := NewService(NewLedgerSource(seedLedger(t)))

	p, err := svc.Portfolio(context.Background(), time.Date(2024, time.June, 15, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC), p.AsOf)
	assert.Equal(t, 2, p.ActiveContracts)
	assert.True(t, p.ActivePrincipal.Equal(dec("2200")), "principal %s", p.ActivePrincipal)
	assert.True(t, p.OutstandingBalance.Equal(dec("1950")), "outstanding %s", p.OutstandingBalance)

	require.Len(t, p.Scheduled, WindowMonths)
	assert.Equal(t, "2024-01", p.Scheduled[0].Month)
	assert.Equal(t, "2024-06", p.Scheduled[WindowMonths-1].Month)
	assert.Equal(t, map[string]string{
		"2024-01": "0.00", "2024-02": "0.00", "2024-03": "0.00",
		"2024-04": "362.50", "2024-05": "362.50", "2024-06": "0.00",
	}, amounts(p.Scheduled), "Jun 25 is after the as-of date")

	assert.Equal(t, "300.00", amounts(p.Repaid)["2024-04"])
	assert.Equal(t, "0.00", amounts(p.Repaid)["2024-05"])
}

func TestPortfolio_WindowCrossesYear(t *testing.T) {
	from, to := window(time.Date(2025, time.February, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, time.February, 4, 0, 0, 0, 0, time.UTC), to)
	assert.Equal(t, []string{"2024-09", "2024-10", "2024-11", "2024-12", "2025-01", "2025-02"}, months(from, to))

	from, to = window(time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC), to)
	assert.Len(t, months(from, to), WindowMonths)
}

func TestPortfolio_BoundedByAsOfDate(t *testing.T) {
	svc := NewService(NewLedgerSource(seedLedger(t)))
	ctx := context.Background()

	p, err := svc.Portfolio(ctx, time.Date(2024, time.April, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "0.00", amounts(p.Repaid)["2024-04"], "repayment dated Apr 20")
	assert.Equal(t, "0.00", amounts(p.Scheduled)["2024-04"])

	p, err = svc.Portfolio(ctx, time.Date(2024, time.April, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "300.00", amounts(p.Repaid)["2024-04"])
	assert.Equal(t, "0.00", amounts(p.Scheduled)["2024-04"], "first installments fall due Apr 25")

	p, err = svc.Portfolio(ctx, time.Date(2024, time.April, 25, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "362.50", amounts(p.Scheduled)["2024-04"], "due date equal to as-of counts")
}

func TestPortfolio_UsesCache(t *testing.T) {
	src := &countingSource{Source: NewLedgerSource(seedLedger(t))}
	cache := newFakeCache()
	svc := NewService(src, WithCache(cache, time.Minute))
	asOf := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

	first, err := svc.Portfolio(context.Background(), asOf)
	require.NoError(t, err)
	second, err := svc.Portfolio(context.Background(), asOf)
	require.NoError(t, err)

	assert.Equal(t, 1, src.summaryCalls, "second call served from cache")
	assert.Equal(t, time.Minute, cache.ttl["portfolio:0:2024-06-15"])
	assert.Equal(t, first.ActiveContracts, second.ActiveContracts)
	assert.True(t, first.OutstandingBalance.Equal(second.OutstandingBalance))
	assert.Equal(t, amounts(first.Scheduled), amounts(second.Scheduled))
}

func TestPortfolio_InvalidateDropsCachedReports(t *testing.T) {
	ledger := seedLedger(t)
	src := &countingSource{Source: NewLedgerSource(ledger)}
	cache := newFakeCache()
	svc := NewService(src, WithCache(cache, time.Hour))
	ctx := context.Background()
	asOf := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

	before, err := svc.Portfolio(ctx, asOf)
	require.NoError(t, err)

	page, err := ledger.ListContracts(ctx, 1, 10)
	require.NoError(t, err)
	_, err = ledger.SubmitRepayment(ctx, loan.RepaymentRequest{
		ContractID:  page.Contracts[0].ID,
		AmountPaid:  dec("50"),
		PaymentDate: time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
		Method:      "transfer",
	})
	require.NoError(t, err)

	stale, err := svc.Portfolio(ctx, asOf)
	require.NoError(t, err)
	assert.True(t, stale.OutstandingBalance.Equal(before.OutstandingBalance), "served from cache until invalidated")

	require.NoError(t, svc.Invalidate(ctx))
	fresh, err := svc.Portfolio(ctx, asOf)
	require.NoError(t, err)

	assert.Equal(t, 2, src.summaryCalls)
	assert.True(t, fresh.OutstandingBalance.Equal(before.OutstandingBalance.Sub(dec("50"))), "outstanding %s", fresh.OutstandingBalance)
	assert.Equal(t, "50.00", amounts(fresh.Repaid)["2024-06"])
	assert.Contains(t, cache.data, "portfolio:1:2024-06-15")
}

func TestInvalidate_WithoutCache(t *testing.T) {
	svc := NewService(NewLedgerSource(seedLedger(t)))
	require.NoError(t, svc.Invalidate(context.Background()))
}

func TestPortfolio_CacheFailureIsNotFatal(t *testing.T) {
	src := &countingSource{Source: NewLedgerSource(seedLedger(t))}
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	svc := NewService(src, WithCache(cache, time.Minute))

	_, err := svc.Portfolio(context.Background(), time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, src.summaryCalls)
}

func TestExport_WritesWorkbook(t *testing.T) {
	svc := NewService(NewLedgerSource(seedLedger(t)))

	data, _, err := svc.Export(context.Background(), time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetSummary, sheetScheduled, sheetRepaid}, f.GetSheetList())

	asOf, err := f.GetCellValue(sheetSummary, "B1")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-15", asOf)

	rows, err := f.GetRows(sheetScheduled)
	require.NoError(t, err)
	require.Len(t, rows, WindowMonths+1)
	assert.Equal(t, []string{"Month", "Scheduled"}, rows[0])
	assert.Equal(t, "2024-04", rows[4][0])
	assert.Equal(t, "362.5", rows[4][1])
}

func TestArchive(t *testing.T) {
	ledger := seedLedger(t)

	_, err := NewService(NewLedgerSource(ledger)).Archive(context.Background(), time.Time{})
	require.ErrorIs(t, err, ErrArchiveDisabled)

	up := &fakeUploader{}
	svc := NewService(NewLedgerSource(ledger), WithArchive(up, "coop-reports"))
	key, err := svc.Archive(context.Background(), time.Date(2024, time.June, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "reports/portfolio-2024-06-15.xlsx", key)
	assert.Equal(t, "coop-reports", up.bucket)
	assert.Equal(t, key, up.key)
	assert.Equal(t, xlsxContentType, up.contentType)
	assert.EqualValues(t, len(up.body), up.size)

	_, err = excelize.OpenReader(bytes.NewReader(up.body))
	require.NoError(t, err)
}

type countingSource struct {
	Source
	summaryCalls int
}

func (c *countingSource) Summary(ctx context.Context) (Summary, error) {
	c.summaryCalls++
	return c.Source.Summary(ctx)
}

type fakeCache struct {
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	f.ttl[key] = ttl
	return nil
}

func (f *fakeCache) Incr(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

type fakeUploader struct {
	bucket      string
	key         string
	size        int64
	contentType string
	body        []byte
}

func (f *fakeUploader) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.size, f.contentType, f.body = bucket, key, size, opts.ContentType, body
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: "etag-1"}, nil
}
