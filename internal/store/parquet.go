package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"reservo/internal/domain"
)

// Compile-time interface check.
var _ Archive = (*ParquetArchive)(nil)

// ParquetArchive keeps pruned terminal orders as Parquet files on disk, one
// file per day of last update.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// OrderRecord is the Parquet schema for an archived order.
type OrderRecord struct {
	ID            string  `parquet:"id"`
	Owner         string  `parquet:"owner"`
	Ticker        string  `parquet:"ticker"`
	Side          string  `parquet:"side"`
	Seed          float64 `parquet:"seed"`
	AvgPrice      float64 `parquet:"avg_price"`
	Tranches      int32   `parquet:"tranches"`
	Status        string  `parquet:"status"`
	ExecuteAfter  int64   `parquet:"execute_after,timestamp(millisecond)"` // Unix ms
	CreatedAt     int64   `parquet:"created_at,timestamp(millisecond)"`
	UpdatedAt     int64   `parquet:"updated_at,timestamp(millisecond)"`
	ExecutedAt    int64   `parquet:"executed_at"` // Unix ms, 0 when never executed
	SubmittedAt   int64   `parquet:"submitted_at"`
	RetryCount    int32   `parquet:"retry_count"`
	Error         string  `parquet:"error"`
	RepeatGroup   string  `parquet:"repeat_group"`
	RepeatIndex   int32   `parquet:"repeat_index"`
	ExecPrice     float64 `parquet:"exec_price"`
	ExecQty       int64   `parquet:"exec_qty"`
	BrokerOrderID string  `parquet:"broker_order_id"`
}

// ArchiveOrders appends orders to their daily files, merging by id so that
// re-archiving after a crash between archive and delete is harmless.
func (a *ParquetArchive) ArchiveOrders(_ context.Context, orders []domain.QueuedOrder) error {
	if len(orders) == 0 {
		return nil
	}

	groups := make(map[string][]OrderRecord)
	for _, o := range orders {
		day := o.UpdatedAt.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], toRecord(o))
	}

	for day, records := range groups {
		t, _ := time.Parse("2006-01-02", day)
		path := a.orderPath(t)

		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeOrderRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing archive for %s: %w", day, err)
		}
	}
	return nil
}

// ReadDay returns the orders archived for the given UTC day.
func (a *ParquetArchive) ReadDay(_ context.Context, day time.Time) ([]domain.QueuedOrder, error) {
	records, err := readParquetFile[OrderRecord](a.orderPath(day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.QueuedOrder, 0, len(records))
	for _, r := range records {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// orderPath returns the filesystem path for an archive file.
// Layout: <dataDir>/orders/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) orderPath(t time.Time) string {
	return filepath.Join(a.DataDir, "orders", t.UTC().Format("2006-01-02")+".parquet")
}

func toRecord(o domain.QueuedOrder) OrderRecord {
	r := OrderRecord{
		ID:            o.ID,
		Owner:         o.Owner,
		Ticker:        o.Ticker,
		Side:          string(o.Side),
		Seed:          o.Seed,
		AvgPrice:      o.AvgPrice,
		Tranches:      int32(o.Tranches),
		Status:        string(o.Status),
		ExecuteAfter:  o.ExecuteAfter.UnixMilli(),
		CreatedAt:     o.CreatedAt.UnixMilli(),
		UpdatedAt:     o.UpdatedAt.UnixMilli(),
		RetryCount:    int32(o.RetryCount),
		Error:         o.Error,
		RepeatGroup:   o.RepeatGroup,
		RepeatIndex:   int32(o.RepeatIndex),
		ExecPrice:     o.ExecPrice,
		ExecQty:       o.ExecQty,
		BrokerOrderID: o.BrokerOrderID,
	}
	if o.ExecutedAt != nil {
		r.ExecutedAt = o.ExecutedAt.UnixMilli()
	}
	if o.SubmittedAt != nil {
		r.SubmittedAt = o.SubmittedAt.UnixMilli()
	}
	return r
}

func fromRecord(r OrderRecord) domain.QueuedOrder {
	o := domain.QueuedOrder{
		ID:            r.ID,
		Owner:         r.Owner,
		Ticker:        r.Ticker,
		Side:          domain.Side(r.Side),
		Seed:          r.Seed,
		AvgPrice:      r.AvgPrice,
		Tranches:      int(r.Tranches),
		Status:        domain.OrderStatus(r.Status),
		ExecuteAfter:  time.UnixMilli(r.ExecuteAfter).UTC(),
		CreatedAt:     time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt).UTC(),
		RetryCount:    int(r.RetryCount),
		Error:         r.Error,
		RepeatGroup:   r.RepeatGroup,
		RepeatIndex:   int(r.RepeatIndex),
		ExecPrice:     r.ExecPrice,
		ExecQty:       r.ExecQty,
		BrokerOrderID: r.BrokerOrderID,
	}
	if r.ExecutedAt != 0 {
		t := time.UnixMilli(r.ExecutedAt).UTC()
		o.ExecutedAt = &t
	}
	if r.SubmittedAt != 0 {
		t := time.UnixMilli(r.SubmittedAt).UTC()
		o.SubmittedAt = &t
	}
	return o
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates records by id, preferring incoming records,
// and sorts the result by update time.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	seen := make(map[string]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].UpdatedAt != merged[j].UpdatedAt {
			return merged[i].UpdatedAt < merged[j].UpdatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
