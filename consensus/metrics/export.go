package metrics

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// eventRow is the on-disk schema for the offline instruction-state-change
// event log, exported periodically for analytics consumers that cannot
// scrape Prometheus counters.
type eventRow struct {
	AssetID string `parquet:"name=asset_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID      string `parquet:"name=instruction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	From    string `parquet:"name=from_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	To      string `parquet:"name=to_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	AtUnix  int64  `parquet:"name=at_unix, type=INT64"`
}

// ExportEvents writes the provided instruction-state-change events to a
// snappy-compressed parquet file at path.
func ExportEvents(path string, events []Event) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create parquet: %w", err)
	}
	defer file.Close()

	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 1)
	if err != nil {
		return fmt.Errorf("metrics: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range events {
		row := &eventRow{
			AssetID: string(e.AssetID),
			ID:      string(e.ID),
			From:    string(e.From),
			To:      string(e.To),
			AtUnix:  e.At.Unix(),
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("metrics: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("metrics: finalize parquet: %w", err)
	}
	return nil
}
