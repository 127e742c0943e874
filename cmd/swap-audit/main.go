// Command swap-audit exports the coordinator's append-only event log to a
// parquet file for offline reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"swaprelay/storage"
)

type parquetRow struct {
	Ledger     string `parquet:"name=ledger, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxRef      string `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventIndex int32  `parquet:"name=event_index, type=INT32"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID   string `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SwapID     string `parquet:"name=swap_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Height     int64  `parquet:"name=height, type=INT64"`
	ObservedMS int64  `parquet:"name=observed_ms, type=INT64"`
	Payload    string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const pageSize = 1000

func main() {
	var (
		dbPath  string
		outPath string
	)
	flag.StringVar(&dbPath, "db", "", "path to the coordinator database")
	flag.StringVar(&outPath, "out", "events.parquet", "output parquet file")
	flag.Parse()

	if err := export(dbPath, outPath); err != nil {
		fmt.Fprintf(os.Stderr, "swap-audit: %v\n", err)
		os.Exit(1)
	}
}

func export(dbPath, outPath string) error {
	dsn, err := storage.FileDSN(dbPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	file, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	ctx := context.Background()
	total := 0
	for offset := 0; ; offset += pageSize {
		page, err := store.Events(ctx, pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			row := &parquetRow{
				Ledger:     rec.Ledger,
				TxRef:      rec.TxRef,
				EventIndex: int32(rec.EventIndex),
				Kind:       rec.Kind,
				EscrowID:   rec.EscrowID,
				SwapID:     rec.SwapID,
				Digest:     rec.Digest,
				Height:     int64(rec.Height),
				ObservedMS: rec.ObservedMS,
				Payload:    rec.Payload,
			}
			if err := pw.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
			total++
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	fmt.Printf("exported %d events to %s\n", total, outPath)
	return nil
}
