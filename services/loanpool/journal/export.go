package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportPageSize = 500

type parquetRow struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every journaled event matching filter.Type with a
// sequence above filter.After to a parquet file at path. filter.Limit is
// ignored; the journal is paged through in full. It returns the number of
// rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	page := Filter{Type: filter.Type, After: filter.After, Limit: exportPageSize}
	for {
		entries, err := j.List(ctx, page)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		for _, entry := range entries {
			attrs, err := json.Marshal(entry.Attributes)
			if err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("journal: encode attributes: %w", err)
			}
			row := &parquetRow{
				ID:         entry.ID,
				Sequence:   int64(entry.Sequence),
				Type:       entry.Type,
				Attributes: string(attrs),
				CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("journal: parquet write: %w", err)
			}
			written++
			page.After = entry.Sequence
		}
		if len(entries) < exportPageSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return written, nil
}
