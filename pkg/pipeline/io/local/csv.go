package local

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sgproperty/geobatch/pkg/pipeline/core"
)

// AddressFile loads pipeline input from a CSV file with an "address" column.
type AddressFile struct {
	Path string
}

var _ core.InputAdapter[string] = (*AddressFile)(nil)

func (f *AddressFile) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		_ = fh.Close()
	}()
	return ReadAddressesCSV(fh)
}

// RecordsFile persists pipeline output rows to a CSV file under a fixed
// header. Store truncates any prior file; output files are rewritten whole.
type RecordsFile struct {
	Path   string
	Header []string
}

var _ core.OutputAdapter[[]string] = (*RecordsFile)(nil)

func (f *RecordsFile) Store(ctx context.Context, rows [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := os.Create(f.Path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := WriteRecordsCSV(fh, f.Header, rows); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

// ReadAddressesCSV reads a CSV file and returns the values from the
// "address" column.
func ReadAddressesCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	addrIdx := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "address") {
			addrIdx = i
			break
		}
	}
	if addrIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", "address")
	}

	var addresses []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if addrIdx >= len(rec) {
			return nil, fmt.Errorf("row has %d columns, want at least %d", len(rec), addrIdx+1)
		}
		addresses = append(addresses, rec[addrIdx])
	}
	return addresses, nil
}

// WriteRecordsCSV writes a header row followed by records.
func WriteRecordsCSV(w io.Writer, header []string, records [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, rec := range records {
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
