package prices

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

// FileSink writes the current price to a single file, replacing its contents
type FileSink struct {
	Path string
}

// RecordPrice writes total to the sink file via a temporary file and rename
func (s FileSink) RecordPrice(total decimal.Decimal) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".price-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.WriteString(total.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing price: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing price file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.Path, err)
	}
	return nil
}
