package chemfile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// Write encodes rows as a delta file with the vendor header, gzip-compressed
// when compress is set. Extra vendor columns are written empty.
func Write(w io.Writer, rows []Compound, compress bool) error {
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(w)
		w = zw
	}
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write([]string{ColID, ColSMILES, ColInChI, ColInChIKey, "Corpus Frequency"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, c := range rows {
		rec := []string{"SCHEMBL" + strconv.FormatInt(c.ID, 10), c.SMILES, c.InChI, c.InChIKey, ""}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", c.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
	}
	return nil
}
