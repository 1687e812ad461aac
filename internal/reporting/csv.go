package reporting

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

// RenderCSV renders item rows as CSV string.
func RenderCSV(items []ItemRow) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"index", "kind", "target", "status", "endpoint", "extrinsic_hash", "block_hash",
		"estimated_fee", "validated", "duration_ms"})
	for _, it := range items {
		_ = w.Write([]string{
			strconv.Itoa(it.Index),
			it.Kind,
			it.Target,
			it.Status,
			it.Endpoint,
			it.ExtrinsicHash,
			it.BlockHash,
			it.EstimatedFee,
			strconv.FormatBool(it.Validated),
			strconv.FormatInt(it.DurationMs, 10),
		})
	}
	w.Flush()
	return buf.String()
}
