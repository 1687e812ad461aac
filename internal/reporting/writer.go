package reporting

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFiles writes REPORT_<plan>.md and outcomes_<plan>.csv into dir and
// returns their paths.
func WriteFiles(dir string, r *Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	files := []struct {
		name string
		body string
	}{
		{fmt.Sprintf("REPORT_%s.md", r.PlanID), RenderMarkdown(r)},
		{fmt.Sprintf("outcomes_%s.csv", r.PlanID), RenderCSV(r.Items)},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.body), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
