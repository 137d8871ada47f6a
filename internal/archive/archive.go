// Package archive packages batch outputs into a single zip stream.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
)

// ReportName is the archive entry listing every item's outcome
const ReportName = "report.json"

// ReportEntry describes one batch item inside the archive report
type ReportEntry struct {
	Parameters *models.ImageParameters `json:"parameters,omitempty"`
	File       string                  `json:"file"`
	Output     string                  `json:"output,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Status     models.ItemStatus       `json:"status"`
}

// Report is the content of report.json
type Report struct {
	Items     []ReportEntry `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// Write streams a zip with one entry per successful item, keyed by its
// output filename, followed by report.json. Duplicate names get a numeric
// suffix so no output is overwritten.
func Write(w io.Writer, batch *processor.BatchReport) error {
	zw := zip.NewWriter(w)
	names := newNameSet()
	now := time.Now()

	report := Report{Succeeded: batch.Succeeded, Failed: batch.Failed}
	for _, item := range batch.Items {
		entry := ReportEntry{File: item.Name, Status: models.ItemStatusOK}
		if !item.OK() {
			entry.Status = models.ItemStatusFailed
			entry.Error = processor.UserMessage(item.Err)
			report.Items = append(report.Items, entry)
			continue
		}

		name := names.claim(item.OutputName)
		// Encoded images are already compressed.
		f, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: now})
		if err != nil {
			return fmt.Errorf("failed to create archive entry %s: %w", name, err)
		}
		if _, err := f.Write(item.Data); err != nil {
			return fmt.Errorf("failed to write archive entry %s: %w", name, err)
		}

		params := item.Parameters
		entry.Output = name
		entry.Parameters = &params
		report.Items = append(report.Items, entry)
	}

	f, err := zw.CreateHeader(&zip.FileHeader{Name: ReportName, Method: zip.Deflate, Modified: now})
	if err != nil {
		return fmt.Errorf("failed to create archive report: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write archive report: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

type nameSet map[string]struct{}

func newNameSet() nameSet {
	return nameSet{ReportName: {}}
}

func (s nameSet) claim(name string) string {
	if name == "" {
		name = "image.png"
	}
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, taken := s[candidate]; !taken {
			s[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}
