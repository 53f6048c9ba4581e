// Package output renders engine results for the terminal or as JSON.
package output

import (
	"encoding/json"
	"io"

	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/gap"
	"github.com/brutev/fd-agent/internal/ingestion"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/models"
)

// Format selects how results are written
type Format int

const (
	FormatText Format = iota // human-readable summary
	FormatJSON               // indented JSON, one document per call
)

// ParseFormat maps the --json flag to a Format
func ParseFormat(jsonOutput bool) Format {
	if jsonOutput {
		return FormatJSON
	}
	return FormatText
}

// Printer writes results in one format
type Printer struct {
	w      io.Writer
	format Format
}

// NewPrinter creates a printer writing to w
func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

// JSON writes v as indented JSON regardless of the printer format
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Analysis writes the summary of one Analyze pass
func (p *Printer) Analysis(fg *engine.FeatureGraph) error {
	if p.format == FormatJSON {
		return p.JSON(fg)
	}
	writeAnalysis(p.w, fg)
	return nil
}

// FileCount writes what a dry-run analysis would read
func (p *Printer) FileCount(stats *ingestion.FileStats) error {
	if p.format == FormatJSON {
		return p.JSON(stats)
	}
	writeFileCount(p.w, stats)
	return nil
}

// Gaps writes a gap report
func (p *Printer) Gaps(entries []gap.Entry) error {
	if p.format == FormatJSON {
		return p.JSON(entries)
	}
	writeGaps(p.w, entries)
	return nil
}

// ChangeRequest writes one planned change request
func (p *Printer) ChangeRequest(rec *models.ChangeRequestRecord) error {
	if p.format == FormatJSON {
		return p.JSON(rec)
	}
	writeChangeRequest(p.w, rec)
	return nil
}

// ChangeRequests writes a listing of stored change requests
func (p *Printer) ChangeRequests(recs []*models.ChangeRequestRecord) error {
	if p.format == FormatJSON {
		if recs == nil {
			recs = []*models.ChangeRequestRecord{}
		}
		return p.JSON(recs)
	}
	writeChangeRequests(p.w, recs)
	return nil
}

// Search writes ranked search results
func (p *Printer) Search(items []memory.Item) error {
	if p.format == FormatJSON {
		return p.JSON(items)
	}
	writeSearch(p.w, items)
	return nil
}

// Stats writes engine statistics
func (p *Printer) Stats(stats *engine.Stats) error {
	if p.format == FormatJSON {
		return p.JSON(stats)
	}
	writeStats(p.w, stats)
	return nil
}
