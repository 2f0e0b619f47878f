// Package export serializes pipeline outputs as CSV tables. Field names
// follow the reporting contract; consumers parse headers, not positions.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tmakela/flowsift/internal/asymmetry"
	"github.com/tmakela/flowsift/internal/errors"
	"github.com/tmakela/flowsift/internal/flowtable"
	"github.com/tmakela/flowsift/internal/ingest"
	"github.com/tmakela/flowsift/internal/region"
)

// Writer writes the pipeline's CSV outputs into one directory.
type Writer struct {
	Directory string
}

// WriteAll writes every output table and returns the paths written.
func (w *Writer) WriteAll(records []asymmetry.Record, flags []asymmetry.Flag,
	summaries []region.Summary, manifest *ingest.Manifest, notes []flowtable.ReconciliationNote) ([]string, error) {

	if err := os.MkdirAll(w.Directory, 0o755); err != nil {
		return nil, errors.Newf("failed to create output directory: %w", err).
			Category(errors.CategoryFileIO).
			Context("directory", w.Directory).
			Component("export").
			Build()
	}

	outputs := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"ranked_asymmetry.csv", func(out io.Writer) error { return WriteRankedRecords(out, records) }},
		{"concentration_flags.csv", func(out io.Writer) error { return WriteFlags(out, flags) }},
		{"region_summary.csv", func(out io.Writer) error { return WriteSummaries(out, summaries) }},
		{"manifest.csv", func(out io.Writer) error { return WriteManifest(out, manifest) }},
		{"reconciliation_notes.csv", func(out io.Writer) error { return WriteReconciliationNotes(out, notes) }},
	}

	paths := make([]string, 0, len(outputs))
	for _, output := range outputs {
		path := filepath.Join(w.Directory, output.name)
		if err := writeFile(path, output.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Newf("failed to create output file: %w", err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Component("export").
			Build()
	}
	defer func() {
		_ = f.Close()
	}()

	if err := write(f); err != nil {
		return errors.Newf("failed to write output file: %w", err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Component("export").
			Build()
	}
	return nil
}

// WriteRankedRecords writes the ranked asymmetry table.
func WriteRankedRecords(out io.Writer, records []asymmetry.Record) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"origin_id", "total_magnitude", "destination_count", "cv", "gini", "top_concentration_ratio", "top_destination_id"}); err != nil {
		return err
	}
	for i := range records {
		r := &records[i]
		err := cw.Write([]string{
			r.OriginID,
			formatFloat(r.TotalMagnitude),
			strconv.Itoa(r.DestinationCount),
			formatFloat(r.CV),
			formatFloat(r.Gini),
			formatFloat(r.TopConcentrationRatio),
			r.TopDestinationID,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFlags writes the concentration flag list.
func WriteFlags(out io.Writer, flags []asymmetry.Flag) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"origin_id", "destination_id", "weight", "observed_share", "expected_share", "ratio"}); err != nil {
		return err
	}
	for i := range flags {
		f := &flags[i]
		err := cw.Write([]string{
			f.OriginID,
			f.DestinationID,
			formatFloat(f.Weight),
			formatFloat(f.ObservedShare),
			formatFloat(f.ExpectedShare),
			formatFloat(f.Ratio),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummaries writes the regional comparison table.
func WriteSummaries(out io.Writer, summaries []region.Summary) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"region_label", "n_groups", "mean_cv", "median_cv"}); err != nil {
		return err
	}
	for i := range summaries {
		s := &summaries[i]
		err := cw.Write([]string{
			s.Region,
			strconv.Itoa(s.NGroups),
			formatFloat(s.MeanCV),
			formatFloat(s.MedianCV),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteManifest writes the per-anchor ingestion manifest followed by the
// batch-wide drop tally, so skipped data is always accounted for.
func WriteManifest(out io.Writer, manifest *ingest.Manifest) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"anchor_id", "role", "status", "rows", "dropped", "reason"}); err != nil {
		return err
	}
	for i := range manifest.Outcomes {
		o := &manifest.Outcomes[i]
		err := cw.Write([]string{
			o.AnchorID,
			string(o.Role),
			string(o.Status),
			strconv.Itoa(o.Rows),
			strconv.Itoa(o.Dropped),
			o.Reason,
		})
		if err != nil {
			return err
		}
	}
	for reason, count := range manifest.DroppedRows {
		if err := cw.Write([]string{"", "", "dropped-rows", "", strconv.Itoa(count), reason}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReconciliationNotes writes duplicate-edge resolutions.
func WriteReconciliationNotes(out io.Writer, notes []flowtable.ReconciliationNote) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"origin_id", "destination_id", "kept", "discarded", "kept_role", "reason"}); err != nil {
		return err
	}
	for i := range notes {
		n := &notes[i]
		err := cw.Write([]string{
			n.OriginID,
			n.DestinationID,
			formatFloat(n.Kept),
			formatFloat(n.Discarded),
			string(n.KeptRole),
			n.Reason,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	// Shortest representation that round-trips.
	return strconv.FormatFloat(v, 'f', -1, 64)
}
