// Package analysis wires the pipeline stages together: ingestion, assembly,
// statistics, ranking, regional aggregation, and output. Ingestion is the
// only concurrent stage; everything after it runs single-threaded over an
// immutable snapshot of the accumulated results.
package analysis

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/tmakela/flowsift/internal/asymmetry"
	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/datastore"
	"github.com/tmakela/flowsift/internal/errors"
	"github.com/tmakela/flowsift/internal/export"
	"github.com/tmakela/flowsift/internal/flowapi"
	"github.com/tmakela/flowsift/internal/flowtable"
	"github.com/tmakela/flowsift/internal/geoid"
	"github.com/tmakela/flowsift/internal/ingest"
	"github.com/tmakela/flowsift/internal/logging"
	"github.com/tmakela/flowsift/internal/region"
)

// components holds the wired pipeline dependencies.
type components struct {
	client     *flowapi.Client
	classifier *geoid.Classifier
	normalizer *geoid.Normalizer
	ingestor   *ingest.Ingestor
}

func buildComponents(settings *conf.Settings) (*components, error) {
	client, err := flowapi.NewClient(flowapi.Config{
		BaseURL:     settings.Source.BaseURL,
		APIKey:      settings.Source.APIKey,
		Timeout:     time.Duration(settings.Source.Timeout) * time.Second,
		CacheTTL:    time.Duration(settings.Source.CacheTTL) * time.Minute,
		RateLimitMS: settings.Source.RateLimitMS,
	})
	if err != nil {
		return nil, err
	}

	classifier := geoid.NewClassifier()
	if settings.Region.MappingFile != "" {
		if err := classifier.LoadRegionMapping(settings.Region.MappingFile); err != nil {
			client.Close()
			return nil, err
		}
	}

	normalizer := geoid.NewNormalizer(classifier)
	ingestor := ingest.New(client, normalizer, settings.Ingest, settings.Source.Year)

	return &components{
		client:     client,
		classifier: classifier,
		normalizer: normalizer,
		ingestor:   ingestor,
	}, nil
}

// ReadAnchors reads anchor entity ids from a file, one per line. Blank lines
// and lines starting with '#' are skipped.
func ReadAnchors(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Newf("failed to open anchors file: %w", err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Component("analysis").
			Build()
	}
	defer func() {
		_ = f.Close()
	}()

	var anchors []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		anchors = append(anchors, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Newf("failed to read anchors file: %w", err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Component("analysis").
			Build()
	}

	if len(anchors) == 0 {
		return nil, errors.Newf("anchors file is empty: %s", path).
			Category(errors.CategoryValidation).
			Context("path", path).
			Component("analysis").
			Build()
	}
	return anchors, nil
}

// buildRequests expands anchors into one request per anchor per role. The
// source returns only one flow direction per query, so a complete table
// requires querying every anchor in both roles.
func buildRequests(anchors []string) []ingest.Request {
	requests := make([]ingest.Request, 0, len(anchors)*2)
	for _, anchor := range anchors {
		requests = append(requests,
			ingest.Request{AnchorID: anchor, Role: geoid.RoleDestination},
			ingest.Request{AnchorID: anchor, Role: geoid.RoleOrigin},
		)
	}
	return requests
}

// ingestAndAssemble runs the concurrent ingestion stage and assembles the
// canonical flow table from its merged output.
func ingestAndAssemble(ctx context.Context, comps *components, settings *conf.Settings,
	anchors []string) (*flowtable.Table, []flowtable.ReconciliationNote, *ingest.Result, error) {

	result, err := comps.ingestor.Run(ctx, buildRequests(anchors))
	if err != nil {
		return nil, nil, result, err
	}

	assembler := &flowtable.Assembler{Tolerance: settings.Analysis.Tolerance}
	table, notes, drops := assembler.Assemble(result.Edges)

	logging.Info("flow table assembled",
		"raw_edges", len(result.Edges),
		"canonical_edges", table.EdgeCount(),
		"reconciliations", len(notes),
		"dropped", drops.Total())

	return table, notes, result, nil
}

// Fetch ingests flows for the configured anchors, assembles the canonical
// table, and persists it. Used to split slow ingestion from repeated analysis.
func Fetch(ctx context.Context, settings *conf.Settings) error {
	comps, err := buildComponents(settings)
	if err != nil {
		return err
	}
	defer comps.client.Close()
	defer ingest.Close()

	anchors, err := ReadAnchors(settings.Ingest.AnchorsFile)
	if err != nil {
		return err
	}

	table, _, result, err := ingestAndAssemble(ctx, comps, settings, anchors)
	if err != nil {
		return err
	}

	store := datastore.New(settings)
	if store == nil {
		return errors.Newf("fetch requires sqlite output to be enabled").
			Category(errors.CategoryConfiguration).
			Component("analysis").
			Build()
	}
	if err := store.Open(); err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Component("analysis").
			Build()
	}
	defer func() {
		_ = store.Close()
	}()

	edges := make([]datastore.FlowEdge, 0, table.EdgeCount())
	for _, origin := range table.Origins() {
		for _, edge := range table.EdgesFrom(origin) {
			edges = append(edges, datastore.FlowEdge{
				Year:              settings.Source.Year,
				OriginID:          edge.OriginID,
				DestinationID:     edge.DestinationID,
				Magnitude:         edge.Magnitude,
				ObservedDirection: string(edge.ObservedDirection),
				SourceTag:         edge.SourceTag,
			})
		}
	}
	if err := store.SaveEdges(settings.Source.Year, edges); err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Component("analysis").
			Build()
	}

	logging.Info("fetch complete",
		"year", settings.Source.Year,
		"edges", len(edges),
		"anchors_succeeded", result.Manifest.Succeeded(),
		"anchors_failed", result.Manifest.Failed())
	return nil
}

// Run executes the full pipeline: ingest, assemble, compute statistics, rank,
// flag concentrated edges, aggregate by region, and write all outputs.
func Run(ctx context.Context, settings *conf.Settings) error {
	comps, err := buildComponents(settings)
	if err != nil {
		return err
	}
	defer comps.client.Close()
	defer ingest.Close()

	anchors, err := ReadAnchors(settings.Ingest.AnchorsFile)
	if err != nil {
		return err
	}

	table, notes, result, err := ingestAndAssemble(ctx, comps, settings, anchors)
	if err != nil {
		return err
	}

	// Statistics, ranking, and aggregation are pure derivations over the
	// assembled table; recomputed fully on every run.
	engine := asymmetry.NewEngine(settings.Analysis.Eligibility)
	records := asymmetry.Rank(engine.Compute(table))
	flags := asymmetry.FlagConcentrated(table, settings.Analysis.Flagging)

	aggregator := region.NewAggregator(comps.classifier)
	summaries := aggregator.Summarize(records)

	logging.Info("analysis complete",
		"ranked_groups", len(records),
		"concentration_flags", len(flags),
		"region_summaries", len(summaries))

	writer := &export.Writer{Directory: settings.Output.Directory}
	paths, err := writer.WriteAll(records, flags, summaries, &result.Manifest, notes)
	if err != nil {
		return err
	}
	for _, path := range paths {
		logging.Info("wrote output", "path", path)
	}

	if store := datastore.New(settings); store != nil {
		if err := persistResults(store, settings.Source.Year, records, flags, summaries); err != nil {
			return err
		}
	}

	return nil
}

// persistResults saves derived tables to the configured database.
func persistResults(store datastore.Interface, year int, records []asymmetry.Record,
	flags []asymmetry.Flag, summaries []region.Summary) error {

	if err := store.Open(); err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Component("analysis").
			Build()
	}
	defer func() {
		_ = store.Close()
	}()

	dbRecords := make([]datastore.AsymmetryRecord, 0, len(records))
	for i := range records {
		r := &records[i]
		dbRecords = append(dbRecords, datastore.AsymmetryRecord{
			Year:                  year,
			OriginID:              r.OriginID,
			TotalMagnitude:        r.TotalMagnitude,
			DestinationCount:      r.DestinationCount,
			CV:                    r.CV,
			Gini:                  r.Gini,
			TopConcentrationRatio: r.TopConcentrationRatio,
			TopDestinationID:      r.TopDestinationID,
		})
	}

	dbFlags := make([]datastore.ConcentrationFlag, 0, len(flags))
	for i := range flags {
		f := &flags[i]
		dbFlags = append(dbFlags, datastore.ConcentrationFlag{
			Year:          year,
			OriginID:      f.OriginID,
			DestinationID: f.DestinationID,
			Weight:        f.Weight,
			ObservedShare: f.ObservedShare,
			ExpectedShare: f.ExpectedShare,
			Ratio:         f.Ratio,
		})
	}

	dbSummaries := make([]datastore.RegionSummary, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		dbSummaries = append(dbSummaries, datastore.RegionSummary{
			Year:     year,
			Region:   s.Region,
			NGroups:  s.NGroups,
			MeanCV:   s.MeanCV,
			MedianCV: s.MedianCV,
		})
	}

	if err := store.SaveRecords(year, dbRecords); err != nil {
		return errors.New(err).Category(errors.CategoryDatabase).Component("analysis").Build()
	}
	if err := store.SaveFlags(year, dbFlags); err != nil {
		return errors.New(err).Category(errors.CategoryDatabase).Component("analysis").Build()
	}
	if err := store.SaveSummaries(year, dbSummaries); err != nil {
		return errors.New(err).Category(errors.CategoryDatabase).Component("analysis").Build()
	}
	return nil
}
