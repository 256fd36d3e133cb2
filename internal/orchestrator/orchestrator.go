// Package orchestrator drives one action reference through the full scan
// pipeline: resolve, refresh stats, cache check, download, filter, analyze,
// validate, price, persist, report. Batches fan out over bounded workers with
// per-reference failure isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"actionsguard/internal/action"
	"actionsguard/internal/analyzer"
	"actionsguard/internal/filefilter"
	"actionsguard/internal/ghapi"
	"actionsguard/internal/metastore"
	"actionsguard/internal/pricing"
	"actionsguard/internal/report"
	"actionsguard/internal/verdict"
)

// GitHub is the slice of the API client the pipeline needs.
type GitHub interface {
	RepositoryStats(ctx context.Context, owner, repo string) (*metastore.RepositoryMetadata, error)
	ResolveVersion(ctx context.Context, ref action.Ref, existing *metastore.RepositoryMetadata) (*action.Resolved, error)
	DownloadSource(ctx context.Context, owner, repo, version string) (string, func(), error)
}

// Status of one scan outcome.
type Status string

const (
	// StatusScanned means a fresh analysis ran and was recorded.
	StatusScanned Status = "scanned"
	// StatusCached means an authoritative record for the content SHA
	// already existed and no provider call was made.
	StatusCached Status = "cached"
	// StatusSkipped means analysis was disabled; the pipeline stopped
	// after resolution and the metadata refresh.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// FailKind classifies failures so batch output can distinguish "not found"
// from "out of quota" without string matching.
type FailKind string

const (
	FailNotFound   FailKind = "not_found"
	FailRateLimit  FailKind = "rate_limit"
	FailAuth       FailKind = "auth"
	FailDownload   FailKind = "download"
	FailProvider   FailKind = "provider"
	FailValidation FailKind = "validation"
	FailInternal   FailKind = "internal"
)

type Options struct {
	// ForceRescan analyzes even when the content SHA was already scanned.
	ForceRescan bool
	// SkipAnalysis stops the pipeline after resolution and the metadata
	// refresh: no download, no provider call, no cost.
	SkipAnalysis bool
}

// Outcome is the per-reference result. Every reference handed to ScanBatch
// gets exactly one, failures included.
type Outcome struct {
	Ref        action.Ref
	Resolved   *action.Resolved
	Status     Status
	Kind       FailKind
	Err        error
	ReportPath string
	Usage      report.Usage
	// Analyzed is false for cached and skipped outcomes.
	Analyzed bool
	// FileCount is how many files passed the filter.
	FileCount int
}

type Config struct {
	Client   GitHub
	Store    *metastore.Store
	Provider analyzer.Provider
	Pricing  *pricing.Table
	Filter   *filefilter.Filter
	Reports  *report.Writer
	// Model is the pricing-table model key for Provider.
	Model string
	// Prompt is the analysis instruction sent with every file set.
	Prompt string
	Logger *log.Logger
}

type Orchestrator struct {
	gh      GitHub
	store   *metastore.Store
	prov    analyzer.Provider
	pricing *pricing.Table
	filter  *filefilter.Filter
	reports *report.Writer
	model   string
	prompt  string
	log     *log.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("orchestrator: client is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case cfg.Provider == nil:
		return nil, fmt.Errorf("orchestrator: provider is required")
	case cfg.Reports == nil:
		return nil, fmt.Errorf("orchestrator: report writer is required")
	}
	if cfg.Filter == nil {
		cfg.Filter = filefilter.New(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Orchestrator{
		gh:      cfg.Client,
		store:   cfg.Store,
		prov:    cfg.Provider,
		pricing: cfg.Pricing,
		filter:  cfg.Filter,
		reports: cfg.Reports,
		model:   cfg.Model,
		prompt:  cfg.Prompt,
		log:     cfg.Logger,
	}, nil
}

// Scan runs the pipeline for one reference. It never panics across the
// boundary and always returns an Outcome, failed or not.
func (o *Orchestrator) Scan(ctx context.Context, ref action.Ref, opts Options) Outcome {
	out := Outcome{Ref: ref}
	slug := ref.Slug()

	meta, err := o.refreshStats(ctx, slug, ref, opts.ForceRescan)
	if err != nil {
		return o.fail(out, classify(err), err)
	}

	res, err := o.gh.ResolveVersion(ctx, ref, meta)
	if err != nil {
		return o.fail(out, classify(err), err)
	}
	out.Resolved = res

	// Idempotency gate: at most one authoritative scan per content SHA.
	if !opts.ForceRescan && res.CommitSHA != "" {
		rec, ok, err := o.store.ScannedFor(slug, res.CommitSHA)
		if err != nil {
			return o.fail(out, FailInternal, err)
		}
		if ok {
			o.log.Printf("%s already scanned at %s, reusing %s", res, shortSHA(res.CommitSHA), rec.ScanReport)
			out.Status = StatusCached
			out.ReportPath = rec.ScanReport
			return out
		}
	}

	// Dry runs stop after resolution and the metadata refresh: no
	// download, no provider call, no cost.
	if opts.SkipAnalysis {
		o.log.Printf("%s resolved to %s, analysis skipped", res, shortSHA(res.CommitSHA))
		out.Status = StatusSkipped
		return out
	}

	dir, cleanup, err := o.gh.DownloadSource(ctx, res.Owner, res.Repo, res.Version)
	defer cleanup()
	if err != nil {
		return o.fail(out, downloadKind(err), err)
	}

	files, err := o.filter.Extract(dir)
	if err != nil {
		return o.fail(out, FailValidation, err)
	}
	out.FileCount = len(files)

	result, err := o.prov.Analyze(ctx, o.prompt, o.filter.Prepare(files))
	if err != nil {
		return o.fail(out, providerKind(err), err)
	}
	out.Analyzed = true
	out.Usage = o.usageFor(result)

	rep, verr := verdict.Decode(result.Output)
	if verr != nil {
		// Failed-but-visible: the raw output is still written as a
		// report and the release record points at it, but the release
		// never counts as scanned.
		o.log.Printf("WARNING: %s: %v", res, verr)
		path, werr := o.reports.WriteReport(res, report.FailureReport(result.Output, verr.Error()), out.Usage)
		if werr != nil {
			return o.fail(out, FailInternal, werr)
		}
		out.ReportPath = path
		if err := o.recordScan(slug, res, path, false); err != nil {
			return o.fail(out, FailInternal, err)
		}
		return o.fail(out, FailValidation, verr)
	}

	path, err := o.reports.WriteReport(res, rep, out.Usage)
	if err != nil {
		return o.fail(out, FailInternal, err)
	}
	out.ReportPath = path

	if err := o.recordScan(slug, res, path, true); err != nil {
		return o.fail(out, FailInternal, err)
	}

	o.log.Printf("%s scanned: %d files, %d tokens, $%.4f", res, len(files), out.Usage.TotalTokens, out.Usage.Cost)
	out.Status = StatusScanned
	return out
}

// refreshStats fetches repository stats when the stored ones are stale and
// merges them into the store, then returns the current metadata. A forced
// rescan refetches unconditionally.
func (o *Orchestrator) refreshStats(ctx context.Context, slug string, ref action.Ref, force bool) (*metastore.RepositoryMetadata, error) {
	if !force && o.store.Fresh(slug, time.Now()) {
		meta, _, err := o.store.Get(slug)
		return meta, err
	}
	stats, err := o.gh.RepositoryStats(ctx, ref.Owner, ref.Repo)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpsertRepositoryStats(slug, stats); err != nil {
		return nil, err
	}
	meta, _, err := o.store.Get(slug)
	return meta, err
}

func (o *Orchestrator) recordScan(slug string, res *action.Resolved, reportPath string, scanned bool) error {
	return o.store.UpsertReleaseRecord(slug, res.Version, func(rec metastore.ReleaseRecord) metastore.ReleaseRecord {
		if res.CommitSHA != "" {
			rec.CommitSHA = res.CommitSHA
		}
		rec.ScanReport = reportPath
		if scanned {
			rec.Scanned = true
		}
		return rec
	})
}

func (o *Orchestrator) usageFor(result *analyzer.Result) report.Usage {
	u := report.Usage{
		InputTokens:   result.Usage.Input,
		OutputTokens:  result.Usage.Output,
		ContextTokens: result.Usage.Context,
		TotalTokens:   result.Usage.Total,
	}
	if o.pricing == nil {
		return u
	}
	cost, err := o.pricing.Cost(o.prov.Name(), o.model, u.InputTokens, u.OutputTokens, u.ContextTokens)
	if err != nil {
		// Pricing pairs are validated at startup; an error here means
		// the table changed underfoot. Report with zero cost.
		o.log.Printf("WARNING: cost for %s/%s: %v", o.prov.Name(), o.model, err)
		return u
	}
	u.Cost = cost
	return u
}

func (o *Orchestrator) fail(out Outcome, kind FailKind, err error) Outcome {
	out.Status = StatusFailed
	out.Kind = kind
	out.Err = err
	o.log.Printf("ERROR: %s: %v", out.Ref, err)
	return out
}

func classify(err error) FailKind {
	switch {
	case errors.Is(err, ghapi.ErrNotFound):
		return FailNotFound
	case errors.Is(err, ghapi.ErrRateLimitExceeded):
		return FailRateLimit
	case errors.Is(err, ghapi.ErrAuthentication):
		return FailAuth
	default:
		return FailInternal
	}
}

func downloadKind(err error) FailKind {
	if kind := classify(err); kind != FailInternal {
		return kind
	}
	return FailDownload
}

func providerKind(err error) FailKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailInternal
	}
	return FailProvider
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
