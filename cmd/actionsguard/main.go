package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"actionsguard/internal/action"
	"actionsguard/internal/analyzer"
	"actionsguard/internal/filefilter"
	"actionsguard/internal/ghapi"
	"actionsguard/internal/metastore"
	"actionsguard/internal/orchestrator"
	"actionsguard/internal/pricing"
	"actionsguard/internal/report"
)

const defaultPrompt = `Analyze the following GitHub Action source files for security risks.
Report your findings as a single JSON object with these keys:
"Security-Issues" (array of {severity, title, description, file, line, remediation}),
"checks" (array of {title, status, score, analysis} where status is "safe" or "unsafe"),
"recommendations" (array of {title, description}),
"mitigation-strategies" (array of {title, description}),
"action-name" (string) and "risk-assessment" (string).
Severity must be one of critical, high, medium, low. Return only the JSON object.`

func main() {
	actionRef := flag.String("action", "", "single action reference (owner/repo[@version])")
	actionFile := flag.String("file", "", "file with one action reference per line")
	outputDir := flag.String("output", "output", "directory for scan result JSON files")
	reportsDir := flag.String("reports", "", "directory for usage metadata (default: output dir)")
	statsFile := flag.String("stats-file", "action_stats.json", "metadata store path")
	pricingFile := flag.String("pricing", "ai_model_costs.json", "pricing table (JSON or YAML)")
	providerName := flag.String("provider", "gemini", "analysis provider: gemini or openai")
	model := flag.String("model", "", "model id (provider default when empty)")
	promptFile := flag.String("prompt", "", "file with the analysis prompt (built-in default when empty)")
	force := flag.Bool("force", false, "re-scan even when the commit SHA was already scanned")
	skipAI := flag.Bool("skip-ai", false, "resolve and refresh metadata only, no download or provider calls")
	concurrency := flag.Int("concurrency", 3, "parallel scans")
	overview := flag.String("overview", "security-overview.json", "overview filename ('' to skip)")
	blockOnLimit := flag.Bool("wait-for-quota", false, "block until the API quota resets instead of failing")
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	_ = godotenv.Load()

	refs, err := collectRefs(*actionRef, *actionFile, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	if len(refs) == 0 {
		log.Fatal("nothing to scan: pass -action, -file or positional references")
	}

	ctx := context.Background()

	// Preflight: pricing and credentials are validated before the first
	// scan so a bad run dies without spending quota or tokens.
	table, err := pricing.Load(*pricingFile)
	if err != nil {
		log.Fatal(err)
	}
	modelID := *model
	if modelID == "" {
		modelID = defaultModel(*providerName)
	}
	if err := table.Validate(*providerName, modelID); err != nil {
		log.Fatal(err)
	}

	auth, err := ghapi.AuthFromEnv(ctx, log.Default())
	if err != nil {
		log.Fatal(err)
	}
	client, err := ghapi.New(ghapi.Config{
		Auth:             auth,
		Logger:           log.Default(),
		BlockOnRateLimit: *blockOnLimit,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := client.ValidateAuth(ctx); err != nil {
		log.Fatal(err)
	}

	// Dry runs never call the provider, so they don't need credentials
	// for one either.
	var provider analyzer.Provider = &analyzer.Fake{}
	if !*skipAI {
		base, err := analyzer.New(ctx, analyzer.Config{Provider: *providerName, Model: modelID})
		if err != nil {
			log.Fatal(err)
		}
		defer base.Close()
		provider = analyzer.Wrap(base,
			analyzer.WithLogging(log.Default()),
			analyzer.Retry(3, 2*time.Second),
			analyzer.RateLimit(1, 1),
		)
	}

	store, err := metastore.New(metastore.Config{Path: *statsFile})
	if err != nil {
		log.Fatal(err)
	}
	writer, err := report.NewWriter(*outputDir, *reportsDir, log.Default())
	if err != nil {
		log.Fatal(err)
	}

	prompt := defaultPrompt
	if *promptFile != "" {
		raw, err := os.ReadFile(*promptFile)
		if err != nil {
			log.Fatal(err)
		}
		prompt = string(raw)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Client:   client,
		Store:    store,
		Provider: provider,
		Pricing:  table,
		Filter:   filefilter.New(log.Default()),
		Reports:  writer,
		Model:    modelID,
		Prompt:   prompt,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("scanning %d action(s) with %s/%s", len(refs), *providerName, modelID)
	opts := orchestrator.Options{ForceRescan: *force, SkipAnalysis: *skipAI}
	outcomes := orch.ScanBatch(ctx, refs, opts, *concurrency)

	if *overview != "" {
		if _, err := writer.GenerateOverview(*overview); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}

	failed := summarize(outcomes)
	if failed > 0 {
		os.Exit(1)
	}
}

// collectRefs merges the -action flag, the -file list and positional args,
// parsing and de-duplicating as it goes.
func collectRefs(single, file string, args []string) ([]action.Ref, error) {
	var raw []string
	if single != "" {
		raw = append(raw, single)
	}
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = append(raw, line)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	raw = append(raw, args...)

	seen := map[string]bool{}
	refs := make([]action.Ref, 0, len(raw))
	for _, s := range raw {
		ref, err := action.Parse(s)
		if err != nil {
			return nil, err
		}
		if seen[ref.String()] {
			continue
		}
		seen[ref.String()] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func summarize(outcomes []orchestrator.Outcome) (failed int) {
	var totalCost float64
	for _, out := range outcomes {
		totalCost += out.Usage.Cost
		switch out.Status {
		case orchestrator.StatusFailed:
			failed++
			fmt.Printf("FAIL  %-40s %s: %v\n", out.Ref, out.Kind, out.Err)
		case orchestrator.StatusCached:
			fmt.Printf("CACHE %-40s %s\n", out.Ref, out.ReportPath)
		case orchestrator.StatusSkipped:
			fmt.Printf("SKIP  %-40s resolved %s\n", out.Ref, out.Resolved)
		default:
			fmt.Printf("OK    %-40s %s (%d files, $%.4f)\n", out.Ref, out.ReportPath, out.FileCount, out.Usage.Cost)
		}
	}
	fmt.Printf("%d scanned or cached, %d failed, total cost $%.4f\n", len(outcomes)-failed, failed, totalCost)
	return failed
}
