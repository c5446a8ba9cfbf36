package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/artifacts"
	"github.com/kuitang/critico-e2e/internal/cleanup"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/fixtures"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/probe"
	"github.com/kuitang/critico-e2e/internal/ratelimit"
	"github.com/kuitang/critico-e2e/internal/report"
	"github.com/kuitang/critico-e2e/internal/selectors"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/stubapp"
)

// Flags holds command-line flags.
type Flags struct {
	EnvFiles   []string
	BaseURL    string
	LedgerPath string
	Scope      string
	All        bool
	Stub       bool
	Addr       string
	Upload     bool
}

// Commands holds the shared state of one CLI invocation.
type Commands struct {
	flags Flags
	cfg   *config.Config
}

func newCommands() *Commands {
	return &Commands{}
}

// load reads .env files and the environment, then applies flag overrides.
func (c *Commands) load(cmd *cobra.Command, _ []string) error {
	obs.Init()
	if err := config.LoadDotEnv(c.flags.EnvFiles...); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.flags.BaseURL != "" {
		cfg = cfg.WithBaseURL(c.flags.BaseURL)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if c.flags.LedgerPath != "" {
		cfg.LedgerPath = c.flags.LedgerPath
	}
	c.cfg = cfg
	return nil
}

func (c *Commands) client() *apiclient.Client {
	th := ratelimit.New(ratelimit.Config{RPS: c.cfg.APIRequestsPerSecond, Burst: c.cfg.APIBurst})
	return apiclient.New(c.cfg.APIURL, apiclient.WithThrottle(th))
}

func (c *Commands) requireTarget() error {
	if c.cfg.UsesStub() {
		return errors.New("no CRÍTICO deployment configured: set CRITICO_BASE_URL or pass --base-url")
	}
	return nil
}

func (c *Commands) openLedger(ctx context.Context) (ledger.Ledger, error) {
	if c.cfg.LedgerPath == "" {
		return nil, errors.New("a persisted ledger is required: set CRITICO_LEDGER_PATH or pass --ledger")
	}
	return ledger.Open(ctx, c.cfg.LedgerPath)
}

// Register adds every command to rootCmd.
func (c *Commands) Register(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringSliceVar(&c.flags.EnvFiles, "env-file", []string{".env"}, "Dotenv files to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&c.flags.BaseURL, "base-url", "", "CRÍTICO base URL (overrides CRITICO_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&c.flags.LedgerPath, "ledger", "", "Fixture ledger path (overrides CRITICO_LEDGER_PATH)")

	cleanupCmd := &cobra.Command{
		Use:     "cleanup",
		Short:   "Delete fixtures recorded in the ledger",
		Long:    "Delete the pending fixtures of one run scope, or of every scope with --all, newest first. Courses titled with the scope token are swept as well.",
		PreRunE: c.load,
		RunE:    c.runCleanup,
	}
	cleanupCmd.Flags().StringVarP(&c.flags.Scope, "scope", "s", "", "Run scope token to clean up")
	cleanupCmd.Flags().BoolVar(&c.flags.All, "all", false, "Clean up every scope with pending fixtures")
	rootCmd.AddCommand(cleanupCmd)

	selectorsCmd := &cobra.Command{
		Use:   "selectors",
		Short: "Inspect the selector registry",
	}
	selectorsCmd.AddCommand(&cobra.Command{
		Use:   "lint",
		Short: "Report entries whose primary strategy is not a test attribute",
		RunE:  c.runSelectorsLint,
	})
	selectorsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every module, element and strategy",
		RunE:  c.runSelectorsList,
	})
	rootCmd.AddCommand(selectorsCmd)

	probeCmd := &cobra.Command{
		Use:     "probe",
		Short:   "Check API permission boundaries",
		Long:    "Call protected endpoints anonymously and as the student, expecting 401/403, and teacher endpoints as the teacher.",
		PreRunE: c.load,
		RunE:    c.runProbe,
	}
	probeCmd.Flags().BoolVar(&c.flags.Stub, "stub", false, "Probe an in-process stub backend instead of a deployment")
	rootCmd.AddCommand(probeCmd)

	reportCmd := &cobra.Command{
		Use:     "report",
		Short:   "Render the report of a run scope",
		PreRunE: c.load,
		RunE:    c.runReport,
	}
	reportCmd.Flags().StringVarP(&c.flags.Scope, "scope", "s", "", "Run scope token")
	reportCmd.Flags().BoolVar(&c.flags.Upload, "upload", false, "Upload the report to CRITICO_ARTIFACTS_BUCKET")
	_ = reportCmd.MarkFlagRequired("scope")
	rootCmd.AddCommand(reportCmd)

	stubCmd := &cobra.Command{
		Use:     "stub",
		Short:   "Serve the stub CRÍTICO backend",
		PreRunE: c.load,
		RunE:    c.runStub,
	}
	stubCmd.Flags().StringVar(&c.flags.Addr, "addr", "127.0.0.1:8088", "Listen address")
	rootCmd.AddCommand(stubCmd)
}

func (c *Commands) runCleanup(cmd *cobra.Command, _ []string) error {
	if c.flags.Scope == "" && !c.flags.All {
		return errors.New("pass --scope TOKEN or --all")
	}
	if err := c.requireTarget(); err != nil {
		return err
	}
	ctx := cmd.Context()
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	scopes := []string{c.flags.Scope}
	if c.flags.All {
		if scopes, err = l.Scopes(ctx); err != nil {
			return err
		}
	}
	total := 0
	for _, s := range scopes {
		pending, err := l.Pending(ctx, s)
		if err != nil {
			return err
		}
		total += len(pending)
	}

	out := cmd.OutOrStdout()
	if len(scopes) == 0 {
		fmt.Fprintln(out, color.GreenString("Nothing to clean up."))
		return nil
	}

	var (
		bar             *progressBar
		deleted, failed int
	)
	if total > 0 {
		bar = newProgressBar(cmd.ErrOrStderr(), total)
	}
	client := c.client()
	coord := cleanup.New(client, session.NewManager(c.cfg, client), cleanup.WithProgress(func(e cleanup.Event) {
		if e.Total == 0 || bar == nil {
			return // sweep results are not counted in the bar
		}
		if e.Outcome == cleanup.Failed {
			failed++
		} else {
			deleted++
		}
		bar.update(deleted, failed)
	}))

	var (
		sums    []cleanup.Summary
		errList []error
	)
	for _, s := range scopes {
		sum, err := coord.Cleanup(ctx, fixtures.ScopeFor(s, l))
		if err != nil {
			errList = append(errList, fmt.Errorf("scope %s: %w", s, err))
		}
		sums = append(sums, sum)
	}
	if bar != nil {
		bar.finish()
	}
	for _, sum := range sums {
		printSummary(out, sum)
	}
	return errors.Join(errList...)
}

func (c *Commands) runSelectorsLint(cmd *cobra.Command, _ []string) error {
	reg := selectors.Default()
	out := cmd.OutOrStdout()
	issues := reg.Lint()
	if len(issues) == 0 {
		fmt.Fprintf(out, "%s registry %s: no issues\n", color.GreenString("✓"), reg.Version())
		return nil
	}
	for _, i := range issues {
		fmt.Fprintf(out, "%s %s\n", color.RedString("✗"), i)
	}
	return fmt.Errorf("%d selector issue(s)", len(issues))
}

func (c *Commands) runSelectorsList(cmd *cobra.Command, _ []string) error {
	reg := selectors.Default()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "registry %s\n", reg.Version())
	for _, module := range reg.Modules() {
		fmt.Fprintln(out, color.CyanString(module))
		for _, element := range reg.Elements(module) {
			strategies, err := reg.Resolve(module, element)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %s\n", element)
			for i, s := range strategies {
				fmt.Fprintf(out, "    %d. %s\n", i+1, s)
			}
		}
	}
	return nil
}

func (c *Commands) runProbe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := c.cfg
	if c.flags.Stub {
		url, stop, err := startStub(ctx, "127.0.0.1:0", cfg)
		if err != nil {
			return err
		}
		defer stop()
		cfg = cfg.WithBaseURL(url)
	} else if err := c.requireTarget(); err != nil {
		return err
	}

	client := apiclient.New(cfg.APIURL)
	checks := probe.Run(ctx, client, session.NewManager(cfg, client), probe.Default())
	out := cmd.OutOrStdout()
	for _, ch := range checks {
		mark := color.GreenString("✓")
		if !ch.OK() {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(out, "%s %s\n", mark, ch)
	}
	if failed := probe.Failed(checks); len(failed) > 0 {
		return fmt.Errorf("%d of %d permission probe(s) failed", len(failed), len(checks))
	}
	return nil
}

func (c *Commands) runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	l, err := c.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	r, err := report.Build(ctx, l, c.flags.Scope)
	if err != nil {
		return err
	}
	mdPath, htmlPath, err := r.WriteFiles(c.cfg.ResultsDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %s\nwrote %s\n", mdPath, htmlPath)

	if !c.flags.Upload {
		return nil
	}
	if c.cfg.ArtifactsBucket == "" {
		return errors.New("--upload needs CRITICO_ARTIFACTS_BUCKET")
	}
	store, err := artifacts.New(ctx, artifacts.ConfigFrom(c.cfg))
	if err != nil {
		return err
	}
	for ext, path := range map[string]string{"md": mdPath, "html": htmlPath} {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		ctype := "text/markdown; charset=utf-8"
		if ext == "html" {
			ctype = "text/html; charset=utf-8"
		}
		loc, err := store.Save(ctx, artifacts.ReportKey(c.flags.Scope, ext), data, ctype)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "uploaded %s\n", loc)
	}
	return nil
}

func (c *Commands) runStub(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	url, stop, err := startStub(ctx, c.flags.Addr, c.cfg)
	if err != nil {
		return err
	}
	defer stop()
	fmt.Fprintf(cmd.OutOrStdout(), "stub backend listening on %s (teacher %s, student %s)\n", url, c.cfg.Teacher.Email, c.cfg.Student.Email)
	<-ctx.Done()
	return nil
}

// startStub serves a stub backend on addr and returns its base URL.
func startStub(ctx context.Context, addr string, cfg *config.Config) (string, func(), error) {
	app, err := stubapp.New(stubapp.Options{Teacher: cfg.Teacher, Student: cfg.Student, TokenTTL: cfg.SessionTTL})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Pkg("cli").Error("stub_serve_failed", "error", err)
		}
	}()
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}

type progressBar struct {
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer, total int) *progressBar {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(describe(0, 0)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        color.CyanString("█"),
			SaucerHead:    color.CyanString("█"),
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(w),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
	)
	return &progressBar{bar: bar}
}

func describe(deleted, failed int) string {
	return color.CyanString("Cleaning up: ") +
		color.GreenString("[deleted: %d", deleted) + " | " + color.RedString("failed: %d]", failed)
}

func (p *progressBar) update(deleted, failed int) {
	_ = p.bar.Set(deleted + failed)
	p.bar.Describe(describe(deleted, failed))
}

func (p *progressBar) finish() {
	_ = p.bar.Finish()
}

func printSummary(w io.Writer, sum cleanup.Summary) {
	line := sum.String()
	if len(sum.Failures) > 0 {
		fmt.Fprintln(w, color.RedString(line))
		for _, f := range sum.Failures {
			fmt.Fprintf(w, "  %s %s %s: %v\n", color.RedString("✗"), f.Kind, f.ID, f.Err)
		}
		return
	}
	fmt.Fprintln(w, color.GreenString(line))
}
