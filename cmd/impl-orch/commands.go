package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
	"github.com/hochfrequenz/recommendation-implementer/internal/validation"
)

var (
	runRepo        string
	runProject     string
	runFile        string
	runRequest     domain.Request
	runTechStack   []string
	batchRepo      string
	batchProject   string
	listRepo       string
	listBatch      string
	listLimit      int
	jsonOutput     bool
	servePort      int
	serveNoWatch   bool
	serveNoCronJob bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Implement a single request",
		Long: `Implement a single request. The request is either given with flags or read
from a request file with --file, in which case its first request is used.`,
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository URL")
	runCmd.Flags().StringVar(&runProject, "project", "", "project name (defaults to the repository name)")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "request file (YAML or JSON)")
	runCmd.Flags().StringVar(&runRequest.ID, "id", "", "request id (generated when empty)")
	runCmd.Flags().StringVar(&runRequest.Title, "title", "", "request title")
	runCmd.Flags().StringVar(&runRequest.Description, "description", "", "request description")
	runCmd.Flags().StringVar(&runRequest.Category, "category", "", "request category")
	runCmd.Flags().StringVar(&runRequest.Priority, "priority", "", "request priority")
	runCmd.Flags().StringVar(&runRequest.Difficulty, "difficulty", "", "request difficulty")
	runCmd.Flags().StringSliceVar(&runTechStack, "tech", nil, "tech stack entries")
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	// batch command
	batchCmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Implement every request of a request file, in order",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}
	batchCmd.Flags().StringVar(&batchRepo, "repo", "", "override the file's repository URL")
	batchCmd.Flags().StringVar(&batchProject, "project", "", "override the file's project name")
	addRunFlags(batchCmd)
	rootCmd.AddCommand(batchCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository URL")
	listCmd.Flags().StringVar(&listBatch, "batch", "", "filter by batch id")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of records")
	rootCmd.AddCommand(listCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a record with its log",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending record",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	// detect command
	detectCmd := &cobra.Command{
		Use:   "detect [DIR]",
		Short: "Show the detected project type and validation commands",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDetect,
	}
	rootCmd.AddCommand(detectCmd)

	// parse command
	parseCmd := &cobra.Command{
		Use:   "parse FILE",
		Short: "Extract file changes from saved agent output (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runParse,
	}
	rootCmd.AddCommand(parseCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run scheduled batches and the request inbox",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-inbox", false, "do not watch the request inbox")
	serveCmd.Flags().BoolVar(&serveNoCronJob, "no-schedule", false, "do not run scheduled batches")
	rootCmd.AddCommand(serveCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	target := orchestrator.Target{RepoURL: runRepo, ProjectName: runProject}
	req := runRequest
	req.TechStack = runTechStack

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	opts := a.options(cmd)

	if runFile != "" {
		f, err := domain.LoadRequestFile(runFile)
		if err != nil {
			return err
		}
		if len(f.Requests) == 0 {
			return fmt.Errorf("%s contains no requests", runFile)
		}
		req = f.Requests[0]
		if target.RepoURL == "" {
			target = orchestrator.Target{RepoURL: f.RepoURL, ProjectName: f.ProjectName}
		}
		opts = withFileOverrides(opts, f)
	}
	if target.RepoURL == "" {
		return fmt.Errorf("--repo or --file is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	outcome := a.orch.RunSingle(ctx, target, req, opts)
	if jsonOutput {
		return printJSON(os.Stdout, outcome)
	}
	fmt.Print(outcomeSummary(outcome))
	if !outcome.Success {
		return fmt.Errorf("request %s did not complete", req.ID)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	f, err := domain.LoadRequestFile(args[0])
	if err != nil {
		return err
	}
	target := orchestrator.Target{RepoURL: f.RepoURL, ProjectName: f.ProjectName}
	if batchRepo != "" {
		target.RepoURL = batchRepo
	}
	if batchProject != "" {
		target.ProjectName = batchProject
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	outcome := a.orch.RunBatch(ctx, target, f.Requests, withFileOverrides(a.options(cmd), f))
	if jsonOutput {
		return printJSON(os.Stdout, outcome)
	}
	fmt.Print(batchSummary(outcome))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var records []*domain.Record
	switch {
	case listBatch != "":
		records, err = a.store.FindByBatch(listBatch)
	case listRepo != "":
		records, err = a.store.FindByRepo(listRepo)
	default:
		records, err = a.store.ListRecords(listLimit)
	}
	if err != nil {
		return err
	}
	if listLimit > 0 && len(records) > listLimit {
		records = records[:listLimit]
	}

	if jsonOutput {
		return printJSON(os.Stdout, records)
	}
	if len(records) == 0 {
		fmt.Println(mutedStyle.Render("no records"))
		return nil
	}
	now := time.Now()
	for _, r := range records {
		fmt.Println(recordLine(r, now))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.store.GetRecord(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, r)
	}
	fmt.Print(recordDetail(r, time.Now()))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	pt := validation.DetectProjectType(dir)
	cmds := validation.CommandsFor(dir, pt)

	if jsonOutput {
		return printJSON(os.Stdout, map[string]any{"projectType": pt, "commands": cmds})
	}
	fmt.Printf("%s %s\n", labelStyle.Render("Project type"), pt)
	for _, c := range cmds {
		fmt.Printf("  %-8s %v\n", c.Name, c.Argv)
	}
	return nil
}

func runParse(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	res := parser.Parse(string(data))
	if jsonOutput {
		return printJSON(os.Stdout, res)
	}
	fmt.Print(parseSummary(res))
	return nil
}
