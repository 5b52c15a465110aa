package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"progression/internal/engine"
	"progression/internal/events"
	"progression/internal/generator"
	"progression/internal/ledger"
	"progression/internal/planstore"
	"progression/internal/workspace"
)

const appName = "progression"

func main() {
	flag.String("workspace", "", "Path to workspace root")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s: plan execution and progression engine\n\n", appName)
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [command] [flags]\n\n", appName)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  init        Initialize a new workspace")
		fmt.Fprintln(os.Stderr, "  plan        Inspect and validate plans")
		fmt.Fprintln(os.Stderr, "  execution   Manage plan executions")
		fmt.Fprintln(os.Stderr, "  action      Work with execution actions")
		fmt.Fprintln(os.Stderr, "  corrective  Work with corrective actions")
		fmt.Fprintln(os.Stderr, "  xp          Inspect XP, levels and achievements")
		fmt.Fprintln(os.Stderr, "  events      Inspect the event log")
		fmt.Fprintln(os.Stderr, "  help        Show this help")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}

	workspacePath, remaining, err := extractWorkspaceFlag(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	args := remaining
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		flag.Usage()
		return
	}

	switch args[0] {
	case "init":
		err = runInit(args[1:], workspacePath)
	case "plan":
		err = runPlan(args[1:], workspacePath)
	case "execution":
		err = runExecution(args[1:], workspacePath)
	case "action":
		err = runAction(args[1:], workspacePath)
	case "corrective":
		err = runCorrective(args[1:], workspacePath)
	case "xp":
		err = runXP(args[1:], workspacePath)
	case "events":
		err = runEvents(args[1:], workspacePath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func extractWorkspaceFlag(args []string) (string, []string, error) {
	var workspacePath string
	remaining := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--workspace" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--workspace requires a value")
			}
			workspacePath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--workspace=") {
			workspacePath = strings.TrimPrefix(arg, "--workspace=")
			continue
		}
		remaining = append(remaining, arg)
	}
	return workspacePath, remaining, nil
}

func resolveWorkspace(root string) (*workspace.Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("--workspace is required")
	}
	return workspace.Resolve(root)
}

// openEngine wires the orchestrator against the workspace databases. The
// returned close function releases both stores.
func openEngine(ws *workspace.Workspace, generatorName, generatorBin string, notify bool) (*engine.Orchestrator, func(), error) {
	gen, err := selectGenerator(generatorName, generatorBin)
	if err != nil {
		return nil, nil, err
	}

	store, err := engine.OpenStore(ws.StateDBPath)
	if err != nil {
		return nil, nil, err
	}
	lg, err := ledger.Open(ws.LedgerDBPath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	log := events.NewLog(ws.EventsDBPath)
	if notify {
		log.Notifier = &events.Notifier{Enabled: true}
	}

	o := engine.New(store, gen, lg, log, engine.DefaultPolicy())
	closeAll := func() {
		_ = lg.Close()
		_ = store.Close()
	}
	return o, closeAll, nil
}

func selectGenerator(name, binary string) (generator.Generator, error) {
	switch name {
	case "", "command":
		if binary == "" {
			if name == "command" {
				return nil, fmt.Errorf("--generator-bin is required with the command generator")
			}
			return &generator.Mock{}, nil
		}
		return &generator.Command{Binary: binary}, nil
	case "mock":
		return &generator.Mock{}, nil
	default:
		return nil, fmt.Errorf("unknown generator: %s", name)
	}
}

func loadPlan(ws *workspace.Workspace, planID string) (*planstore.Plan, error) {
	plans, err := planstore.LoadFromDir(ws.PlansDir)
	if err != nil {
		return nil, err
	}
	plan, ok := plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s not found in %s", planID, ws.PlansDir)
	}
	return plan, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runInit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(workspacePath) == "" {
		return fmt.Errorf("--workspace is required")
	}

	root, err := workspace.ResolveRoot(workspacePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	ws := workspace.New(root)
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	if err := writeFileIfMissing(filepath.Join(ws.PlansDir, "sample.yml"), samplePlanTemplate); err != nil {
		return err
	}

	lg, err := ledger.Open(ws.LedgerDBPath)
	if err != nil {
		return err
	}
	defer lg.Close()
	for _, a := range defaultAchievements {
		if err := lg.SeedAchievement(a); err != nil {
			return err
		}
	}

	fmt.Printf("Initialized workspace at %s\n", ws.Root)
	return nil
}

func runPlan(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s plan: missing subcommand (list, show, validate)", appName)
	}
	switch args[0] {
	case "list":
		return runPlanList(args[1:], workspacePath)
	case "show":
		return runPlanShow(args[1:], workspacePath)
	case "validate":
		return runPlanValidate(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s plan: unknown subcommand %q", appName, args[0])
	}
}

func runPlanList(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("plan list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	plans, err := planstore.LoadFromDir(ws.PlansDir)
	if err != nil {
		return err
	}
	type planSummary struct {
		ID         string               `json:"id"`
		Title      string               `json:"title"`
		Status     planstore.PlanStatus `json:"status"`
		Indicators int                  `json:"indicators"`
	}
	out := make([]planSummary, 0, len(plans))
	for _, p := range plans {
		out = append(out, planSummary{ID: p.ID, Title: p.Title, Status: p.Status, Indicators: len(p.Indicators)})
	}
	return printJSON(out)
}

func runPlanShow(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("plan show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	planID := fs.String("id", "", "Plan id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planID == "" {
		return fmt.Errorf("--id is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	plan, err := loadPlan(ws, *planID)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func runPlanValidate(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("plan validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("file", "", "Plan YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	path := *file
	if ws, err := resolveWorkspace(workspacePath); err == nil {
		if resolved, err := ws.ResolvePath(*file); err == nil {
			path = resolved
		}
	}
	plan, err := planstore.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("Plan %s is valid (%d indicators, status %s)\n", plan.ID, len(plan.Indicators), plan.Status)
	return nil
}

func runExecution(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s execution: missing subcommand (create, list, show, pause, resume, abandon)", appName)
	}
	switch args[0] {
	case "create":
		return runExecutionCreate(args[1:], workspacePath)
	case "list":
		return runExecutionList(args[1:], workspacePath)
	case "show":
		return runExecutionShow(args[1:], workspacePath)
	case "pause", "resume", "abandon":
		return runExecutionLifecycle(args[0], args[1:], workspacePath)
	default:
		return fmt.Errorf("%s execution: unknown subcommand %q", appName, args[0])
	}
}

func runExecutionCreate(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("execution create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	planID := fs.String("plan", "", "Plan id")
	generatorName := fs.String("generator", "", "Generator (mock or command)")
	generatorBin := fs.String("generator-bin", "", "Generator binary for the command generator")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planID == "" {
		return fmt.Errorf("--plan is required")
	}

	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	if err := ws.EnsureDirs(); err != nil {
		return err
	}
	plan, err := loadPlan(ws, *planID)
	if err != nil {
		return err
	}

	o, closeEngine, err := openEngine(ws, *generatorName, *generatorBin, true)
	if err != nil {
		return err
	}
	defer closeEngine()

	exec, err := o.CreateExecution(context.Background(), plan, *actor)
	if err != nil {
		return err
	}
	return printJSON(exec)
}

func runExecutionList(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("execution list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	org := fs.String("org", "", "Filter by organization id")
	limit := fs.Int("limit", 20, "Maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	execs, err := o.ListExecutions(*org, *limit)
	if err != nil {
		return err
	}
	return printJSON(execs)
}

func runExecutionShow(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("execution show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "Execution id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	exec, err := o.GetExecution(*id)
	if err != nil {
		return err
	}
	levels, err := o.Levels(*id)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"execution": exec,
		"levels":    levels,
	})
}

func runExecutionLifecycle(op string, args []string, workspacePath string) error {
	fs := flag.NewFlagSet("execution "+op, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "Execution id")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	switch op {
	case "pause":
		err = o.Pause(*id, *actor)
	case "resume":
		err = o.Resume(*id, *actor)
	case "abandon":
		err = o.Abandon(*id, *actor)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Execution %s: %s\n", *id, op)
	return nil
}

func runAction(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s action: missing subcommand (current, start, submit, escalate)", appName)
	}
	switch args[0] {
	case "current":
		return runActionCurrent(args[1:], workspacePath)
	case "start":
		return runActionStart(args[1:], workspacePath)
	case "submit":
		return runActionSubmit(args[1:], workspacePath)
	case "escalate":
		return runActionEscalate(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s action: unknown subcommand %q", appName, args[0])
	}
}

func runActionCurrent(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("action current", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" {
		return fmt.Errorf("--execution is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	view, err := o.CurrentAction(*executionID)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runActionStart(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("action start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Action id")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := o.StartAction(*executionID, *id, *actor); err != nil {
		return err
	}
	fmt.Printf("Action %s started\n", *id)
	return nil
}

// submissionFlags registers the shared result-submission flags and returns a
// builder that validates them after parsing.
func submissionFlags(fs *flag.FlagSet) func() (engine.ResultSubmission, error) {
	indicator := fs.String("indicator", "", "Indicator id")
	baseline := fs.Float64("baseline", 0, "Baseline value")
	current := fs.Float64("current", 0, "Measured current value")
	target := fs.Float64("target", 0, "Target value")
	method := fs.String("method", "", "Measurement method")
	sampleSize := fs.Int("sample-size", 0, "Measurement sample size")
	source := fs.String("source", "", "Measurement data source")
	by := fs.String("by", "", "Submitting user")

	return func() (engine.ResultSubmission, error) {
		if *indicator == "" {
			return engine.ResultSubmission{}, fmt.Errorf("--indicator is required")
		}
		if *by == "" {
			return engine.ResultSubmission{}, fmt.Errorf("--by is required")
		}
		return engine.ResultSubmission{
			IndicatorID: *indicator,
			Baseline:    *baseline,
			Current:     *current,
			Target:      *target,
			Measurement: engine.Measurement{
				Method:      *method,
				SampleSize:  *sampleSize,
				Source:      *source,
				CollectedAt: time.Now().UTC(),
			},
			SubmittedBy: *by,
		}, nil
	}
}

func runActionSubmit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("action submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Action id")
	generatorName := fs.String("generator", "", "Generator (mock or command)")
	generatorBin := fs.String("generator-bin", "", "Generator binary for the command generator")
	buildSubmission := submissionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	sub, err := buildSubmission()
	if err != nil {
		return err
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, *generatorName, *generatorBin, true)
	if err != nil {
		return err
	}
	defer closeEngine()

	outcome, err := o.SubmitResult(context.Background(), *executionID, *id, sub)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func runActionEscalate(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("action escalate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Action id")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", true)
	if err != nil {
		return err
	}
	defer closeEngine()

	outcome, err := o.EscalateAction(*executionID, *id, *actor)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func runCorrective(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s corrective: missing subcommand (list, accept, customize, submit)", appName)
	}
	switch args[0] {
	case "list":
		return runCorrectiveList(args[1:], workspacePath)
	case "accept":
		return runCorrectiveAccept(args[1:], workspacePath)
	case "customize":
		return runCorrectiveCustomize(args[1:], workspacePath)
	case "submit":
		return runCorrectiveSubmit(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s corrective: unknown subcommand %q", appName, args[0])
	}
}

func runCorrectiveList(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("corrective list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	actionID := fs.String("action", "", "Parent action id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *actionID == "" {
		return fmt.Errorf("--action is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	correctives, err := o.Correctives(*actionID)
	if err != nil {
		return err
	}
	return printJSON(correctives)
}

func runCorrectiveAccept(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("corrective accept", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Corrective id")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := o.AcceptCorrective(*executionID, *id, *actor); err != nil {
		return err
	}
	fmt.Printf("Corrective %s accepted\n", *id)
	return nil
}

func runCorrectiveCustomize(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("corrective customize", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Corrective id")
	description := fs.String("description", "", "Replacement description")
	steps := fs.String("steps", "", "Replacement steps, separated by ';'")
	actor := fs.String("by", "cli", "Acting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	if *description == "" && *steps == "" {
		return fmt.Errorf("nothing to customize: provide --description or --steps")
	}

	var req engine.CustomizeRequest
	if *description != "" {
		req.Description = description
	}
	if *steps != "" {
		for _, s := range strings.Split(*steps, ";") {
			if s = strings.TrimSpace(s); s != "" {
				req.Steps = append(req.Steps, s)
			}
		}
	}

	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, "mock", "", false)
	if err != nil {
		return err
	}
	defer closeEngine()

	corrective, err := o.CustomizeCorrective(*executionID, *id, *actor, req)
	if err != nil {
		return err
	}
	return printJSON(corrective)
}

func runCorrectiveSubmit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("corrective submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	executionID := fs.String("execution", "", "Execution id")
	id := fs.String("id", "", "Corrective id")
	generatorName := fs.String("generator", "", "Generator (mock or command)")
	generatorBin := fs.String("generator-bin", "", "Generator binary for the command generator")
	buildSubmission := submissionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *id == "" {
		return fmt.Errorf("--execution and --id are required")
	}
	sub, err := buildSubmission()
	if err != nil {
		return err
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	o, closeEngine, err := openEngine(ws, *generatorName, *generatorBin, true)
	if err != nil {
		return err
	}
	defer closeEngine()

	outcome, err := o.SubmitCorrectiveResult(context.Background(), *executionID, *id, sub)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func runXP(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s xp: missing subcommand (status, history, claim)", appName)
	}
	switch args[0] {
	case "status":
		return runXPStatus(args[1:], workspacePath)
	case "history":
		return runXPHistory(args[1:], workspacePath)
	case "claim":
		return runXPClaim(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s xp: unknown subcommand %q", appName, args[0])
	}
}

func runXPStatus(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("xp status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	user := fs.String("user", "", "User id")
	executionID := fs.String("execution", "", "Execution id for achievement progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	lg, err := ledger.Open(ws.LedgerDBPath)
	if err != nil {
		return err
	}
	defer lg.Close()

	total, err := lg.Total(*user)
	if err != nil {
		return err
	}
	level, toNext := ledger.UserLevel(total)
	out := map[string]any{
		"user_id":      *user,
		"total_xp":     total,
		"level":        level,
		"xp_to_next":   toNext,
		"achievements": []ledger.AchievementProgress{},
	}

	if *executionID != "" {
		o, closeEngine, err := openEngine(ws, "mock", "", false)
		if err != nil {
			return err
		}
		defer closeEngine()
		exec, err := o.GetExecution(*executionID)
		if err != nil {
			return err
		}
		levels, err := o.Levels(*executionID)
		if err != nil {
			return err
		}
		var completedLevels int
		for _, l := range levels {
			if l.Status == engine.LevelCompleted {
				completedLevels++
			}
		}
		progress, err := lg.Progress(*user, exec.Stats.Counters(completedLevels))
		if err != nil {
			return err
		}
		out["achievements"] = progress
	}
	return printJSON(out)
}

func runXPHistory(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("xp history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	user := fs.String("user", "", "User id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	lg, err := ledger.Open(ws.LedgerDBPath)
	if err != nil {
		return err
	}
	defer lg.Close()

	history, err := lg.History(*user)
	if err != nil {
		return err
	}
	return printJSON(history)
}

func runXPClaim(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("xp claim", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	user := fs.String("user", "", "User id")
	achievementID := fs.String("achievement", "", "Achievement id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *achievementID == "" {
		return fmt.Errorf("--user and --achievement are required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	lg, err := ledger.Open(ws.LedgerDBPath)
	if err != nil {
		return err
	}
	defer lg.Close()

	xp, err := lg.Claim(*user, *achievementID)
	if err != nil {
		return err
	}

	log := events.NewLog(ws.EventsDBPath)
	log.Notifier = &events.Notifier{Enabled: true}
	_ = log.Emit(*user, events.TypeAchievementClaimed, map[string]any{
		"user_id": *user,
		"name":    *achievementID,
		"xp":      xp,
	})

	fmt.Printf("Achievement %s claimed: +%d XP\n", *achievementID, xp)
	return nil
}

func runEvents(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "list" {
		rest := args
		if len(rest) > 0 {
			rest = rest[1:]
		}
		fs := flag.NewFlagSet("events list", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		limit := fs.Int("limit", 50, "Maximum events")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		ws, err := resolveWorkspace(workspacePath)
		if err != nil {
			return err
		}
		records, err := events.Recent(ws.EventsDBPath, *limit)
		if err != nil {
			return err
		}
		return printJSON(records)
	}
	return fmt.Errorf("%s events: unknown subcommand %q", appName, args[0])
}

func writeFileIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

var defaultAchievements = []ledger.Achievement{
	{ID: "first-action", Name: "First Action Completed", CriteriaKey: "actions_completed", CriteriaValue: 1, XPReward: 100},
	{ID: "ten-actions", Name: "Ten Actions Completed", CriteriaKey: "actions_completed", CriteriaValue: 10, XPReward: 500},
	{ID: "first-level", Name: "First Level Cleared", CriteriaKey: "levels_completed", CriteriaValue: 1, XPReward: 250},
	{ID: "xp-5000", Name: "5000 XP Earned", CriteriaKey: "total_xp", CriteriaValue: 5000, XPReward: 1000},
}

const samplePlanTemplate = `# Sample program plan. Set status to "locked" before creating an execution.
id: SAMPLE-PLAN-001
title: Sample Community Program
organization_id: org-sample
status: draft
narrative: Replace with the program narrative.
indicators:
  - id: sample.outcome
    name: Primary outcome indicator
    type: outcome
    baseline: 0
    target: 100
    unit: percent
`
