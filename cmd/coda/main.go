package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/approval"
	"github.com/xonecas/coda/internal/autodrive"
	"github.com/xonecas/coda/internal/client"
	"github.com/xonecas/coda/internal/config"
	"github.com/xonecas/coda/internal/mcp"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
	"github.com/xonecas/coda/internal/rollout"
	"github.com/xonecas/coda/internal/store"
	"github.com/xonecas/coda/internal/tools"
	"github.com/xonecas/coda/internal/tui"
	"github.com/xonecas/coda/internal/turn"
)

// Exit codes: 0 success, 1 usage error, 2 config/sandbox error, 130 interrupted.
const (
	exitUsage       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagModel := flag.String("model", "", "model slug to use")
	flagProfile := flag.String("profile", "", "config profile")
	flagSandbox := flag.String("sandbox", "", "read-only|workspace-write|danger-full-access")
	flagApproval := flag.String("ask-for-approval", "", "unless-trusted|on-failure|on-request|never")
	flagCwd := flag.String("cwd", "", "working directory for the session")
	flagJSON := flag.Bool("json", false, "emit events as JSON lines (non-interactive)")
	flagResume := flag.String("resume", "", "resume a session by ID")
	flagContinue := flag.Bool("continue", false, "continue the most recent session")
	flagList := flag.Bool("list", false, "list sessions")
	flagDrive := flag.String("drive", "", "run the auto-drive loop toward the given goal")
	var flagOverrides stringList
	flag.Var(&flagOverrides, "c", "config override KEY=VALUE (repeatable)")
	var flagImages stringList
	flag.Var(&flagImages, "image", "attach an image to the prompt (repeatable)")
	flag.Parse()

	cfg := loadConfig(*flagProfile, flagOverrides)
	if *flagModel != "" {
		cfg.Model = *flagModel
	}
	if *flagSandbox != "" {
		cfg.Sandbox.Mode = *flagSandbox
	}
	if *flagApproval != "" {
		cfg.ApprovalPolicy = *flagApproval
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	cwd := *flagCwd
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
			os.Exit(exitConfig)
		}
	}

	index := openIndex()
	defer index.Close()

	if *flagList {
		listSessions(index)
		return
	}

	recorder, resumed, sessionID := resolveSession(index, *flagResume, *flagContinue)
	defer recorder.Shutdown()

	env := buildEnvContext(cfg, cwd)
	cl := client.New(cfg, sessionID)

	dataDir, _ := config.EnsureDataDir()
	approvals := approval.NewEngine(filepath.Join(dataDir, "approvals.toml"))

	toolEvents := make(chan tools.Event, 256)
	var upstream mcp.UpstreamClient
	if endpoint := os.Getenv("CODA_MCP_ENDPOINT"); endpoint != "" {
		upstream = mcp.NewClient(endpoint)
	}
	proxy := mcp.NewProxy(upstream)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: MCP init failed: %v\n", err)
	}

	supervisor := tools.NewSupervisor(
		tools.PolicyFromConfig(cfg.Sandbox), cwd, toolEvents, proxy, tools.NewWebSearcher(""))

	engineEvents := make(chan turn.Event, 256)
	engine := turn.NewEngine(cl, supervisor, approvals, recorder, cfg, env, "", toolSchemas(), engineEvents)
	if resumed != nil {
		engine.SeedInput(resumed.Items)
	}

	// Relay supervisor lifecycle events into the engine event stream so the
	// UI task stays the single consumer.
	go func() {
		for evt := range toolEvents {
			evt := evt
			engineEvents <- turn.Event{Kind: turn.EventToolEvent, Tool: &evt}
		}
	}()

	if *flagDrive != "" {
		code := runAutoDrive(cfg, cl, engine, engineEvents, env, *flagDrive)
		recorder.Shutdown()
		os.Exit(code)
	}

	promptArg := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if promptArg != "" || *flagJSON {
		if promptArg != "" && promptArg != "-" {
			index.SetPreview(sessionID, promptArg)
		}
		code := runHeadless(engine, engineEvents, promptArg, *flagJSON)
		recorder.Shutdown()
		os.Exit(code)
	}

	model := tui.New(engine, engineEvents, make(chan tui.ApprovalRequestMsg, 1))
	model.OnFirstPrompt = func(text string) { index.SetPreview(sessionID, text) }
	if resumed != nil {
		model.SeedTranscript(resumed.Items)
	}
	engine.RequestApproval = tui.ApprovalCallback(model.ApprovalChannel())

	if _, err := tea.NewProgram(model).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running coda: %v\n", err)
		os.Exit(exitUsage)
	}
}

func loadConfig(profile string, overrides stringList) *config.Config {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		candidate := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitConfig)
	}
	cfg.Profile = profile
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: -c expects KEY=VALUE, got %q\n", kv)
			os.Exit(exitUsage)
		}
		applyOverride(cfg, key, value)
	}
	return cfg
}

func applyOverride(cfg *config.Config, key, value string) {
	switch key {
	case "model":
		cfg.Model = value
	case "provider.endpoint":
		cfg.Provider.Endpoint = value
	case "approval_policy":
		cfg.ApprovalPolicy = value
	case "sandbox.mode":
		cfg.Sandbox.Mode = value
	case "client.originator":
		cfg.Client.Originator = value
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
		os.Exit(exitUsage)
	}
}

func openIndex() *store.Index {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: data dir failed: %v\n", err)
		return nil
	}
	index, err := store.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: session index failed: %v\n", err)
		return nil
	}
	return index
}

func resolveSession(index *store.Index, resumeID string, cont bool) (*rollout.Recorder, *rollout.SavedSession, string) {
	sessionsDir, err := config.SessionsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sessions dir: %v\n", err)
		os.Exit(exitConfig)
	}

	switch {
	case resumeID != "":
		path, ok := index.Lookup(resumeID)
		if !ok {
			fmt.Fprintf(os.Stderr, "Session %q not found\n", resumeID)
			os.Exit(exitUsage)
		}
		recorder, saved, err := rollout.Resume(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session: %v\n", err)
			os.Exit(exitConfig)
		}
		return recorder, saved, resumeID

	case cont:
		latest, ok := index.Latest()
		if !ok {
			fmt.Fprintln(os.Stderr, "No sessions to continue")
			os.Exit(exitUsage)
		}
		recorder, saved, err := rollout.Resume(latest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session: %v\n", err)
			os.Exit(exitConfig)
		}
		return recorder, saved, latest.ID

	default:
		id := uuid.New()
		recorder, err := rollout.New(sessionsDir, id, "", detectGit())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating rollout: %v\n", err)
			os.Exit(exitConfig)
		}
		if err := index.Create(id.String(), recorder.Path); err != nil {
			log.Warn().Err(err).Msg("failed to index session")
		}
		return recorder, nil, id.String()
	}
}

func detectGit() *rollout.GitInfo {
	branch, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return nil
	}
	info := &rollout.GitInfo{Branch: strings.TrimSpace(string(branch))}
	if commit, err := exec.Command("git", "rev-parse", "HEAD").Output(); err == nil {
		info.Commit = strings.TrimSpace(string(commit))
	}
	if err := exec.Command("git", "diff", "--quiet", "HEAD").Run(); err != nil {
		info.Dirty = true
	}
	return info
}

func buildEnvContext(cfg *config.Config, cwd string) *prompt.EnvironmentContext {
	network := "restricted"
	if cfg.Sandbox.NetworkAccess || cfg.Sandbox.Mode == config.SandboxDangerFullAccess {
		network = "enabled"
	}
	env := &prompt.EnvironmentContext{
		Cwd:            cwd,
		ApprovalPolicy: cfg.ApprovalPolicy,
		SandboxMode:    cfg.Sandbox.Mode,
		NetworkAccess:  network,
		WritableRoots:  cfg.Sandbox.WritableRoots,
		CommonTools:    prompt.DetectCommonTools(),
		Shell:          shellName(),
	}
	env.DetectOS()
	return env
}

func shellName() string {
	sh := os.Getenv("SHELL")
	if sh == "" {
		return "bash"
	}
	return filepath.Base(sh)
}

func toolSchemas() []protocol.ToolSchema {
	return []protocol.ToolSchema{
		protocol.FunctionTool("shell", "Run a shell command in the workspace.", json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "array", "items": {"type": "string"}},
				"timeout_ms": {"type": "integer"}
			},
			"required": ["command"]
		}`)),
		protocol.FunctionTool("apply_patch", "Apply a structured patch to files in the workspace.", json.RawMessage(`{
			"type": "object",
			"properties": {
				"input": {"type": "string", "description": "The patch envelope."}
			},
			"required": ["input"]
		}`)),
		protocol.FunctionTool("web_search", "Search the web.", json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"}
			},
			"required": ["query"]
		}`)),
	}
}

// runHeadless executes a single prompt without the TUI, printing text or JSON
// events to stdout.
func runHeadless(engine *turn.Engine, events chan turn.Event, promptText string, asJSON bool) int {
	if promptText == "-" || promptText == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			return exitUsage
		}
		promptText = strings.TrimSpace(string(data))
	}
	if promptText == "" {
		fmt.Fprintln(os.Stderr, "Error: empty prompt")
		return exitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	// Headless approval: covered rules pass, everything else is denied.
	engine.RequestApproval = nil

	done := make(chan struct{})
	go func() {
		engine.RunTurn(ctx, promptText)
		close(done)
	}()

	enc := json.NewEncoder(os.Stdout)
	interrupted := false
	for {
		select {
		case evt := <-events:
			if asJSON {
				enc.Encode(headlessEvent(evt))
			} else if evt.Kind == turn.EventAnswerDelta {
				fmt.Print(evt.Delta)
			}
			if evt.Kind == turn.EventInterrupted {
				interrupted = true
			}
			if evt.Kind == turn.EventTurnError {
				fmt.Fprintf(os.Stderr, "\nError: %v\n", evt.Err)
			}
		case <-done:
			if !asJSON {
				fmt.Println()
			}
			if interrupted || ctx.Err() != nil {
				return exitInterrupted
			}
			return 0
		}
	}
}

type headlessEventJSON struct {
	Kind  string          `json:"kind"`
	Delta string          `json:"delta,omitempty"`
	Item  json.RawMessage `json:"item,omitempty"`
	Error string          `json:"error,omitempty"`
}

func headlessEvent(evt turn.Event) headlessEventJSON {
	out := headlessEventJSON{Delta: evt.Delta}
	switch evt.Kind {
	case turn.EventTurnStarted:
		out.Kind = "turn_started"
	case turn.EventAnswerDelta:
		out.Kind = "answer_delta"
	case turn.EventReasoningDelta:
		out.Kind = "reasoning_delta"
	case turn.EventItemDone:
		out.Kind = "item_done"
		if evt.Item != nil {
			if b, err := json.Marshal(evt.Item); err == nil {
				out.Item = b
			}
		}
	case turn.EventToolEvent:
		out.Kind = "tool_event"
	case turn.EventRateLimits:
		out.Kind = "rate_limits"
	case turn.EventTurnCompleted:
		out.Kind = "turn_completed"
	case turn.EventTurnError:
		out.Kind = "turn_error"
		if evt.Err != nil {
			out.Error = evt.Err.Error()
		}
	case turn.EventInterrupted:
		out.Kind = "interrupted"
	default:
		out.Kind = "event"
	}
	return out
}

// runAutoDrive supervises the turn engine with the coordinator/observer loop
// until the goal is reached or the loop gives up.
func runAutoDrive(cfg *config.Config, cl *client.Client, engine *turn.Engine, events chan turn.Event, env *prompt.EnvironmentContext, goal string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	// Each CLI cycle is one engine turn; the final answer text is what the
	// coordinator sees as output.
	runner := func(ctx context.Context, promptText string) (string, error) {
		done := make(chan struct{})
		go func() {
			engine.RunTurn(ctx, promptText)
			close(done)
		}()
		var answer strings.Builder
		for {
			select {
			case evt := <-events:
				switch evt.Kind {
				case turn.EventAnswerDelta:
					answer.WriteString(evt.Delta)
				case turn.EventTurnError:
					return answer.String(), evt.Err
				}
			case <-done:
				return answer.String(), nil
			}
		}
	}

	observer := autodrive.NewObserver(cl, cfg.Model)
	updates := make(chan autodrive.Update, 16)
	go func() {
		for u := range updates {
			status := "continue"
			switch u.Status {
			case autodrive.CoordinatorSuccess:
				status = "success"
			case autodrive.CoordinatorFailed:
				status = "failed"
			}
			observed := ""
			if u.ObserverStatus == autodrive.ObserverFailing {
				observed = " [observer: failing]"
			}
			fmt.Printf("turn %d: %s%s  %s\n", u.Turn, status, observed, u.Summary)
			if u.LastIntervention != "" {
				fmt.Printf("  intervention: %s\n", u.LastIntervention)
			}
		}
	}()

	loop := autodrive.NewLoop(cl, observer, runner, goal, env.SerializeToXML(),
		cfg.AutoDrive.ObserverCadenceOrDefault(),
		autodrive.ParseCountdown(cfg.AutoDrive.Countdown), updates)
	err := loop.Run(ctx)
	close(updates)
	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Auto drive failed: %v\n", err)
		return exitUsage
	}
	return 0
}

func listSessions(index *store.Index) {
	sessions, err := index.List()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %s\n", s.ID, s.Timestamp.Format("2006-01-02 15:04"), s.Preview)
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "coda.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
