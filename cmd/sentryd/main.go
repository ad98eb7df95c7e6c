package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentwarden/soc-sentry/internal/alert"
	"github.com/agentwarden/soc-sentry/internal/analyst"
	"github.com/agentwarden/soc-sentry/internal/approval"
	"github.com/agentwarden/soc-sentry/internal/audit"
	"github.com/agentwarden/soc-sentry/internal/auth"
	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/builder"
	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/detect"
	"github.com/agentwarden/soc-sentry/internal/detectrules"
	"github.com/agentwarden/soc-sentry/internal/learning"
	"github.com/agentwarden/soc-sentry/internal/mdloader"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/agentwarden/soc-sentry/internal/opsapi"
	"github.com/agentwarden/soc-sentry/internal/policy"
	"github.com/agentwarden/soc-sentry/internal/remediate"
	"github.com/agentwarden/soc-sentry/internal/session"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentryd",
		Short: "AI-agent security operations center",
		Long:  "sentryd — detect, analyze, and remediate misbehaving AI agents.\nDetectorSet -> Analyst -> RemediatorQueue, gated by PolicyEngine and audited end to end.",
	}

	var configFile string
	var port int
	var devMode bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the SOC pipeline and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: sentry.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override ops API port (default: 6777)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate starter config and directory structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	initRuleCmd := &cobra.Command{
		Use:   "rule [rule-id]",
		Short: "Scaffold rules/<id>.md rationale doc",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitRule(args[0])
		},
	}
	initPolicyCmd := &cobra.Command{
		Use:   "policy [policy-name]",
		Short: "Scaffold policies/<name>/policy.yaml + POLICY.md",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitPolicy(args[0])
		},
	}
	initPlaybookCmd := &cobra.Command{
		Use:   "playbook [threat-type]",
		Short: "Scaffold playbooks/<THREAT_TYPE>.md from template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitPlaybook(args[0])
		},
	}
	initCmd.AddCommand(initRuleCmd, initPolicyCmd, initPlaybookCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running instance's queue and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "ops API port (default: 6777)")

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy configuration commands",
	}
	policyValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate policy config and referenced rule/policy/playbook docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(configFile)
		},
	}
	policyValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	policyCmd.AddCommand(policyValidateCmd)

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose config, directories, and server connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(port, configFile)
		},
	}
	doctorCmd.Flags().IntVarP(&port, "port", "p", 0, "ops API port")
	doctorCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit chain commands",
	}
	auditVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Walk the on-disk audit chain and verify hash linkage and signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(configFile)
		},
	}
	auditVerifyCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	auditCmd.AddCommand(auditVerifyCmd)

	var learnThreatType, learnMessage, learnAgentID, learnSessionID string
	learnCmd := &cobra.Command{
		Use:   "learn",
		Short: "Learning system commands",
	}
	learnReportCmd := &cobra.Command{
		Use:   "report",
		Short: "Submit a missed attack to the running instance for learning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLearnReport(port, learnMessage, learnThreatType, learnAgentID, learnSessionID)
		},
	}
	learnReportCmd.Flags().IntVarP(&port, "port", "p", 0, "ops API port")
	learnReportCmd.Flags().StringVar(&learnMessage, "message", "", "the message that should have been caught (required)")
	learnReportCmd.Flags().StringVar(&learnThreatType, "threat-type", "", "threat type it should have been classified as (required)")
	learnReportCmd.Flags().StringVar(&learnAgentID, "agent", "", "agent id the message came from")
	learnReportCmd.Flags().StringVar(&learnSessionID, "session", "", "session id the message came from")
	_ = learnReportCmd.MarkFlagRequired("message")
	_ = learnReportCmd.MarkFlagRequired("threat-type")
	learnCmd.AddCommand(learnReportCmd)

	killswitchCmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Emergency stop commands",
	}
	killswitchStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitchStatus(port)
		},
	}
	killswitchTriggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a global emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitchTrigger(port)
		},
	}
	killswitchResetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the global emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitchReset(port)
		},
	}
	killswitchCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "ops API port")
	killswitchCmd.AddCommand(killswitchStatusCmd, killswitchTriggerCmd, killswitchResetCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentryd %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build date: %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, policyCmd, doctorCmd, auditCmd, learnCmd, killswitchCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── Start ───

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	// AgentMemory.
	store, err := memory.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.PoolSize, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	sweeper := memory.NewSweeper(store, 60*time.Second, logger)

	// Rule/policy/playbook markdown.
	mdLoader := mdloader.NewLoader(cfg.RulesDir, cfg.PoliciesDir, cfg.PlaybooksDir)
	mdWatcher, err := mdloader.NewWatcher(mdLoader, logger)
	if err != nil {
		logger.Warn("failed to create markdown watcher", "error", err)
	} else {
		mdLoader.SetWatcher(mdWatcher)
		if err := mdWatcher.Start(); err != nil {
			logger.Warn("failed to start markdown watcher", "error", err)
		} else {
			defer func() { _ = mdWatcher.Stop() }()
		}
	}

	// MessageBus.
	b := bus.New(logger, bus.WithQueueSize(256), bus.WithPublishDeadline(2*time.Second))

	// AuditChain.
	signer, err := loadOrGenerateSigner(filepath.Join(filepath.Dir(cfg.Storage.Path), "audit_signing.key"))
	if err != nil {
		return fmt.Errorf("failed to load audit signing key: %w", err)
	}
	auditPath := strings.TrimSuffix(cfg.Storage.Path, filepath.Ext(cfg.Storage.Path)) + "_audit.db"
	chain, err := audit.NewChain(auditPath, signer, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer func() { _ = chain.Close() }()
	appendAudit := func(eventType, actor string, payload []byte) error {
		_, err := chain.Append(eventType, actor, payload)
		return err
	}

	// Session tracking.
	sessionMgr := session.NewManager(logger)

	// Alerting.
	alertMgr := alert.NewManager(cfg.Alerts, logger)

	// PolicyEngine.
	celEval, err := policy.NewCELEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	policyLoader := policy.NewLoader(celEval, logger)
	budgetChecker := policy.NewBudgetChecker(logger)
	invariants := policy.NewInvariants(cfg.Invariants, logger)
	policyEngine := policy.NewEngine(policyLoader, celEval, budgetChecker, invariants, logger)
	policyEngine.SetConfigLoader(cfgLoader)
	if err := policyEngine.LoadPolicies(cfg.Policies); err != nil {
		logger.Warn("some policies failed to load", "error", err)
	}

	// AI-judge evaluator for "ai-judge" typed policies, backed by POLICY.md
	// context docs. Not yet invoked from PolicyEngine.Evaluate itself (that
	// defers ai-judge policies to REQUIRE_APPROVAL pending a human, its
	// fail-closed default); it is wired here for a future Remediator/Analyst
	// hook to call directly ahead of that fallback.
	_ = policy.NewAIJudge(mdLoader.LoadPolicyMD, cfg.Detection.Intelligent.Model)

	// DetectorSet.
	var catalogue *detectrules.Catalogue
	rulesLoader := detectrules.NewLoader(cfg.Detection.Rules.PatternsFile, logger)
	if cfg.Detection.Rules.Enabled && cfg.Detection.Rules.PatternsFile != "" {
		catalogue = rulesLoader.LoadInitial()
		if err := rulesLoader.Watch(catalogue); err != nil {
			logger.Warn("failed to watch rule catalogue", "error", err)
		} else {
			defer rulesLoader.StopWatch()
		}
	} else {
		catalogue = detectrules.LoadDefault(logger)
	}

	var rulesDetector *detect.RulesDetector
	if cfg.Detection.Rules.Enabled {
		rulesDetector = detect.NewRulesDetector(catalogue, cfg.Environment)
	}

	var semanticDetector *detect.SemanticDetector
	if cfg.Detection.Semantic.Enabled {
		semanticDetector = detect.NewSemanticDetector(nil, cfg.Detection.Semantic.Threshold)
	}

	var conversationalDetector *detect.ConversationalDetector
	if cfg.Detection.Conversational.Enabled {
		conversationalDetector = detect.NewConversationalDetector(cfg.Detection.Conversational.WindowSize, cfg.Detection.Conversational.SessionTTL)
	}

	var intelligentDetector *detect.IntelligentDetector
	if cfg.Detection.Intelligent.Enabled {
		intelligentDetector = detect.NewIntelligentDetector(cfg.Detection.Intelligent.Model, cfg.Detection.Intelligent.DangerThreshold, cfg.Detection.Intelligent.Timeout, logger)
	}

	detectorSet := detect.NewDetectorSet(semanticDetector, conversationalDetector, intelligentDetector, rulesDetector, cfg.Detection.DedupWindow, logger)

	// Remediator's components, constructed ahead of Analyst since its
	// queue is Analyst's enqueue target.
	remediateQueue := remediate.NewQueue(cfg.Remediation.QueueSize, logger)
	killSwitch := remediate.NewKillSwitch(filepath.Join(filepath.Dir(cfg.Storage.Path), "KILL"), logger)
	workflow := approval.New(cfg.Remediation.ApprovalTTL, appendAudit, logger)
	workflow.SetBus(b)
	defer workflow.Stop()

	remediator := remediate.New(remediateQueue, store, policyEngine, workflow, killSwitch, cfg.Remediation, cfg.Environment, appendAudit, b, logger)
	sessionMgr.SetCascadeHooks(remediator.Cascade().Observe, remediator.Cascade().Forget)

	// Analyst.
	an := analyst.New(store, b, remediateQueue, cfg.Analyst, cfg.Environment, logger)

	// Builder.
	logIngest := make(chan detect.LogEntry, 256)
	bld := builder.New(detectorSet, store, b, appendAudit, 256, logger)

	// LearningSystem.
	learningSys := learning.New(store, semanticDetector, catalogue, learning.Config{
		Enabled:         cfg.Learning.Enabled,
		Model:           cfg.Learning.Model,
		VariationBudget: cfg.Learning.VariationBudget,
		MinVariations:   cfg.Learning.MinVariations,
		AdmitConfidence: cfg.Learning.AdmitConfidence,
	}, logger)

	tokenManager := auth.NewTokenManager(cfg.Server.Auth.TokenTTL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(ctx)
	go bld.Run(ctx, logIngest)
	go an.Run(ctx)
	go remediator.Run(ctx)

	// Ops API, plus the agent-log ingestion endpoint that feeds Builder.
	opsServer := opsapi.NewServer(cfg.Server, store, cfgLoader, workflow, learningSys, chain, killSwitch, remediateQueue, b, tokenManager, logger)
	opsServer.Mux().HandleFunc("POST /v1/logs", ingestHandler(logIngest, logger))

	if configFile != "" {
		if err := policyLoader.WatchConfig(configFile, func(path string) {
			if err := policyEngine.ReloadPolicies(); err != nil {
				logger.Error("hot-reload failed", "error", err)
			}
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer policyLoader.StopWatch()
	}

	fmt.Println()
	fmt.Println("  sentryd " + version)
	fmt.Println("  Observe. Detect. Remediate.")
	fmt.Println()
	fmt.Printf("  -> Ops API:  http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  -> Ingest:   http://localhost:%d/v1/logs\n", cfg.Server.Port)
	fmt.Printf("  -> Storage:  %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  -> Policies: %d loaded\n", policyEngine.PolicyCount())
	fmt.Printf("  -> Fail mode: %s\n", cfg.Server.FailMode)
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		close(logIngest)
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = opsServer.Shutdown(shutCtx)
	}()

	logger.Info("starting ops API", "port", cfg.Server.Port)
	if err := opsServer.Start(opsapi.Addr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops API server error: %w", err)
	}
	return nil
}

// ingestHandler decodes a LogEntry from the request body and enqueues it
// for DetectorSet, a fire-and-forget POST handler.
func ingestHandler(in chan<- detect.LogEntry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entry detect.LogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "invalid log entry", http.StatusBadRequest)
			return
		}
		select {
		case in <- entry:
			w.WriteHeader(http.StatusAccepted)
		default:
			logger.Warn("log ingest channel full, dropping entry", "agent_id", entry.AgentID)
			http.Error(w, "ingest backpressure", http.StatusServiceUnavailable)
		}
	}
}

// loadOrGenerateSigner reads a 64-byte ed25519 private key from path, or generates
// and persists a new one on first run.
func loadOrGenerateSigner(path string) (*audit.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.PrivateKeySize {
		return audit.NewSigner(ed25519.PrivateKey(data)), nil
	}

	signer, err := audit.GenerateSigner()
	if err != nil {
		return nil, err
	}
	// Best-effort persistence; a failure here still lets this process run
	// with a fresh key, it just won't survive a restart.
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	_ = os.WriteFile(path, signer.PrivateKeyBytes(), 0600)
	return signer, nil
}

// ─── Init ───

func runInit() error {
	configPath := "sentry.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  (skip) %s already exists\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  + Generated %s\n", configPath)
	}

	for _, d := range []string{"rules", "policies", "playbooks"} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s/: %w", d, err)
		}
		fmt.Printf("  + Created %s/\n", d)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    sentryd init rule <rule-id>          # document a rule's rationale")
	fmt.Println("    sentryd init policy <policy-name>    # create an ai-judge policy")
	fmt.Println("    sentryd init playbook <threat-type>   # create a threat runbook")
	fmt.Println("    sentryd start                         # start the pipeline")
	return nil
}

func runInitRule(ruleID string) error {
	if err := os.MkdirAll("rules", 0755); err != nil {
		return err
	}
	path := filepath.Join("rules", ruleID+".md")
	if err := os.WriteFile(path, []byte(mdloader.RuleMDTemplate(ruleID)), 0644); err != nil {
		return err
	}
	fmt.Printf("  + Created %s\n", path)
	return nil
}

func runInitPolicy(policyName string) error {
	dir := filepath.Join("policies", policyName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	yamlPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(yamlPath, []byte(mdloader.PolicyYAMLTemplate(policyName)), 0644); err != nil {
		return err
	}
	fmt.Printf("  + Created %s\n", yamlPath)

	mdPath := filepath.Join(dir, "POLICY.md")
	if err := os.WriteFile(mdPath, []byte(mdloader.PolicyMDTemplate(policyName)), 0644); err != nil {
		return err
	}
	fmt.Printf("  + Created %s\n", mdPath)

	fmt.Printf("\n  Policy %q scaffolded. Edit POLICY.md with the context the ai-judge should reason over.\n", policyName)
	return nil
}

func runInitPlaybook(threatType string) error {
	if err := os.MkdirAll("playbooks", 0755); err != nil {
		return err
	}
	filename := strings.ToUpper(threatType) + ".md"
	path := filepath.Join("playbooks", filename)
	content := mdloader.PlaybookTemplate(threatType)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return err
	}
	fmt.Printf("  + Created %s\n", path)
	return nil
}

// ─── Policy validate ───

func runPolicyValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'sentryd init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("invalid config: %s\n", err)
		return err
	}
	cfg := loader.Get()

	fmt.Printf("config file valid: %s\n", path)
	fmt.Printf("  policies: %d\n", len(cfg.Policies))
	fmt.Printf("  storage:  %s\n", cfg.Storage.Driver)
	fmt.Printf("  port:     %d\n", cfg.Server.Port)

	evaluator, err := policy.NewCELEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	for _, p := range cfg.Policies {
		if p.Type == "ai-judge" || p.Condition == "" {
			continue
		}
		if _, err := evaluator.CompileExpression(p.Condition); err != nil {
			fmt.Printf("  x policy %q: invalid CEL expression: %s\n", p.Name, err)
		} else {
			fmt.Printf("  ok policy %q: CEL expression valid\n", p.Name)
		}
	}

	var policyRefs []mdloader.PolicyRef
	for _, p := range cfg.Policies {
		policyRefs = append(policyRefs, mdloader.PolicyRef{Name: p.Name, Type: p.Type, Context: p.Context})
	}
	var ruleRefs []mdloader.RuleRef
	if cfg.Detection.Rules.Enabled && cfg.Detection.Rules.PatternsFile != "" {
		if cat, err := detectrules.Load(cfg.Detection.Rules.PatternsFile, nil); err == nil {
			for _, r := range cat.Rules() {
				ruleRefs = append(ruleRefs, mdloader.RuleRef{ID: r.ID})
			}
		}
	}

	result := mdloader.ValidateAll(cfg.RulesDir, cfg.PoliciesDir, cfg.PlaybooksDir, policyRefs, ruleRefs)
	for _, e := range result.Errors {
		fmt.Printf("  x %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  ! %s\n", w)
	}
	if len(result.Errors) == 0 {
		fmt.Println("  ok all referenced rule/policy docs exist")
	}
	return nil
}

// ─── Doctor ───

func runDoctor(port int, configFile string) error {
	fmt.Println("sentryd doctor")
	fmt.Println("--------------")

	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		fmt.Printf("ok  config file found: %s\n", path)
	} else {
		fmt.Println("!   no config file found (will use defaults)")
	}

	for _, dir := range []string{"rules", "policies", "playbooks"} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			fmt.Printf("ok  directory exists: %s/\n", dir)
		} else {
			fmt.Printf("!   missing directory: %s/ (run 'sentryd init')\n", dir)
		}
	}

	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", p))
	if err != nil {
		fmt.Printf("x   sentryd not running on port %d\n", p)
	} else {
		_ = resp.Body.Close()
		fmt.Printf("ok  ops API running on port %d\n", p)
	}

	if path != "" {
		loader := config.NewLoader()
		if err := loader.Load(path); err == nil {
			cfg := loader.Get()
			var policyRefs []mdloader.PolicyRef
			for _, p := range cfg.Policies {
				policyRefs = append(policyRefs, mdloader.PolicyRef{Name: p.Name, Type: p.Type, Context: p.Context})
			}
			result := mdloader.ValidateAll(cfg.RulesDir, cfg.PoliciesDir, cfg.PlaybooksDir, policyRefs, nil)
			for _, e := range result.Errors {
				fmt.Printf("x   %s\n", e)
			}
			for _, w := range result.Warnings {
				fmt.Printf("!   %s\n", w)
			}
			if len(result.Errors) == 0 && len(result.Warnings) == 0 {
				fmt.Println("ok  all rule/policy docs valid")
			}
		}
	}
	return nil
}

// ─── Audit verify ───

func runAuditVerify(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	cfgLoader := config.NewLoader()
	if path != "" {
		if err := cfgLoader.Load(path); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()

	signerPath := filepath.Join(filepath.Dir(cfg.Storage.Path), "audit_signing.key")
	signer, err := loadOrGenerateSigner(signerPath)
	if err != nil {
		return fmt.Errorf("failed to load audit signing key: %w", err)
	}

	auditPath := strings.TrimSuffix(cfg.Storage.Path, filepath.Ext(cfg.Storage.Path)) + "_audit.db"
	chain, err := audit.NewChain(auditPath, signer, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer func() { _ = chain.Close() }()

	valid, brokenAt, err := chain.Verify()
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	if valid {
		fmt.Println("ok  audit chain intact")
		return nil
	}
	fmt.Printf("x   audit chain broken at entry %d\n", brokenAt)
	return fmt.Errorf("audit chain verification failed")
}

// ─── Learn report ───

func runLearnReport(port int, message, threatType, agentID, sessionID string) error {
	p := resolvePort(port)
	body, err := json.Marshal(map[string]string{
		"message":     message,
		"threat_type": threatType,
		"agent_id":    agentID,
		"session_id":  sessionID,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/learning/report", p), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	fmt.Printf("reported: %v\n", result["attack_id"])
	return nil
}

// ─── Kill switch ───

func runKillSwitchStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/killswitch", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	for k, v := range result {
		fmt.Printf("  %-16s %v\n", k+":", v)
	}
	return nil
}

func runKillSwitchTrigger(port int) error {
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/killswitch/global", p), "application/json", strings.NewReader(`{"reason":"operator CLI trigger"}`))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	fmt.Println("global kill switch triggered")
	return nil
}

func runKillSwitchReset(port int) error {
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/killswitch/global/reset", p), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	fmt.Println("global kill switch reset")
	return nil
}

// ─── Status ───

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/queue/status", p))
	if err != nil {
		fmt.Printf("sentryd is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]interface{}
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}
	fmt.Println("sentryd status")
	fmt.Println("--------------")
	for k, v := range stats {
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	return nil
}

// ─── Shared helpers ───

func findConfigFile() string {
	candidates := []string{
		"sentry.yaml",
		"sentry.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "sentryd", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 6777
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
