package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"conductor/internal/kernel"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/utils"
	"conductor/pkg/version"
)

// PasswordEnvVar lets the conductor start without an interactive password
// prompt when the secrets file is encrypted.
const PasswordEnvVar = "CONDUCTOR_PASSWORD"

func main() {
	var (
		projectDir     = flag.String("projectdir", ".", "Project directory")
		auto           = flag.Bool("auto", false, "Start the scheduler loop immediately")
		maxConcurrency = flag.Int("max-concurrency", 0, "Concurrent feature ceiling for -auto (0 uses the configured value)")
		setupSecrets   = flag.Bool("setup-secrets", false, "Interactively create the encrypted credentials file and exit")
		costFeature    = flag.String("cost", "", "Print the token and cost rollup for a feature ID and exit")
		tee            = flag.Bool("tee", false, "Mirror log output into a file under .conductor/logs")
		showVersion    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	// The tee starts before anything logs so config loading is captured too.
	if *tee {
		if _, err := logx.EnableFileTee(utils.LogsDir(*projectDir)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to enable log file: %v\n", err)
			os.Exit(1)
		}
	}

	exitCode := run(*projectDir, *maxConcurrency, *auto, *setupSecrets, *costFeature)

	logx.CloseFileTee()
	os.Exit(exitCode)
}

// run contains the main application logic and returns an exit code so
// main's cleanup executes before os.Exit.
func run(projectDir string, maxConcurrency int, auto, setupSecrets bool, costFeature string) int {
	if setupSecrets {
		if err := runSecretsSetup(projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "Secrets setup failed: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if costFeature != "" {
		return printCostReport(cfg, costFeature)
	}

	if err := unlockSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	fmt.Println("⏳ Starting up...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.NewKernel(ctx, cfg, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create kernel: %v\n", err)
		return 1
	}
	defer func() {
		if stopErr := k.Stop(kernel.DefaultStopTimeout); stopErr != nil {
			k.Logger.Error("Error stopping kernel: %v", stopErr)
		}
	}()

	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	// Crash recovery may already have restarted the loop from its snapshot.
	if auto && !k.Engine.LoopRunning(projectDir) {
		if err := k.Engine.StartLoop(projectDir, maxConcurrency); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start loop: %v\n", err)
			return 1
		}
	}

	c := newConsole(k, projectDir)
	go c.watchEvents(ctx)
	go c.readCommands(ctx, stop)

	fmt.Println("✅ Conductor is running. Type 'help' for commands, Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("🛑 Shutting down...")
	return 0
}

// unlockSecrets loads encrypted credentials into memory when the secrets
// file exists. The password comes from the environment or an interactive
// prompt.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	password := os.Getenv(PasswordEnvVar)
	if password == "" {
		fmt.Print("Enter password to unlock credentials: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	fmt.Println("🔓 Credentials unlocked")
	return nil
}

// runSecretsSetup prompts for a password and the provider API keys, then
// writes the encrypted secrets file.
func runSecretsSetup(projectDir string) error {
	password, err := promptForPassword()
	if err != nil {
		return err
	}

	secrets := make(map[string]string)
	scanner := bufio.NewScanner(os.Stdin)
	for _, name := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		fmt.Printf("Enter %s (optional, press Enter to skip): ", name)
		if !scanner.Scan() {
			break
		}
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			secrets[name] = v
		}
	}

	fmt.Println("🔐 Encrypting and saving credentials...")
	if err := config.EncryptSecretsFile(projectDir, password, secrets); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	fmt.Printf("✅ Credentials saved to %s/secrets.json.enc (file permissions: 0600)\n", utils.ConductorDir)
	return nil
}

// promptForPassword reads a password with confirmation, echoing neither.
func promptForPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a password for this project's credentials: ")
		first, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		second, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(first, second) {
			fmt.Println("❌ Passwords do not match. Please try again.")
			continue
		}

		password := string(first)
		for i := range first {
			first[i] = 0
		}
		for i := range second {
			second[i] = 0
		}

		fmt.Printf("💡 Set %s to skip the prompt on startup.\n", PasswordEnvVar)
		return password, nil
	}
	return "", fmt.Errorf("passwords did not match after %d attempts", maxAttempts)
}

// printCostReport queries the configured Prometheus server for a feature's
// token and cost totals, overall and per execution phase.
func printCostReport(cfg config.Config, featureID string) int {
	if cfg.Metrics.PrometheusURL == "" {
		fmt.Fprintln(os.Stderr, "metrics.prometheus_url is not configured")
		return 1
	}

	svc, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create metrics query service: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	totals, err := svc.GetFeatureMetrics(ctx, featureID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Metrics query failed: %v\n", err)
		return 1
	}

	fmt.Printf("Feature %s\n", featureID)
	fmt.Printf("  prompt tokens:     %d\n", totals.PromptTokens)
	fmt.Printf("  completion tokens: %d\n", totals.CompletionTokens)
	fmt.Printf("  total cost:        $%.4f\n", totals.TotalCost)

	byPhase, err := svc.GetFeatureMetricsByPhase(ctx, featureID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Phase metrics query failed: %v\n", err)
		return 1
	}
	if len(byPhase) > 0 {
		phases := make([]string, 0, len(byPhase))
		for phase := range byPhase {
			phases = append(phases, phase)
		}
		sort.Strings(phases)

		fmt.Println("  by phase:")
		for _, phase := range phases {
			m := byPhase[phase]
			fmt.Printf("    %-16s %8d tokens  $%.4f\n", phase, m.TotalTokens, m.TotalCost)
		}
	}
	return 0
}
