package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llm-playground/internal/adapter/llm"
	"llm-playground/internal/adapter/store"
	"llm-playground/internal/domain"
	"llm-playground/internal/infra/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, provider access and the history store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		cfg, cfgErr := config.Load(path)
		var client *http.Client
		if cfg != nil {
			client = llm.NewHTTPClient(cfg.LLM)
		}
		d := &doctor{out: cmd.OutOrStdout(), cfgPath: path, client: client}
		return d.run(cmd.Context(), cfg, cfgErr)
	},
}

// CheckStatus is the outcome class of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

type doctor struct {
	out     io.Writer
	cfgPath string
	client  *http.Client
}

func (d *doctor) checks(cfgErr error) []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile(d.cfgPath, cfgErr)},
		{Name: "API keys", Fn: checkAPIKeys},
		{Name: "Provider connectivity", Fn: d.checkConnectivity},
		{Name: "History store", Fn: checkStore},
	}
}

func (d *doctor) run(ctx context.Context, cfg *config.Config, cfgErr error) error {
	fmt.Fprintln(d.out, "playground doctor")
	fmt.Fprintln(d.out, strings.Repeat("=", 50))
	fmt.Fprintln(d.out)

	var pass, warn, fail int
	for _, check := range d.checks(cfgErr) {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(d.out, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(d.out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, strings.Repeat("-", 50))
	fmt.Fprintf(d.out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile reports how the config was obtained. A missing file is a
// warning since the defaults still run.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Fix %s (must not be group or world writable)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create the file to add providers",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkAPIKeys verifies every hosted provider has a key. Self-hosted
// OpenAI-compatible servers often run without one.
func checkAPIKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}

	var missing []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey == "" && p.Type != string(domain.FamilyOpenAICompatible) {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) == 0 {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d provider(s) configured", len(cfg.LLM.Providers))}
	}

	status := StatusWarn
	for _, name := range missing {
		if name == cfg.LLM.DefaultProvider {
			status = StatusFail
		}
	}
	return CheckResult{
		Status:  status,
		Message: "no API key for: " + strings.Join(missing, ", "),
		Fix:     fmt.Sprintf("Set %s (or api_key in the config file)", config.EnvKeyName(missing[0])),
	}
}

// checkConnectivity sends a GET to the default provider. Any HTTP response
// counts as reachable.
func (d *doctor) checkConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	p, ok := cfg.Provider(cfg.LLM.DefaultProvider)
	if !ok {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("default provider %q not configured", cfg.LLM.DefaultProvider)}
	}
	endpoint := providerEndpoint(p)
	if endpoint == "" {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("no endpoint known for %s", p.Name)}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint %s: %v", endpoint, err)}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check the base_url and your network",
		}
	}
	resp.Body.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (HTTP %d, %dms)", p.Name, resp.StatusCode, time.Since(start).Milliseconds()),
	}
}

// providerEndpoint returns a cheap URL to request for p.
func providerEndpoint(p config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/") + "/models"
	}
	switch domain.ProviderFamily(p.Type) {
	case domain.FamilyOpenAI:
		return "https://api.openai.com/v1/models"
	case domain.FamilyAnthropic:
		return "https://api.anthropic.com/v1/models"
	case domain.FamilyGemini:
		return "https://generativelanguage.googleapis.com/v1beta/models"
	}
	return ""
}

// checkStore opens the configured store and reads the conversation list.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	repo, closeFn, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s store: %v", cfg.Store.Driver, err),
			Fix:     "Check store.path is writable",
		}
	}
	defer closeFn()

	convs, err := repo.ListConversations(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot read history: %v", err)}
	}
	where := cfg.Store.Driver
	if cfg.Store.Driver == "sqlite" {
		where = cfg.Store.Path
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d conversation(s) in %s", len(convs), where)}
}
