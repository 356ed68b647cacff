package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clawgate/internal/infra/config"
)

// CheckStatus represents the result of a health check.
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
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Auth", Fn: checkAuth},
		{Name: "Listen address", Fn: checkListenAddr},
		{Name: "Upstream model", Fn: checkUpstream},
		{Name: "Run journal", Fn: checkJournal},
	}

	fmt.Println("clawgate doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
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

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// checkConfigFile reports whether the config loaded. A missing file is only
// a warning because defaults plus environment may be enough.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the reported fields in " + cfgPath + " or the CLAWGATE_* environment",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "config loaded from " + cfgPath}
	}
}

func checkAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if len(cfg.Auth.Tokens) == 0 {
		if cfg.Auth.AllowAnonymous {
			return CheckResult{
				Status:  StatusWarn,
				Message: "no bearer tokens: every request is accepted",
				Fix:     "Add auth.tokens or set CLAWGATE_AUTH_TOKEN",
			}
		}
		return CheckResult{
			Status:  StatusFail,
			Message: "no bearer tokens: every request is rejected",
			Fix:     "Add auth.tokens or set CLAWGATE_AUTH_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d bearer token(s) configured", len(cfg.Auth.Tokens))}
}

// checkListenAddr warns when the server listens beyond loopback.
func checkListenAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	host, _, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid server.addr %q: %v", cfg.Server.Addr, err)}
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{Status: StatusPass, Message: "listening on loopback " + cfg.Server.Addr}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "listening beyond loopback on " + cfg.Server.Addr,
		Fix:     "Put the gateway behind TLS and list the proxy in server.rate_limit.trusted_proxies",
	}
}

// checkUpstream probes the model API's /models endpoint.
func checkUpstream(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.Agent.Provider == "echo" {
		return CheckResult{Status: StatusPass, Message: "echo provider needs no upstream"}
	}
	if cfg.Agent.Provider == "bedrock" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("bedrock model %s in %s is not probed", cfg.Agent.Model, cfg.Agent.Region),
			Fix:     "Credentials come from the default AWS chain; verify with `aws sts get-caller-identity`",
		}
	}

	endpoint := strings.TrimRight(cfg.Agent.BaseURL, "/") + "/models"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad base_url: %v", err)}
	}
	if cfg.Agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Agent.APIKey)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check agent.base_url and network access",
		}
	}
	resp.Body.Close()
	latency := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the API key (%d)", endpoint, resp.StatusCode),
			Fix:     "Set agent.api_key or CLAWGATE_AGENT_API_KEY",
		}
	case resp.StatusCode >= 400:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("%s answered %d", endpoint, resp.StatusCode)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable (latency: %dms)", endpoint, latency.Milliseconds())}
}

// checkJournal verifies the journal directory can be created and written.
func checkJournal(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "run journal disabled"}
	}

	dir := filepath.Dir(cfg.Journal.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Point journal.path at a writable location",
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())

	return CheckResult{Status: StatusPass, Message: "journal at " + cfg.Journal.Path}
}
