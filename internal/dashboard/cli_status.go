package dashboard

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/company"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// versionTimeout bounds one `<tool> --version` call.
const versionTimeout = 5 * time.Second

// probeConcurrency limits parallel version checks.
const probeConcurrency = 3

// cliTool describes how to detect one provider CLI.
type cliTool struct {
	binary      string
	credentials []string // paths relative to the home directory
	envKeys     []string // API key variables that count as authenticated
}

var cliTools = map[string]cliTool{
	"claude": {
		binary:      "claude",
		credentials: []string{".claude/.credentials.json", ".claude.json"},
		envKeys:     []string{"ANTHROPIC_API_KEY"},
	},
	"codex": {
		binary:      "codex",
		credentials: []string{".codex/auth.json"},
		envKeys:     []string{"OPENAI_API_KEY"},
	},
	"gemini": {
		binary:      "gemini",
		credentials: []string{".gemini/oauth_creds.json"},
		envKeys:     []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	},
	"opencode": {
		binary:      "opencode",
		credentials: []string{".local/share/opencode/auth.json"},
	},
	"copilot": {
		binary:      "copilot",
		credentials: []string{".config/github-copilot/hosts.json", ".config/github-copilot/apps.json"},
		envKeys:     []string{"GH_TOKEN", "GITHUB_TOKEN"},
	},
	"antigravity": {
		binary:      "antigravity",
		credentials: []string{".antigravity/credentials.json"},
	},
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?([-+.][0-9A-Za-z.-]+)?`)

// Prober checks which provider CLIs are installed, their versions and whether
// credentials are present. Results are cached for the configured TTL.
type Prober struct {
	log   zerolog.Logger
	ttl   time.Duration
	clock clockwork.Clock

	// Replaceable for tests
	lookPath   func(file string) (string, error)
	runVersion func(ctx context.Context, path string) (string, error)
	getenv     func(key string) string
	home       string

	mu        sync.Mutex
	cached    company.CLIStatus
	checkedAt time.Time
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithLookPath replaces the binary lookup, e.g. to restrict probing to a
// fixed set of tools.
func WithLookPath(fn func(file string) (string, error)) ProberOption {
	return func(p *Prober) { p.lookPath = fn }
}

// WithHome sets the directory credential files are resolved against.
func WithHome(dir string) ProberOption {
	return func(p *Prober) { p.home = dir }
}

// NewProber creates a prober with the given cache TTL.
func NewProber(log zerolog.Logger, ttl time.Duration, clock clockwork.Clock, opts ...ProberOption) *Prober {
	home, _ := os.UserHomeDir()
	p := &Prober{
		log:        log.With().Str("component", "cli_probe").Logger(),
		ttl:        ttl,
		clock:      clock,
		lookPath:   exec.LookPath,
		runVersion: runVersion,
		getenv:     os.Getenv,
		home:       home,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the cached probe result, probing again when the cache is
// older than the TTL or force is set. probed reports whether a probe ran.
func (p *Prober) Status(ctx context.Context, force bool) (status company.CLIStatus, probed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if !force && p.cached != nil && now.Sub(p.checkedAt) < p.ttl {
		return p.cached.Clone(), false
	}

	p.log.Debug().Bool("force", force).Msg("probing provider CLIs")
	// The result is shared, so a caller going away must not cut it short.
	// versionTimeout bounds each call.
	p.cached = p.probe(context.WithoutCancel(ctx))
	p.checkedAt = now

	p.log.Debug().
		Strs("installed", p.cached.Installed()).
		Msg("provider CLI probe completed")

	return p.cached.Clone(), true
}

func (p *Prober) probe(ctx context.Context) company.CLIStatus {
	var mu sync.Mutex
	out := make(company.CLIStatus, len(company.Providers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for _, name := range company.Providers {
		tool := cliTools[name]
		g.Go(func() error {
			st := p.probeTool(ctx, tool)
			mu.Lock()
			out[name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (p *Prober) probeTool(ctx context.Context, tool cliTool) company.CLIToolStatus {
	path, err := p.lookPath(tool.binary)
	if err != nil {
		return company.CLIToolStatus{}
	}

	st := company.CLIToolStatus{Installed: true}

	if v, err := p.runVersion(ctx, path); err != nil {
		p.log.Debug().Err(err).Str("binary", tool.binary).Msg("version check failed")
	} else {
		st.Version = parseVersion(v)
	}

	st.Authenticated = p.authenticated(tool)
	return st
}

func (p *Prober) authenticated(tool cliTool) bool {
	for _, key := range tool.envKeys {
		if p.getenv(key) != "" {
			return true
		}
	}
	if p.home == "" {
		return false
	}
	for _, rel := range tool.credentials {
		if info, err := os.Stat(filepath.Join(p.home, rel)); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

func runVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// parseVersion extracts a version number from `--version` output, falling
// back to its first line.
func parseVersion(output string) string {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if m := versionPattern.FindString(line); m != "" {
		return m
	}
	return line
}
