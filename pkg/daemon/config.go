package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentctl/agentd/pkg/filestore"
	"github.com/agentctl/agentd/pkg/types"
)

// HubDir resolves the hub directory: AGENTCTL_DIR when set, otherwise
// $HOME/.agentctl. HOME is required in the fallback case.
func HubDir() (string, error) {
	if dir := os.Getenv("AGENTCTL_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory (set AGENTCTL_DIR to override): %w", err)
	}
	return filepath.Join(home, ".agentctl"), nil
}

// Paths locates everything the daemon persists under the hub dir.
type Paths struct {
	Hub string
}

func (p Paths) Socket() string              { return filepath.Join(p.Hub, "hub.sock") }
func (p Paths) PIDFile() string             { return filepath.Join(p.Hub, "daemon.pid") }
func (p Paths) LogFile() string             { return filepath.Join(p.Hub, "daemon.log") }
func (p Paths) TokensDir() string           { return filepath.Join(p.Hub, "tokens") }
func (p Paths) TokenFile(name string) string {
	return filepath.Join(p.TokensDir(), name+".token")
}
func (p Paths) ReceiptKey() string          { return filepath.Join(p.Hub, "receipt.key") }
func (p Paths) TasksFile() string           { return filepath.Join(p.Hub, "tasks.json") }
func (p Paths) ConfigFile() string          { return filepath.Join(p.Hub, "config.json") }
func (p Paths) PromptsFile() string         { return filepath.Join(p.Hub, "prompts.json") }
func (p Paths) CouncilAnalyses() string     { return filepath.Join(p.Hub, "council-analyses.json") }
func (p Paths) CouncilVerifications() string {
	return filepath.Join(p.Hub, "council-verifications.json")
}
func (p Paths) VerificationResults() string {
	return filepath.Join(p.Hub, "verification-results.json")
}
func (p Paths) MessagesDB() string     { return filepath.Join(p.Hub, "messages.db") }
func (p Paths) WorkspacesDB() string   { return filepath.Join(p.Hub, "workspaces.db") }
func (p Paths) CapabilitiesDB() string { return filepath.Join(p.Hub, "capabilities.db") }
func (p Paths) KnowledgeDB() string    { return filepath.Join(p.Hub, "knowledge.db") }
func (p Paths) TrustDB() string        { return filepath.Join(p.Hub, "trust.db") }
func (p Paths) SessionsDB() string     { return filepath.Join(p.Hub, "sessions.db") }
func (p Paths) WorkflowsDB() string    { return filepath.Join(p.Hub, "workflows.db") }
func (p Paths) RetroDB() string        { return filepath.Join(p.Hub, "retro.db") }
func (p Paths) ActivityDB() string     { return filepath.Join(p.Hub, "activity.db") }
func (p Paths) SessionsDir() string    { return filepath.Join(p.Hub, "sessions") }

// Config is the persisted daemon configuration at <hub>/config.json.
type Config struct {
	SLAScanIntervalSec    int `json:"slaScanIntervalSec"`
	InProgressStaleMin    int `json:"inProgressStaleMin"`
	ReviewStaleMin        int `json:"reviewStaleMin"`
	BlockedStaleMin       int `json:"blockedStaleMin"`
	AdaptiveIntervalSec   int `json:"adaptiveIntervalSec"`
	WatchdogIntervalSec   int `json:"watchdogIntervalSec"`
	MemoryThresholdMiB    int `json:"memoryThresholdMiB"`
	AcceptanceTimeoutSec  int `json:"acceptanceTimeoutSec"`
	MessageArchiveDays    int `json:"messageArchiveDays"`

	CouncilMembers  []string `json:"councilMembers,omitempty"`
	CouncilChairman string   `json:"councilChairman,omitempty"`

	// SessionDir overrides <hub>/sessions as the watched directory.
	SessionDir string `json:"sessionDir,omitempty"`

	// MetricsAddr, when set, serves /metrics and /healthz over HTTP.
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SLAScanIntervalSec:   60,
		InProgressStaleMin:   30,
		ReviewStaleMin:       10,
		BlockedStaleMin:      15,
		AdaptiveIntervalSec:  60,
		WatchdogIntervalSec:  60,
		MemoryThresholdMiB:   512,
		AcceptanceTimeoutSec: 120,
		MessageArchiveDays:   30,
	}
}

// LoadConfig reads config.json, writing defaults on first run. Zero
// numeric fields in an existing file fall back to defaults so partial
// configs stay valid.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var onDisk Config
	found, err := filestore.AtomicRead(path, &onDisk)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if !found {
		if err := filestore.AtomicWrite(path, cfg); err != nil {
			return cfg, fmt.Errorf("writing default config: %w", err)
		}
		return cfg, nil
	}

	def := DefaultConfig()
	merge := func(v, fallback int) int {
		if v > 0 {
			return v
		}
		return fallback
	}
	onDisk.SLAScanIntervalSec = merge(onDisk.SLAScanIntervalSec, def.SLAScanIntervalSec)
	onDisk.InProgressStaleMin = merge(onDisk.InProgressStaleMin, def.InProgressStaleMin)
	onDisk.ReviewStaleMin = merge(onDisk.ReviewStaleMin, def.ReviewStaleMin)
	onDisk.BlockedStaleMin = merge(onDisk.BlockedStaleMin, def.BlockedStaleMin)
	onDisk.AdaptiveIntervalSec = merge(onDisk.AdaptiveIntervalSec, def.AdaptiveIntervalSec)
	onDisk.WatchdogIntervalSec = merge(onDisk.WatchdogIntervalSec, def.WatchdogIntervalSec)
	onDisk.MemoryThresholdMiB = merge(onDisk.MemoryThresholdMiB, def.MemoryThresholdMiB)
	onDisk.AcceptanceTimeoutSec = merge(onDisk.AcceptanceTimeoutSec, def.AcceptanceTimeoutSec)
	onDisk.MessageArchiveDays = merge(onDisk.MessageArchiveDays, def.MessageArchiveDays)
	return onDisk, nil
}

// AccountSpec registers one account from accounts.yaml.
type AccountSpec struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider,omitempty"`
	Skills   []string `yaml:"skills,omitempty"`
}

type accountsFile struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// LoadAccounts reads the optional accounts.yaml bootstrap file. A
// missing file yields an empty list.
func LoadAccounts(path string) ([]AccountSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var parsed accountsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}
	for _, a := range parsed.Accounts {
		if !types.AccountNamePattern.MatchString(a.Name) {
			return nil, fmt.Errorf("invalid account name %q in accounts file", a.Name)
		}
	}
	return parsed.Accounts, nil
}
