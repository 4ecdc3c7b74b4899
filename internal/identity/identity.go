// Package identity loads agent identities from disk. An identity is a
// directory holding config.json and an optional SOUL.md.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	configFile = "config.json"
	soulFile   = "SOUL.md"

	maxSoulBytes = 16 * 1024
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ModelConfig selects the language model an identity runs on.
type ModelConfig struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

// Config mirrors config.json.
type Config struct {
	SchemaVersion int         `json:"schemaVersion"`
	Model         ModelConfig `json:"model"`
}

// Identity is a loaded identity.
type Identity struct {
	Name   string
	Config Config
	Soul   string
}

// Loader reads identities below a root directory.
type Loader struct {
	root string
}

func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// ValidName reports whether name is a safe identity directory name.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Load reads and validates the named identity.
func (l *Loader) Load(name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if !ValidName(name) {
		return Identity{}, fmt.Errorf("invalid identity name %q", name)
	}
	if l.root == "" {
		return Identity{}, errors.New("identities root is not configured")
	}
	dir := filepath.Join(l.root, name)
	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, fmt.Errorf("identity %q not found under %s", name, l.root)
		}
		return Identity{}, fmt.Errorf("read identity config: %w", err)
	}
	var cfg Config
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Identity{}, fmt.Errorf("parse %s/%s: %w", name, configFile, err)
	}
	if cfg.SchemaVersion != 1 {
		return Identity{}, fmt.Errorf("identity %q: unsupported schemaVersion %d", name, cfg.SchemaVersion)
	}
	if !strings.Contains(cfg.Model.Primary, "/") {
		return Identity{}, fmt.Errorf("identity %q: model.primary must be provider/model, got %q", name, cfg.Model.Primary)
	}

	id := Identity{Name: name, Config: cfg}
	soul, err := os.ReadFile(filepath.Join(dir, soulFile))
	switch {
	case err == nil:
		if len(soul) > maxSoulBytes {
			return Identity{}, fmt.Errorf("identity %q: %s exceeds %d bytes", name, soulFile, maxSoulBytes)
		}
		id.Soul = string(soul)
	case !errors.Is(err, os.ErrNotExist):
		return Identity{}, fmt.Errorf("read %s: %w", soulFile, err)
	}
	return id, nil
}

var providerEnvKeys = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"xai":        "XAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"google":     "GEMINI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"cerebras":   "CEREBRAS_API_KEY",
	"moonshot":   "MOONSHOT_API_KEY",
	"minimax":    "MINIMAX_API_KEY",
	"zai":        "ZAI_API_KEY",
}

// ProviderEnvKey maps a provider/model reference to the env var holding
// the provider API key.
func ProviderEnvKey(model string) (string, bool) {
	provider, _, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" {
		return "", false
	}
	key, ok := providerEnvKeys[strings.ToLower(provider)]
	return key, ok
}

// RequiredEnvKeys lists the API key env vars for the primary and fallback
// models, sorted and deduplicated. Unknown providers need no key.
func (id Identity) RequiredEnvKeys() []string {
	set := map[string]struct{}{}
	for _, m := range append([]string{id.Config.Model.Primary}, id.Config.Model.Fallbacks...) {
		if key, ok := ProviderEnvKey(m); ok {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
