// Package cloudinit renders the #cloud-config user data handed to new
// instances. User data carries no secrets: instances redeem a short-lived
// bootstrap token for their environment after boot.
package cloudinit

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cattle-orchestrator/internal/models"
)

// MaxUserDataBytes is the provider limit on user data size.
const MaxUserDataBytes = 32 * 1024

const (
	TaskPath      = "/var/lib/clf/cattle/task.json"
	BootstrapPath = "/run/clf/cattle/bootstrap.json"
	IdentityDir   = "/var/lib/clf/cattle/identity"
)

// ErrTooLarge is returned when the rendered document exceeds
// MaxUserDataBytes.
var ErrTooLarge = errors.New("cloud-init user data too large")

var (
	hostnamePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]$`)
	permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)
)

// File is a write_files entry.
type File struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Owner       string `yaml:"owner"`
	Content     string `yaml:"content"`
}

// Bootstrap tells the instance where and how to fetch its environment.
type Bootstrap struct {
	BaseURL   string    `json:"baseUrl"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Params struct {
	Hostname            string
	AdminAuthorizedKeys []string
	Task                models.CattleTask
	Bootstrap           Bootstrap
	Files               []File
}

type adminUser struct {
	Name              string   `yaml:"name"`
	Groups            []string `yaml:"groups"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type document struct {
	Hostname         string     `yaml:"hostname,omitempty"`
	PreserveHostname *bool      `yaml:"preserve_hostname,omitempty"`
	Users            []any      `yaml:"users"`
	WriteFiles       []File     `yaml:"write_files"`
	Runcmd           [][]string `yaml:"runcmd"`
}

// Build renders the user data document.
func Build(p Params) (string, error) {
	hostname := strings.TrimSpace(p.Hostname)
	if hostname != "" && !hostnamePattern.MatchString(hostname) {
		return "", fmt.Errorf("invalid hostname for cloud-init: %s", hostname)
	}
	keys := dedupe(p.AdminAuthorizedKeys)
	if len(keys) == 0 {
		return "", errors.New("admin authorized keys are empty (need at least 1 SSH public key)")
	}
	if strings.TrimSpace(p.Bootstrap.BaseURL) == "" || strings.TrimSpace(p.Bootstrap.Token) == "" {
		return "", errors.New("bootstrap base url and token are required")
	}

	taskJSON, err := json.MarshalIndent(p.Task, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	bootstrapJSON, err := json.MarshalIndent(p.Bootstrap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bootstrap: %w", err)
	}

	files := []File{
		{Path: TaskPath, Permissions: "0600", Owner: "root:root", Content: string(taskJSON) + "\n"},
		{Path: BootstrapPath, Permissions: "0400", Owner: "root:root", Content: string(bootstrapJSON) + "\n"},
	}
	for _, f := range p.Files {
		if !strings.HasPrefix(f.Path, "/") {
			return "", fmt.Errorf("write_files path must be absolute: %q", f.Path)
		}
		if !permissionsPattern.MatchString(f.Permissions) {
			return "", fmt.Errorf("write_files permissions must be octal like 0644: %q", f.Permissions)
		}
		if f.Owner == "" {
			f.Owner = "root:root"
		}
		files = append(files, f)
	}

	doc := document{
		Users: []any{
			"default",
			adminUser{
				Name:              "admin",
				Groups:            []string{"wheel"},
				LockPasswd:        true,
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				Shell:             "/run/current-system/sw/bin/bash",
				SSHAuthorizedKeys: keys,
			},
		},
		WriteFiles: files,
		Runcmd: [][]string{
			{"systemctl", "start", "clf-cattle-bootstrap.service"},
			{"systemctl", "start", "clf-cattle-task.service"},
		},
	}
	if hostname != "" {
		preserve := false
		doc.Hostname = hostname
		doc.PreserveHostname = &preserve
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	out := "#cloud-config\n" + string(body)
	if len(out) > MaxUserDataBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(out), MaxUserDataBytes)
	}
	return out, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
