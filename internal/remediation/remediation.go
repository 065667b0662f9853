// Package remediation lets operators repair failed POSTs with external scripts. A script
// receives the failure context on stdin and may answer with a modified request body and
// additional requests to send before the original is retried.
package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds one script execution
const DefaultTimeout = 30 * time.Second

// FailureContext describes the request that failed
type FailureContext struct {
	ResourcePath     string `json:"resource"`
	ResourceURL      string `json:"resourceUrl"`
	Method           string `json:"method"`
	StatusCode       int    `json:"statusCode"`
	RequestBody      string `json:"requestBody"`
	ResponseBody     string `json:"responseBody"`
	SourceConnection string `json:"sourceConnectionName"`
	TargetConnection string `json:"targetConnectionName"`
}

// Request is a supplementary request the script asks to run before the retry
type Request struct {
	// Resource is the resource path to POST to, for example /ed-fi/students
	Resource string          `json:"resource"`
	Body     json.RawMessage `json:"body"`
}

// Remediation is a script's answer
type Remediation struct {
	ModifiedRequestBody json.RawMessage `json:"modifiedRequestBody,omitempty"`
	AdditionalRequests  []Request       `json:"additionalRequests,omitempty"`
}

// IsEmpty reports whether the remediation changes nothing
func (r *Remediation) IsEmpty() bool {
	return r == nil || (len(r.ModifiedRequestBody) == 0 && len(r.AdditionalRequests) == 0)
}

// Hook remediates failed requests
type Hook interface {
	// Handles reports whether a remediation is registered for the resource and status
	Handles(resourcePath string, statusCode int) bool

	// Remediate asks for a remediation. A nil result means none was found.
	Remediate(ctx context.Context, failure FailureContext) (*Remediation, error)
}

// Rule registers a script for one resource and status
type Rule struct {
	// Resource is the resource path or short name the rule applies to
	Resource string `yaml:"resource" json:"resource"`

	// Status is the HTTP status the rule applies to. Zero matches any failure.
	Status int `yaml:"status" json:"status"`

	// Command is the executable and its arguments
	Command []string `yaml:"command" json:"command"`
}

func (r Rule) matches(resourcePath string, statusCode int) bool {
	if r.Status != 0 && r.Status != statusCode {
		return false
	}
	resource := strings.ToLower(r.Resource)
	path := strings.ToLower(resourcePath)
	if strings.Contains(resource, "/") {
		return resource == path
	}
	return strings.HasSuffix(path, "/"+resource)
}

// ScriptHook runs external commands to remediate failures
type ScriptHook struct {
	rules   []Rule
	timeout time.Duration
}

var _ Hook = (*ScriptHook)(nil)

// Option configures a ScriptHook
type Option func(*ScriptHook)

// WithTimeout bounds each script execution
func WithTimeout(timeout time.Duration) Option {
	return func(h *ScriptHook) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// ValidateRules checks that every rule names a resource and a command
func ValidateRules(rules []Rule) error {
	for i, rule := range rules {
		if rule.Resource == "" {
			return fmt.Errorf("remediation rule %d: resource is required", i)
		}
		if len(rule.Command) == 0 {
			return fmt.Errorf("remediation rule %d (%s): command is required", i, rule.Resource)
		}
	}
	return nil
}

// NewScriptHook creates a hook for the given rules
func NewScriptHook(rules []Rule, opts ...Option) (*ScriptHook, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	h := &ScriptHook{rules: rules, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handles implements Hook
func (h *ScriptHook) Handles(resourcePath string, statusCode int) bool {
	_, ok := h.rule(resourcePath, statusCode)
	return ok
}

func (h *ScriptHook) rule(resourcePath string, statusCode int) (Rule, bool) {
	for _, rule := range h.rules {
		if rule.matches(resourcePath, statusCode) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Remediate implements Hook
func (h *ScriptHook) Remediate(ctx context.Context, failure FailureContext) (*Remediation, error) {
	rule, ok := h.rule(failure.ResourcePath, failure.StatusCode)
	if !ok {
		return nil, nil
	}

	input, err := json.Marshal(failure)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// #nosec G204 -- commands come from the operator's configuration
	cmd := exec.CommandContext(ctx, rule.Command[0], rule.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("remediation script for %s exited with code %d: %s",
				failure.ResourcePath, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run remediation script for %s: %w", failure.ResourcePath, err)
	}

	output := bytes.TrimSpace(stdout.Bytes())
	if len(output) == 0 {
		return nil, nil
	}

	var remediation Remediation
	if err := json.Unmarshal(output, &remediation); err != nil {
		return nil, fmt.Errorf("failed to decode remediation for %s: %w", failure.ResourcePath, err)
	}
	if remediation.IsEmpty() {
		return nil, nil
	}

	slog.Debug("Remediation found",
		"resource", failure.ResourcePath,
		"status", failure.StatusCode,
		"additional_requests", len(remediation.AdditionalRequests),
		"modified_body", len(remediation.ModifiedRequestBody) > 0)
	return &remediation, nil
}
