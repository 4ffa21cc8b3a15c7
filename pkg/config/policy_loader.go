package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/govkernel/pkg/policy"
	"github.com/Mindburn-Labs/govkernel/pkg/sandbox"
)

// SupportedPolicyVersions is the range of policy file versions this build reads.
const SupportedPolicyVersions = ">= 1.0.0, < 2.0.0"

var ErrUnsupportedVersion = errors.New("unsupported policy version")

// Rate limiter kinds.
const (
	LimiterSlidingWindow = "sliding_window"
	LimiterTokenBucket   = "token_bucket"
	LimiterRedis         = "redis"
)

// KernelPolicy is the declarative policy file: quotas, sandbox rules and
// manifest rules for one kernel.
type KernelPolicy struct {
	Version      string             `yaml:"version" json:"version"`
	ShadowMode   bool               `yaml:"shadow_mode,omitempty" json:"shadow_mode,omitempty"`
	DefaultQuota *policy.QuotaSpec  `yaml:"default_quota,omitempty" json:"default_quota,omitempty"`
	Quotas       []policy.QuotaSpec `yaml:"quotas,omitempty" json:"quotas,omitempty"`
	Sandbox      *sandbox.Config    `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	Rules        []policy.Rule      `yaml:"rules,omitempty" json:"rules,omitempty"`
	RateLimiter  RateLimiterConfig  `yaml:"rate_limiter,omitempty" json:"rate_limiter,omitempty"`
}

// RateLimiterConfig selects the LimiterStore backing rate checks.
type RateLimiterConfig struct {
	Kind          string `yaml:"kind" json:"kind"` // "sliding_window" | "token_bucket" | "redis"
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// LoadPolicy reads and validates a policy YAML file.
func LoadPolicy(path string) (*KernelPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*KernelPolicy, error) {
	var p KernelPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the version gate and every quota and rule.
func (p *KernelPolicy) Validate() error {
	if err := checkVersion(p.Version); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Quotas))
	for i, q := range p.Quotas {
		if q.AgentID == "" {
			return fmt.Errorf("quotas[%d]: agent_id is required", i)
		}
		if seen[q.AgentID] {
			return fmt.Errorf("quotas[%d]: duplicate agent_id %q", i, q.AgentID)
		}
		seen[q.AgentID] = true
		if err := checkLimits(q); err != nil {
			return fmt.Errorf("quotas[%d]: %w", i, err)
		}
	}
	if p.DefaultQuota != nil {
		if err := checkLimits(*p.DefaultQuota); err != nil {
			return fmt.Errorf("default_quota: %w", err)
		}
	}
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}

	switch p.RateLimiter.Kind {
	case "", LimiterSlidingWindow, LimiterTokenBucket:
	case LimiterRedis:
		if p.RateLimiter.RedisAddr == "" {
			return fmt.Errorf("rate_limiter: redis_addr is required for kind redis")
		}
	default:
		return fmt.Errorf("rate_limiter: unknown kind %q", p.RateLimiter.Kind)
	}
	return nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version is required", ErrUnsupportedVersion)
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	c, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s (supported %s)", ErrUnsupportedVersion, ver, SupportedPolicyVersions)
	}
	return nil
}

func checkLimits(q policy.QuotaSpec) error {
	if q.MaxConcurrentExecutions < 0 || q.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	for _, a := range q.AllowedActions {
		if !a.Valid() {
			return fmt.Errorf("unknown action type %q", a)
		}
	}
	return nil
}

// SandboxConfig returns the policy's sandbox rules, or sandbox.DefaultConfig
// when the file has none.
func (p *KernelPolicy) SandboxConfig() sandbox.Config {
	if p == nil || p.Sandbox == nil {
		return sandbox.DefaultConfig()
	}
	return *p.Sandbox
}

// LoadAllPolicies loads every policy_*.yaml in dir, keyed by the name
// between "policy_" and ".yaml".
func LoadAllPolicies(dir string) (map[string]*KernelPolicy, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "policy_*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	out := make(map[string]*KernelPolicy, len(matches))
	for _, path := range matches {
		p, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "policy_"), ".yaml")
		out[name] = p
	}
	return out, nil
}
