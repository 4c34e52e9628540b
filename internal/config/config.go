// Package config loads the proxy's two small runtime configs — one per
// binary role — and the YAML rule file consumed by internal/rules.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/postalsys/muti-metroo/internal/rules"
	"gopkg.in/yaml.v3"
)

// LogConfig controls internal/logging's handler selection.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"` // text|json, default text
}

// ClientConfig is the client role's configuration: accept SOCKS4/5/HTTP
// CONNECT on Listen, route per RuleFile, and tunnel Proxy verdicts to
// RemoteHost:RemotePort (optionally under TLS).
type ClientConfig struct {
	Listen     string
	TLS        bool
	CertPath   string
	RemoteHost string
	RemotePort int
	RuleFile   string
	Log        LogConfig
}

// ServerConfig is the server role's configuration: accept SOCKS4/5/HTTP
// CONNECT on Listen (optionally under TLS) and always dial the requested
// destination directly.
type ServerConfig struct {
	Listen   string
	TLS      bool
	CertPath string
	KeyPath  string
	Log      LogConfig
}

// ruleFileDocument is the top-level shape of a rule YAML file: a single
// `rules:` key holding "KIND,PATTERN,VERDICT" strings.
type ruleFileDocument struct {
	Rules []string `yaml:"rules"`
}

// LoadRuleFile reads and parses a rule file into the Rule values consumed
// by rules.Load. Lines naming an unrecognised kind are silently skipped, as
// documented by the rule engine; a malformed line or an invalid verdict
// token is a hard load error.
func LoadRuleFile(path string) ([]rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rule file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var doc ruleFileDocument
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("config: parse rule file: %w", err)
	}

	var out []rules.Rule
	for _, line := range doc.Rules {
		rule, known, err := rules.ParseRule(line)
		if err != nil {
			return nil, fmt.Errorf("config: rule %q: %w", line, err)
		}
		if !known {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// envVarRegex matches ${VAR} or $VAR references in the rule file, letting a
// deployment point at a GeoIP/CIDR path or host fed through the
// environment rather than hard-coding it.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if v, ok := os.LookupEnv(varName); ok {
				return v
			}
			return defaultVal
		}
		return os.Getenv(name)
	})
}
