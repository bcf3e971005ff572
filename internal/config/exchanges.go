package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidExchanges is wrapped by every exchange definition validation failure.
var ErrInvalidExchanges = errors.New("invalid exchange definitions")

// ExchangeDefinition describes one connector to create at startup.
type ExchangeDefinition struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// AcceptProbability defaults to 1 when omitted.
	AcceptProbability *float64 `yaml:"accept_probability"`
	// Enabled marks the connector for the controller's heartbeat from startup.
	Enabled    bool           `yaml:"enabled"`
	Parameters map[string]any `yaml:"parameters"`
}

// Probability returns the configured accept probability or 1.
func (d ExchangeDefinition) Probability() float64 {
	if d.AcceptProbability == nil {
		return 1
	}
	return *d.AcceptProbability
}

// ParamsJSON renders the parameters as the JSON document passed to Configure.
// Missing parameters yield nil.
func (d ExchangeDefinition) ParamsJSON() (json.RawMessage, error) {
	if len(d.Parameters) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d.Parameters)
	if err != nil {
		return nil, fmt.Errorf("exchange %s parameters: %w", d.Name, err)
	}
	return b, nil
}

type exchangesFile struct {
	Exchanges []ExchangeDefinition `yaml:"exchanges"`
}

// LoadExchanges reads exchange definitions from a YAML file.
func LoadExchanges(path string) ([]ExchangeDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read exchanges file: %w", err)
	}
	return ParseExchanges(data)
}

// ParseExchanges parses and validates exchange definitions. ${VAR} references
// are replaced with environment values before parsing.
func ParseExchanges(data []byte) ([]ExchangeDefinition, error) {
	content := substituteEnvVars(string(data))

	var f exchangesFile
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateExchanges(f.Exchanges); err != nil {
		return nil, err
	}
	return f.Exchanges, nil
}

func validateExchanges(defs []ExchangeDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("%w: exchange #%d has no name", ErrInvalidExchanges, i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: duplicate exchange name %q", ErrInvalidExchanges, d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Type == "" {
			return fmt.Errorf("%w: exchange %q has no type", ErrInvalidExchanges, d.Name)
		}
		if p := d.Probability(); p < 0 || p > 1 {
			return fmt.Errorf("%w: exchange %q accept_probability %v outside [0, 1]", ErrInvalidExchanges, d.Name, p)
		}
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// An unterminated reference is left as is.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start
		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
