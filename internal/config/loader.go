package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path on top of DefaultConfig and validates it.
// A relative auth.capabilitiesFile is resolved against the file's directory.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if f := cfg.Auth.CapabilitiesFile; f != "" && !filepath.IsAbs(f) {
		cfg.Auth.CapabilitiesFile = filepath.Join(filepath.Dir(absPath), f)
	}
	return cfg, nil
}

// Parse substitutes environment variables in data, decodes it over the
// defaults and validates the result. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(SubstituteEnvVars(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SubstituteEnvVars expands ${VAR} and ${VAR:-default}. An unset VAR without
// a default expands to "". "$$" yields a literal "$" and any other "$" is
// kept as is, so bcrypt hashes and similar values survive untouched.
func SubstituteEnvVars(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	for i := 0; i < len(content); i++ {
		c := content[i]
		if c != '$' || i+1 >= len(content) {
			b.WriteByte(c)
			continue
		}

		switch content[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(content[i+2:], '}')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			b.WriteString(lookupEnv(content[i+2 : i+2+end]))
			i += end + 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func lookupEnv(expr string) string {
	name, fallback, _ := strings.Cut(expr, ":-")
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}
