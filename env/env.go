// Package env reads settings from command line flags, the process
// environment and dotenv files.
package env

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/agentuity/go-gateway/logger"
	"github.com/spf13/cobra"
)

// Line is one KEY=value entry of an env file.
type Line struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseFile parses an env file. A missing file yields no lines.
func ParseFile(filename string) ([]Line, error) {
	buf, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return []Line{}, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseBuffer(buf), nil
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseLine splits KEY=value, dropping an export prefix and surrounding quotes.
func ParseLine(line string) Line {
	line = strings.TrimPrefix(strings.TrimSpace(line), "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return Line{Key: strings.TrimSpace(line)}
	}
	return Line{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// ParseBuffer parses env file content. Values may reference earlier keys as
// ${KEY}, ${KEY:-default} or ${env:KEY}.
func ParseBuffer(buf []byte) []Line {
	var lines []Line
	known := make(map[string]string)
	for _, raw := range strings.Split(string(buf), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		l := ParseLine(raw)
		if l.Key == "" {
			continue
		}
		l.Val = Expand(l.Val, func(name string) (string, bool) {
			v, ok := known[name]
			return v, ok
		})
		known[l.Key] = l.Val
		lines = append(lines, l)
	}
	return lines
}

// Expand replaces ${NAME} and ${NAME:-default} using lookup, and ${env:NAME}
// using the process environment. Unresolved references without a default
// are left as written.
func Expand(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			out.WriteString(s)
			return out.String()
		}
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			out.WriteString(s)
			return out.String()
		}
		end += start
		out.WriteString(s[:start])
		ref := s[start : end+1]
		name, def, hasDefault := strings.Cut(s[start+2:end], ":-")

		var val string
		var ok bool
		if envName, isEnv := strings.CutPrefix(name, "env:"); isEnv {
			val, ok = os.LookupEnv(envName)
		} else if lookup != nil {
			val, ok = lookup(name)
		}
		switch {
		case name == "":
			out.WriteString(ref)
		case ok && val != "":
			out.WriteString(val)
		case hasDefault:
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		s = s[end+1:]
	}
}

// Load sets every key of an env file that is not already set in the process
// environment.
func Load(filename string) error {
	lines, err := ParseFile(filename)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, ok := os.LookupEnv(l.Key); ok {
			continue
		}
		if err := os.Setenv(l.Key, l.Val); err != nil {
			return err
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// BoolFlagOrEnv is FlagOrEnv for boolean flags. An explicitly set flag wins.
func BoolFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue bool) bool {
	if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
		v, _ := cmd.Flags().GetBool(flagName)
		return v
	}
	if val, ok := os.LookupEnv(envName); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

// LogLevel returns the level from --log-level, then GATEWAY_LOG_LEVEL, then info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"), logger.LevelInfo)
}

// NewLogger returns the logger selected by --log-format or GATEWAY_LOG_FORMAT:
// text (console), json, or zap.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	switch strings.ToLower(FlagOrEnv(cmd, "log-format", "GATEWAY_LOG_FORMAT", "text")) {
	case "json":
		return logger.NewJSONLogger(level)
	case "zap":
		return logger.NewZapLogger(level)
	default:
		return logger.NewConsoleLogger(level)
	}
}
