package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	DataDir      string
	DBPath       string
	SessionsRoot string

	AgentCommand string
	AgentArgs    []string
	KillDelay    time.Duration
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("CUED_DATA_DIR", "data")
	return Config{
		HTTPAddr:     getEnv("CUED_HTTP_ADDR", ":8194"),
		DataDir:      dataDir,
		DBPath:       getEnv("CUED_DB_PATH", filepath.Join(dataDir, "cued.db")),
		SessionsRoot: getEnv("CUED_SESSIONS_ROOT", ""),

		AgentCommand: getEnv("CUED_AGENT_COMMAND", "claude"),
		AgentArgs:    splitArgs(getEnv("CUED_AGENT_ARGS", "-p")),
		KillDelay:    getDuration("CUED_KILL_DELAY", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitArgs(value string) []string {
	var out []string
	for _, part := range strings.Fields(value) {
		out = append(out, part)
	}
	return out
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
