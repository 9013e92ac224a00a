package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/divijg19/pulse/internal/config"
)

var (
	runtimeConfig     config.Config
	runtimeConfigErr  error
	runtimeConfigOnce sync.Once
)

// loadRuntimeConfig loads config once per process.
func loadRuntimeConfig() (config.Config, error) {
	runtimeConfigOnce.Do(func() {
		runtimeConfig, runtimeConfigErr = config.Load()
	})
	return runtimeConfig, runtimeConfigErr
}

// printConfig renders the current configuration to stdout.
func printConfig(cfg config.Config) int {
	path, pathErr := config.ConfigPath()
	if pathErr == nil {
		fmt.Fprintf(stdout, "Config file: %s\n\n", path)
	}

	fmt.Fprintln(stdout, "Current configuration")
	fmt.Fprintf(stdout, "User: %s\n", cfg.User)
	if cfg.Timezone == "" {
		fmt.Fprintln(stdout, "Timezone: (local)")
	} else {
		fmt.Fprintf(stdout, "Timezone: %s\n", cfg.Timezone)
	}
	if cfg.Remote.URL == "" {
		fmt.Fprintln(stdout, "Remote: (offline)")
	} else {
		fmt.Fprintf(stdout, "Remote: %s (timeout %s)\n", cfg.Remote.URL, cfg.RemoteTimeout())
	}

	policy, err := cfg.Policy()
	if err != nil {
		fmt.Fprintf(stdout, "Schedule: invalid (%v)\n", err)
		return 0
	}
	fmt.Fprintf(stdout, "Morning window: %s\n", policy.MorningWindow)
	fmt.Fprintf(stdout, "Evening window: %s\n", policy.EveningWindow)
	fmt.Fprintf(stdout, "Tired interval: %s\n", policy.TiredInterval)
	fmt.Fprintf(stdout, "Emergency interval: %s\n", policy.EmergencyInterval)
	fmt.Fprintf(stdout, "Escalation: after %d unanswered, %s later\n", policy.EscalationSilenceThreshold, policy.EscalationDelay)
	return 0
}

// promptValue asks for a value on stdin when none was given.
func promptValue(label, value string) (string, error) {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	fmt.Fprintf(stdout, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// configureTimezone validates and sets the IANA zone used for the daily windows.
func configureTimezone(cfg config.Config, value string) (config.Config, int) {
	zone, err := promptValue("Timezone (e.g. Europe/Berlin, empty for local)", value)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return cfg, 1
	}
	if zone != "" {
		if _, err := time.LoadLocation(zone); err != nil {
			fmt.Fprintln(stderr, "config: invalid timezone")
			return cfg, 2
		}
	}
	cfg.Timezone = zone
	return cfg, 0
}

// configureRemote sets the authority base URL. "off" disables it.
func configureRemote(cfg config.Config, value string) (config.Config, int) {
	url, err := promptValue("Remote authority URL (off to disable)", value)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return cfg, 1
	}
	if url == "off" || url == "" {
		cfg.Remote.URL = ""
		return cfg, 0
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		fmt.Fprintln(stderr, "config: remote must be an http(s) URL")
		return cfg, 2
	}
	cfg.Remote.URL = url
	return cfg, 0
}

// configureUser sets the user id events are recorded under.
func configureUser(cfg config.Config, value string) (config.Config, int) {
	user, err := promptValue("User id", value)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return cfg, 1
	}
	if user == "" || strings.ContainsAny(user, "/ ") {
		fmt.Fprintln(stderr, "config: invalid user id")
		return cfg, 2
	}
	cfg.User = user
	return cfg, 0
}

// cmdConfigure handles `pulse config`.
func cmdConfigure(args []string) int {
	cfg, cfgErr := loadRuntimeConfig()
	if cfgErr != nil {
		fmt.Fprintf(stderr, "config: %v\n", cfgErr)
	}

	if len(args) == 0 {
		return printConfig(cfg)
	}

	// Edit the file contents only so environment overrides are never persisted.
	path, err := config.ConfigPath()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	cfg, err = config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	setters := map[string]func(config.Config, string) (config.Config, int){
		"timezone": configureTimezone,
		"remote":   configureRemote,
		"user":     configureUser,
	}

	for i := 0; i < len(args); i++ {
		name := strings.TrimPrefix(args[i], "--")
		set, ok := setters[name]
		if !ok {
			fmt.Fprintf(stderr, "config: unknown argument %s\n", args[i])
			return 2
		}
		value := ""
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			value = args[i+1]
			i++
		}
		var code int
		cfg, code = set(cfg, value)
		if code != 0 {
			return code
		}
	}

	if err := config.SaveFile(path, cfg); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	return printConfig(cfg)
}
