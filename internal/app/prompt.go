// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/parley/internal/config"
)

// PromptInteractive walks through the settings a fresh working directory
// needs. Empty answers keep the current value. An invalid result falls back
// to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config, server bool) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Parley interactive setup")
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	if server {
		cfg.Relay.Bind = askString(in, w, "Bind address", cfg.Relay.Bind)
		cfg.Relay.Port = askInt(in, w, "Port", cfg.Relay.Port)
		cfg.Relay.JWTSecret = askString(in, w, "JWT secret", cfg.Relay.JWTSecret)
		cfg.Relay.RedisURL = askString(in, w, "Redis URL (empty=in-process)", cfg.Relay.RedisURL)
	} else {
		cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
		cfg.Relay.WSURL = askString(in, w, "Relay websocket URL", cfg.Relay.WSURL)
		cfg.Relay.HTTPURL = askString(in, w, "Relay HTTP URL", cfg.Relay.HTTPURL)
		cfg.Client.MediaEnabled = askBool(in, w, "Enable call media", cfg.Client.MediaEnabled)
		cfg.Client.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Client.RingTimeoutSec)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
