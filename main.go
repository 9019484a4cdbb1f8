// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("parley")

var (
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	setup     = flag.Bool("setup", false, "Prompt for settings before starting")
	tokenTTL  = flag.Duration("ttl", 30*24*time.Hour, "Token lifetime (0 = no expiry)")
	printOnly = flag.Bool("print", false, "token: print instead of writing the token file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dirArg := args[0], args[1]
	switch command {
	case "relay":
		runRelay(dirArg)
	case "client":
		runClient(dirArg)
	case "token":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: token command requires a user id")
			fmt.Fprintln(os.Stderr, "Usage: parley token <directory> <user>")
			os.Exit(1)
		}
		runToken(dirArg, args[2])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves the working directory and loads its config, creating the
// directory and a default config on first use. -setup edits the file first.
func loadDir(dirArg string, server bool) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}
	if err := config.LoadDotEnv(absDir); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}

	cfgPath := config.PathIn(absDir)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("CONFIG: created %s", cfgPath)
	}
	if *setup {
		base, err := config.LoadPartial(cfgPath)
		if err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		base = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, base, server)
		if err := config.Save(cfgPath, base); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		// Environment overrides are not persisted, but still apply to this run.
		if err := config.ApplyEnv(&base); err != nil {
			log.Fatalf("Invalid environment: %v", err)
		}
		cfg = base
	}

	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		log.Warnf("CONFIG: log level %q: %v", cfg.Log.Level, err)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runRelay(dirArg string) {
	dir, cfgPath, cfg := loadDir(dirArg, true)
	app.Banner(os.Stdout, "relay", dir, cfgPath)
	fmt.Printf("Listening on:   %s\n\n", cfg.Addr())

	ctx, cancel := signalContext()
	defer cancel()
	if err := app.RunRelay(ctx, dir, cfg); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func runClient(dirArg string) {
	dir, cfgPath, cfg := loadDir(dirArg, false)
	app.Banner(os.Stdout, "client", dir, cfgPath)
	fmt.Printf("Relay:          %s\n\n", cfg.Relay.WSURL)

	ctx, cancel := signalContext()
	defer cancel()
	if err := app.RunConsole(ctx, dir, cfg, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func runToken(dirArg, user string) {
	user = strings.TrimSpace(user)
	if _, err := util.ValidateID(user); err != nil {
		log.Fatalf("Invalid user: %v", err)
	}
	dir, _, cfg := loadDir(dirArg, true)
	tok, err := auth.Sign(cfg.Relay.JWTSecret, user, *tokenTTL)
	if err != nil {
		log.Fatalf("Sign token: %v", err)
	}
	if *printOnly {
		fmt.Println(tok)
		return
	}
	path := util.ResolvePath(dir, cfg.Identity.TokenFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Fatalf("Create token dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		log.Fatalf("Write token: %v", err)
	}
	fmt.Printf("Token for %s written to %s\n", user, path)
}

func showUsage() {
	fmt.Println("Parley - direct messages and calls over a relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley [options] relay <directory>         Run the relay server")
	fmt.Println("  parley [options] client <directory>        Run the console client")
	fmt.Println("  parley [options] token <directory> <user>  Issue a token for user")
	fmt.Println()
	fmt.Println("Each directory holds one parley.json (created on first use) and an")
	fmt.Println("optional .env. PARLEY_* environment variables override the file.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -setup    Prompt for settings before starting")
	fmt.Println("  -ttl      Token lifetime for the token command (default 720h)")
	fmt.Println("  -print    Print the token instead of writing the token file")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  PARLEY_RELAY_JWT_SECRET=s3cret parley relay ./relay")
	fmt.Println("  parley -print token ./relay alice")
	fmt.Println("  PARLEY_IDENTITY_TOKEN=<token> parley client ./alice")
}
