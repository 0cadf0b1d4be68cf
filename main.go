package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"sql-proxy/internal/config"
	"sql-proxy/internal/service"
	"sql-proxy/internal/validate"
)

// Version is set at build time via ldflags
// Example: go build -ldflags "-X main.Version=1.0.0 -X main.BuildTime=2024-01-15T10:30:00Z"
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configPath         = flag.String("config", "config.yaml", "Path to configuration file")
	serviceName        = flag.String("service-name", "sql-proxy", "Service name (for multi-instance support)")
	daemon             = flag.Bool("daemon", false, "Run as background daemon/service (disables interactive output)")
	install            = flag.Bool("install", false, "Install as system service")
	uninstall          = flag.Bool("uninstall", false, "Uninstall system service")
	start              = flag.Bool("start", false, "Start the system service")
	stop               = flag.Bool("stop", false, "Stop the system service")
	restart            = flag.Bool("restart", false, "Restart the system service")
	status             = flag.Bool("status", false, "Show system service status")
	validateOnly       = flag.Bool("validate", false, "Validate configuration and exit")
	showVersion        = flag.Bool("version", false, "Print version and exit")
	port               = flag.Int("port", 0, "Override the REST/management listener port from the config file")
	mcpPort            = flag.Int("mcp-port", 0, "Override the MCP JSON-RPC listener port from the config file")
	logLevel           = flag.String("log-level", "", "Override the logging.level from the config file (debug, info, warn, error)")
	certFile           = flag.String("cert", "", "TLS certificate file (enables HTTPS, requires --key)")
	keyFile            = flag.String("key", "", "TLS private key file (enables HTTPS, requires --cert)")
	configService      = flag.Bool("config-service", false, "Require a bearer token on the management API (/_/...)")
	configServiceToken = flag.String("config-service-token", "", "Bearer token required when --config-service is set")
)

func main() {
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("sql-proxy version %s (built %s)\n", Version, BuildTime)
		return
	}

	// Handle service install/uninstall
	if *install {
		fmt.Printf("SQL Proxy Service %s\n", Version)
		exePath, err := os.Executable()
		if err != nil {
			log.Fatalf("Failed to get executable path: %v", err)
		}

		absConfigPath, err := filepath.Abs(*configPath)
		if err != nil {
			log.Fatalf("Failed to get absolute config path: %v", err)
		}

		if err := service.Install(*serviceName, exePath, absConfigPath); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		return
	}

	if *uninstall {
		fmt.Printf("SQL Proxy Service %s\n", Version)
		if err := service.Uninstall(*serviceName); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		return
	}

	if *start {
		if err := service.Start(*serviceName); err != nil {
			log.Fatalf("Failed to start service: %v", err)
		}
		return
	}

	if *stop {
		if err := service.Stop(*serviceName); err != nil {
			log.Fatalf("Failed to stop service: %v", err)
		}
		return
	}

	if *restart {
		if err := service.Restart(*serviceName); err != nil {
			log.Fatalf("Failed to restart service: %v", err)
		}
		return
	}

	if *status {
		st, err := service.Status(*serviceName)
		if err != nil {
			log.Fatalf("Failed to get service status: %v", err)
		}
		fmt.Printf("Service %s: %s\n", *serviceName, st)
		return
	}

	// Load configuration
	cfg, loadErrs, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	for _, e := range loadErrs {
		fmt.Fprintf(os.Stderr, "Configuration warning: %v\n", e)
	}

	// Set runtime info (not from config file)
	cfg.Server.Version = Version
	cfg.Server.BuildTime = BuildTime

	// CLI flags take precedence over the config file (spec.md §6.6).
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *mcpPort != 0 {
		cfg.Server.MCPPort = *mcpPort
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *certFile != "" || *keyFile != "" {
		cfg.Server.TLSCertFile = *certFile
		cfg.Server.TLSKeyFile = *keyFile
	}
	if *configService {
		if *configServiceToken == "" {
			fmt.Fprintln(os.Stderr, "--config-service requires --config-service-token")
			os.Exit(1)
		}
		cfg.Server.ManagementToken = *configServiceToken
	}

	// Handle validation mode
	if *validateOnly {
		result := validate.Run(cfg)
		printValidationResult(cfg, result)
		if result.Valid {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Interactive mode shows startup info
	interactive := !*daemon
	if interactive {
		fmt.Printf("SQL Proxy Service %s\n", Version)
		fmt.Printf("Loaded %d endpoints across %d connections\n", len(cfg.Endpoints), len(cfg.Connections))
	}

	// Set service name before running (needed for Windows service mode)
	service.SetServiceName(*serviceName)

	// Run the service
	if err := service.Run(cfg, interactive); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}

func printValidationResult(cfg *config.Config, result *validate.Result) {
	fmt.Println("SQL Proxy Configuration Validator")
	fmt.Println("==================================")
	fmt.Printf("Config file: %s\n\n", *configPath)

	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Connections: %d configured\n", len(cfg.Connections))
	for name, conn := range cfg.Connections {
		fmt.Printf("  - %s: driver=%s\n", name, conn.Driver())
	}
	fmt.Printf("Endpoints: %d configured\n", len(cfg.Endpoints))

	if len(cfg.Endpoints) > 0 {
		fmt.Println("\nEndpoints:")
		for _, ep := range cfg.Endpoints {
			if ep.Path != "" {
				fmt.Printf("  %s %s - %s\n", ep.Method, ep.Path, ep.Slug())
			}
			if ep.Cache != nil && ep.Cache.Schedule != "" {
				fmt.Printf("  [cache] %s - every %s\n", ep.Slug(), ep.Cache.Schedule)
			}
			if ep.MCPName != "" {
				fmt.Printf("  [mcp] %s - %s\n", ep.MCPName, ep.Slug())
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range result.Warnings {
			fmt.Printf("  [WARN] %s\n", w)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range result.Errors {
			fmt.Printf("  [ERROR] %s\n", e)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Configuration valid")
	} else {
		fmt.Println("Configuration invalid")
	}
}
