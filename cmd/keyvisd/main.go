// keyvisd - keyboard interception and remap daemon
//
//	keyvisd run              Run the daemon (default)
//	keyvisd config print     Print the effective configuration
//	keyvisd config check     Validate the configuration file
//	keyvisd config path      Print the configuration file path
//	keyvisd version          Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyvis/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = usage
	flag.Parse()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var err error
	switch cmd {
	case "run":
		err = cmdRun(*configPath)
	case "config":
		err = cmdConfig(*configPath, flag.Args()[min(1, flag.NArg()):])
	case "version":
		fmt.Println("keyvisd", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "keyvisd: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keyvisd - Keyboard interception and remap daemon

USAGE:
    keyvisd [-config <path>] <command>

COMMANDS:
    run             Run the daemon in the foreground (default)
    config print    Print the effective configuration [toml|json|yaml]
    config check    Validate the configuration file
    config path     Print the configuration file path
    version         Print the version
    help            Show this help message

The daemon needs Accessibility permission (System Settings > Privacy &
Security > Accessibility). Until it is granted, keys pass through
untouched and no state is published.

ENVIRONMENT:
    KEYVIS_CONFIG            Config file path
    KEYVIS_REMAP_ENABLED     Override remap.enabled
    KEYVIS_LOG_LEVEL         Override logging.level
    KEYVIS_IPC_ENABLED       Override ipc.enabled
    KEYVIS_WEB_ENABLED       Override web.enabled`)
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := config.FindConfigFile(); path != "" {
		return path
	}
	return config.ConfigPath()
}

func cmdRun(configPath string) error {
	loader := config.NewLoader(resolveConfigPath(configPath))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}

	d, err := newDaemon(loader, cfg)
	if err != nil {
		return err
	}
	defer d.log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.run(ctx)
}

func cmdConfig(configPath string, args []string) error {
	action := "print"
	if len(args) > 0 {
		action = args[0]
	}
	path := resolveConfigPath(configPath)

	switch action {
	case "path":
		fmt.Println(path)
		return nil

	case "check":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: ok\n", path)
		return nil

	case "print":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		format := "toml"
		if len(args) > 1 {
			format = args[1]
		}
		return cfg.Encode(os.Stdout, format)

	default:
		return fmt.Errorf("unknown config action %q (want print, check or path)", action)
	}
}
