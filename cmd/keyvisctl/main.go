// keyvisctl is the control CLI for keyvisd.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"keyvis/internal/config"
	"keyvis/internal/ipc"
	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket path (overrides config)")
	jsonOutput = flag.Bool("json", false, "print JSON instead of text")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "state":
		err = cmdState()
	case "remap":
		err = cmdRemap(args)
	case "permission":
		err = cmdPermission()
	case "legend":
		err = cmdLegend(args)
	case "watch":
		err = cmdWatch()
	case "ping":
		err = cmdPing()
	case "version":
		fmt.Println("keyvisctl", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "keyvisctl: %v\n", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Tip: enable [ipc] in the config and start the daemon with: keyvisd run")
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keyvisctl - Control utility for keyvisd

Usage: keyvisctl [options] <command> [args]

Commands:
  status [-metrics]      Show daemon status
  state                  Print the current key state
  remap on|off|toggle    Turn key remapping on or off
  permission             Re-check Accessibility permission now
  legend [code...]       Show key labels under the current layout
  watch                  Stream key state changes until interrupted
  ping                   Check that the daemon responds
  version                Print the version
  help                   Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path
  -json           Print JSON`)
}

func resolveSocket() string {
	if *socketPath != "" {
		return *socketPath
	}
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path != "" {
		if cfg, err := config.Load(path); err == nil && cfg.IPC.SocketPath != "" {
			return cfg.IPC.SocketPath
		}
	}
	return config.DefaultSocketPath()
}

func connect() (*ipc.IPCClient, error) {
	cfg := ipc.DefaultClientConfig(resolveSocket())
	cfg.ClientName = "keyvisctl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	withMetrics := fs.Bool("metrics", false, "include metrics")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(*withMetrics)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(status)
	}

	fmt.Println("=== keyvisd Status ===")
	fmt.Printf("  Version      %s\n", status.Version)
	fmt.Printf("  Started      %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Uptime       %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("  Clients      %d\n", status.Clients)
	fmt.Printf("  Subscribers  %d\n", status.Subscribers)
	fmt.Println()
	printState(status.State)

	if len(status.Metrics) > 0 {
		fmt.Println()
		fmt.Println("Metrics:")
		for _, k := range sortedKeys(status.Metrics) {
			fmt.Printf("  %-30s %v\n", k, status.Metrics[k])
		}
	}
	return nil
}

func cmdState() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.GetState()
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(state)
	}
	printState(state)
	return nil
}

func cmdRemap(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: keyvisctl remap on|off|toggle")
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
		enabled = false
	case "toggle":
		state, err := client.GetState()
		if err != nil {
			return err
		}
		enabled = !state.RemapEnabled
	default:
		return fmt.Errorf("invalid remap value %q", args[0])
	}

	state, err := client.SetRemap(enabled)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(state)
	}
	fmt.Printf("Remap: %s\n", onOff(state.RemapEnabled))
	return nil
}

func cmdPermission() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.CheckPermission()
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(state)
	}
	if state.HasPermission {
		fmt.Println("Accessibility permission: granted")
	} else {
		fmt.Println("Accessibility permission: NOT granted")
		fmt.Println("  Grant it in System Settings > Privacy & Security > Accessibility.")
	}
	return nil
}

func cmdLegend(args []string) error {
	codes := make([]keycode.Code, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 0, 8)
		if err != nil || n > uint64(keycode.MaxCode) {
			return fmt.Errorf("invalid key code %q", a)
		}
		codes = append(codes, keycode.Code(n))
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	legend, err := client.Legend(codes)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(legend)
	}

	fmt.Printf("%-6s %-12s %s\n", "CODE", "LABEL", "REMAPS TO")
	for _, e := range legend {
		fmt.Printf("%-6d %-12s %s\n", e.Code, e.Label, e.Target)
	}
	return nil
}

func cmdPing() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		return err
	}
	fmt.Printf("keyvisd %s responded in %s\n", client.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdWatch() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()
	defer reportDropped(client)

	resp, err := client.Subscribe(nil, 0)
	if err != nil {
		return err
	}
	if !*jsonOutput {
		printState(resp.State)
		fmt.Println()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// The event channel stays open when the connection drops.
	alive := time.NewTicker(time.Second)
	defer alive.Stop()

	for {
		select {
		case <-sigs:
			return client.Unsubscribe()

		case <-alive.C:
			if !client.IsConnected() {
				return ipc.ErrConnectionLost
			}

		case ev, ok := <-client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if err := printEvent(ev); err != nil {
				return err
			}
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

// reportDropped notes events the client discarded because this process
// read them too slowly.
func reportDropped(client *ipc.IPCClient) {
	if n := client.DroppedEvents(); n > 0 {
		fmt.Fprintf(os.Stderr, "keyvisctl: %d events dropped (output too slow)\n", n)
	}
}

func printEvent(ev *ipc.Event) error {
	if *jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(ev)
	}

	ts := ev.Timestamp.Format("15:04:05.000")
	switch ev.Type {
	case ipc.EventState:
		se, err := ev.StateEvent()
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %-22s keys=%s remap=%s permission=%t layout=%q\n",
			ts, strings.Join(se.Changes, ","),
			strings.Join(se.State.PressedKeys, "+"),
			onOff(se.State.RemapEnabled), se.State.HasPermission, se.State.LayoutName)
	case ipc.EventConfigChanged:
		fmt.Printf("[%s] config reloaded\n", ts)
	case ipc.EventDaemonShutdown:
		fmt.Printf("[%s] daemon shutting down\n", ts)
	}
	return nil
}

func printState(s *keystate.Snapshot) {
	if s == nil {
		fmt.Println("  (no state)")
		return
	}
	keys := "(none)"
	if len(s.PressedKeys) > 0 {
		keys = strings.Join(s.PressedKeys, " + ")
	}
	layout := s.LayoutName
	if layout == "" {
		layout = "(unknown)"
	}
	fmt.Printf("  Permission   %s\n", grantedText(s.HasPermission))
	fmt.Printf("  Event tap    %s\n", s.Tap)
	fmt.Printf("  Layout       %s\n", layout)
	fmt.Printf("  Remap        %s\n", onOff(s.RemapEnabled))
	fmt.Printf("  Pressed      %s\n", keys)
}

func grantedText(b bool) string {
	if b {
		return "granted"
	}
	return "not granted"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
