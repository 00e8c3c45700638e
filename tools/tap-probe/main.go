// Command tap-probe is a manual testing tool for the event tap and remap
// engine.
//
// It checks accessibility permission, runs the interceptor in the
// foreground and prints every key state change plus per-second counters
// until interrupted with Ctrl+C.
//
// Usage:
//
//	go build -o tap-probe ./tools/tap-probe
//	./tap-probe -remap
//
// Requirements:
//   - macOS
//   - Accessibility permission granted to Terminal (or this binary) in
//     System Settings > Privacy & Security > Accessibility
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keyvis/internal/interceptor"
	"keyvis/internal/keystate"
	"keyvis/internal/layout"
	"keyvis/internal/logging"
	"keyvis/internal/mainloop"
	"keyvis/internal/metrics"
	"keyvis/internal/permission"
	"keyvis/internal/remap"
	"keyvis/internal/tap"
)

func main() {
	remapOn := flag.Bool("remap", false, "start with remapping enabled")
	prompt := flag.Bool("prompt", true, "ask for accessibility permission if missing")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	fmt.Println("Event Tap Probe")
	fmt.Println("===============")
	fmt.Println()

	trust := permission.NewSystemTrust()
	fmt.Print("Checking accessibility permission... ")
	if trust.IsTrusted(*prompt) {
		fmt.Println("OK")
	} else {
		fmt.Println("DENIED")
		fmt.Println()
		fmt.Println("Accessibility permission is required for the event tap.")
		fmt.Println("Grant access in System Settings > Privacy & Security > Accessibility,")
		fmt.Println("then keep this program running: the tap installs as soon as it is trusted.")
		fmt.Println()
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	log, err := logging.New(&logging.Config{Level: level, Output: "stderr", Component: "tap-probe"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	source, err := layout.NewSystemSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "layout source: %v\n", err)
		os.Exit(1)
	}
	layouts := layout.NewResolver(source)
	defer layouts.Close()
	focus := permission.NewSystemFocus()
	defer focus.Close()

	m := metrics.NewKeyvisMetrics(metrics.NewRegistry("keyvis", ""))
	engine := interceptor.New(interceptor.Options{
		Installer: tap.NewSystemInstaller(),
		Gate:      permission.NewGate(trust, false),
		Focus:     focus,
		Layouts:   layouts,
		Remap:     remap.New(*remapOn),
		Logger:    log,
		Metrics:   m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	go report(ctx, engine, m)

	fmt.Printf("Remap: %t. Press keys to see state changes. Ctrl+C to stop.\n\n", *remapOn)

	mainloop.Run(ctx)

	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "interceptor: %v\n", err)
	}

	fmt.Println()
	fmt.Println("Final Statistics")
	fmt.Println("----------------")
	for _, line := range []struct {
		name  string
		value uint64
	}{
		{"Events seen", m.EventsTotal.Value()},
		{"Substitutions", m.SubstitutionsTotal.Value()},
		{"Synthesized modifiers", m.ModifiersTotal.Value()},
		{"Dropped updates", m.DroppedUpdates.Value()},
		{"Build fallbacks", m.BuildFallbacks.Value()},
		{"Tap installs", m.TapInstalls.Value()},
		{"Tap install failures", m.TapInstallFailures.Value()},
		{"Tap system disables", m.TapSystemDisables.Value()},
	} {
		fmt.Printf("%-22s %d\n", line.name+":", line.value)
	}
	fmt.Printf("%-22s %.1fµs\n", "Mean callback:", m.CallbackLatency.Mean()*1e6)
}

// report prints state changes as they arrive and a rate line once per
// second while keys are moving.
func report(ctx context.Context, engine *interceptor.Interceptor, m *metrics.KeyvisMetrics) {
	sub := engine.Subscribe(64)
	defer engine.Unsubscribe(sub)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-sub.C:
			if !ok {
				return
			}
			printUpdate(time.Since(start), u)

		case <-ticker.C:
			total := m.EventsTotal.Value()
			if delta := total - last; delta > 0 {
				fmt.Printf("%11s | %d events (+%d), %d substituted\n",
					time.Since(start).Truncate(time.Second), total, delta, m.SubstitutionsTotal.Value())
			}
			last = total
		}
	}
}

func printUpdate(at time.Duration, u keystate.Update) {
	s := u.Snapshot
	var parts []string
	if u.Changes.Has(keystate.ChangeKeys) {
		keys := strings.Join(s.PressedKeys, " + ")
		if keys == "" {
			keys = "(none)"
		}
		parts = append(parts, "keys="+keys)
	}
	if u.Changes.Has(keystate.ChangePermission) {
		parts = append(parts, fmt.Sprintf("permission=%t", s.HasPermission))
	}
	if u.Changes.Has(keystate.ChangeLayout) {
		parts = append(parts, fmt.Sprintf("layout=%q", s.LayoutName))
	}
	if u.Changes.Has(keystate.ChangeRemap) {
		parts = append(parts, fmt.Sprintf("remap=%t", s.RemapEnabled))
	}
	if u.Changes.Has(keystate.ChangeTap) {
		parts = append(parts, "tap="+string(s.Tap))
	}
	fmt.Printf("%11s | %s\n", at.Truncate(time.Millisecond), strings.Join(parts, " "))
}
