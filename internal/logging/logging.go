// Package logging provides the structured logger relaynet threads through
// Config and every core package. It keeps the teacher's Banner/Section
// presentation helpers but backs the actual log lines with zap instead of
// hand-rolled ANSI escapes.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development-friendly zap logger at the given level.
func New(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// Nop returns a logger that discards everything, used as the Config default
// so a fresh Config is usable without an explicit logger wired in.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Banner prints the application banner the teacher's pkg/logger used to draw
// at process start. It is decorative only and never goes through zap, same
// as the teacher's fmt.Printf-based original.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ██████╗ ███████╗██╗      █████╗ ██╗   ██╗███╗   ██╗███████╗████████╗
║   ██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝████╗  ██║██╔════╝╚══██╔══╝
║   ██████╔╝█████╗  ██║     ███████║ ╚████╔╝ ██╔██╗ ██║█████╗     ██║
║   ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝  ██║╚██╗██║██╔══╝     ██║
║   ██║  ██║███████╗███████╗██║  ██║   ██║   ██║ ╚████║███████╗   ██║
║   ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝   ╚═╝  ╚═══╝╚══════╝   ╚═╝
║                                                           ║
║              %-37s║
║                    Version %-7s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, title, version)
}

// Section prints a section header, matching the teacher's pkg/logger.Section.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-57s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}
