// Package ui provides the tbs CLI design system: styles, colors,
// symbols, and terminal-aware writers. All CLI visual output should use
// these definitions for consistency.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Brand

// BrandEmoji is the tbs brand logo.
const BrandEmoji = "⏰"

// Colors — ANSI 4-bit for maximum terminal compatibility.
// lipgloss/termenv handles degradation automatically.
var (
	ColorCyan  = lipgloss.Color("6")
	ColorGreen = lipgloss.Color("2")
	ColorRed   = lipgloss.Color("1")
)

// Semantic styles — the design system.
var (
	StyleBoldRed = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)

	// Status
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)

	// Hints
	StyleHint = lipgloss.NewStyle().Faint(true)
)

// Unicode status symbols — reliable across modern terminals.
const (
	SymbolCheck = "✓"
	SymbolCross = "✗"
	SymbolArrow = "→"
)

// Forced-ANSI renderer — used by backward-compatible color helpers (bold, cyan, etc.)
// where the caller already decided color=true. The default renderer auto-detects
// the terminal and strips ANSI in non-TTY (e.g., tests), but these helpers need
// to unconditionally produce escape codes when asked.
var (
	forcedRenderer     *lipgloss.Renderer
	forcedRendererOnce sync.Once
)

// ForcedRenderer returns a lipgloss renderer that always produces ANSI output,
// regardless of terminal detection. Use this when the caller has already
// determined that color is appropriate (e.g., the `color bool` parameter is true).
func ForcedRenderer() *lipgloss.Renderer {
	forcedRendererOnce.Do(func() {
		forcedRenderer = lipgloss.NewRenderer(os.Stderr)
		forcedRenderer.SetColorProfile(termenv.ANSI)
	})
	return forcedRenderer
}

// ColorEnabled returns whether stderr is a TTY that supports color.
// Respects NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
