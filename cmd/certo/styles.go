package main

import "github.com/charmbracelet/lipgloss"

// Outcome glyphs carry meaning without relying on color alone.
const (
	glyphPassed       = "✓"
	glyphFailed       = "✗"
	glyphInconclusive = "?"
	glyphNotReached   = "○"
	glyphInfo         = "ℹ"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)

	passStyle         = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle         = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	inconclusiveStyle = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle          = lipgloss.NewStyle().Foreground(colorDim)
)

func outcomeGlyph(outcome string) string {
	switch outcome {
	case "passed":
		return passStyle.Render(glyphPassed)
	case "failed":
		return failStyle.Render(glyphFailed)
	case "inconclusive":
		return inconclusiveStyle.Render(glyphInconclusive)
	case "not_reached":
		return dimStyle.Render(glyphNotReached)
	}
	return dimStyle.Render(outcome)
}

func statusLine(status string) string {
	switch status {
	case "passed":
		return passStyle.Render("PASSED")
	case "failed":
		return failStyle.Render("FAILED")
	case "aborted":
		return inconclusiveStyle.Render("ABORTED")
	}
	return status
}
