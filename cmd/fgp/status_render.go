package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"fgp/internal/lifecycle"
	"fgp/internal/monitor"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func phaseKind(phase lifecycle.State) statusKind {
	switch phase {
	case lifecycle.Running:
		return statusOK
	case lifecycle.Starting, lifecycle.Stopping:
		return statusInfo
	case lifecycle.Failed:
		return statusError
	default:
		return statusWarn
	}
}

func healthKind(h monitor.Health) statusKind {
	switch h {
	case monitor.Healthy:
		return statusOK
	case monitor.Degraded:
		return statusWarn
	default:
		return statusError
	}
}

func healthStatusKind(status string) statusKind {
	switch status {
	case "healthy":
		return statusOK
	case "degraded":
		return statusWarn
	default:
		return statusError
	}
}

// serviceStatusLines renders one line per service plus a summary line.
func serviceStatusLines(statuses []monitor.ServiceStatus, colorize bool) []string {
	lines := make([]string, 0, len(statuses)+1)
	summary := monitor.Summarize(statuses)
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	lines = append(lines, renderStatusLine("Summary", healthKind(summary),
		fmt.Sprintf("%s (%d/%d running)", summary, running, len(statuses)), colorize))
	for _, st := range statuses {
		detail := st.Phase.String()
		if st.Running && st.PID > 0 {
			detail = fmt.Sprintf("%s (pid %d)", detail, st.PID)
		}
		if st.LastError != "" {
			detail += ": " + st.LastError
		}
		lines = append(lines, renderStatusLine(displayName(st.Name), phaseKind(st.Phase), detail, colorize))
	}
	return lines
}
