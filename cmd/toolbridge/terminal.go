package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alexschlessinger/toolbridge/servers"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (

	// termenv output for consistent terminal styling
	output = termenv.NewOutput(os.Stdout)

	// Style helpers - initialized in initColors()
	highlightStyle termenv.Style
	errorStyle     termenv.Style
	successStyle   termenv.Style
	warnStyle      termenv.Style
	dimStyle       termenv.Style
	boldStyle      termenv.Style
)

// initColors initializes color styles based on terminal background
func initColors() {
	if termenv.HasDarkBackground() {
		highlightStyle = output.String().Foreground(output.Color("179")).Bold() // Muted yellow
		errorStyle = output.String().Foreground(output.Color("124"))            // Muted red
		successStyle = output.String().Foreground(output.Color("65"))           // Muted green
		warnStyle = output.String().Foreground(output.Color("172"))             // Amber
		dimStyle = output.String().Faint()
		boldStyle = output.String().Bold()
	} else {
		highlightStyle = output.String().Foreground(output.Color("136")).Bold() // Dark orange/brown
		errorStyle = output.String().Foreground(output.Color("160"))            // Dark red
		successStyle = output.String().Foreground(output.Color("28"))           // Dark green
		warnStyle = output.String().Foreground(output.Color("130"))             // Dark amber
		dimStyle = output.String().Foreground(output.Color("240"))
		boldStyle = output.String().Bold()
	}
}

// isTerminal checks if output is going to a terminal
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// styled applies a style only when writing to a terminal
func styled(s termenv.Style, text string) string {
	if !isTerminal() {
		return text
	}
	return s.Styled(text)
}

func stateStyle(s servers.State) termenv.Style {
	switch s {
	case servers.StateHealthy:
		return successStyle
	case servers.StateDegraded, servers.StateStarting, servers.StateConfiguring:
		return warnStyle
	case servers.StateStopped:
		return errorStyle
	default:
		return dimStyle
	}
}

// writeJSON pretty-prints for terminals and writes compact JSON for pipes
func writeJSON(w io.Writer, v any) error {
	var (
		data []byte
		err  error
	)
	if isTerminal() {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
