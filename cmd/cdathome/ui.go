package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const annotationBanner = "banner"

const mastheadText = `
    #     #           #     #                          #####  ######        #             #     #
    #  #  # ######    #     #   ##   #    # ######    #     # #     #      # #   #####    #     #  ####  #    # ######
    #  #  # #         #     #  #  #  #    # #         #       #     #     #   #    #      #     # #    # ##  ## #
    #  #  # #####     ####### #    # #    # #####     #       #     #    #     #   #      ####### #    # # ## # #####
    #  #  # #         #     # ###### #    # #         #       #     #    #######   #      #     # #    # #    # #
    #  #  # #         #     # #    #  #  #  #         #     # #     #    #     #   #      #     # #    # #    # #
     ## ##  ######    #     # #    #   ##   ######     #####  ######     #     #   #      #     #  ####  #    # ######
`

var (
	mastheadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	configStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	labelStyle    = lipgloss.NewStyle().Bold(true)
)

// ui renders styled text; every method degrades to plain text when color is off.
type ui struct {
	color bool
}

func (u ui) render(s lipgloss.Style, text string) string {
	if !u.color {
		return text
	}
	return s.Render(text)
}

func (u ui) masthead(w io.Writer) {
	_, _ = fmt.Fprintln(w, u.render(mastheadStyle, mastheadText))
}

func (u ui) errorf(format string, args ...any) string {
	return u.render(errorStyle, fmt.Sprintf(format, args...))
}

func (u ui) okf(format string, args ...any) string {
	return u.render(okStyle, fmt.Sprintf(format, args...))
}

func (u ui) label(s string) string { return u.render(labelStyle, s) }

// printJSON writes v as 4-space indented JSON in the config color.
func (u ui) printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		_, _ = fmt.Fprintln(w, u.errorf("encode: %v", err))
		return
	}
	_, _ = fmt.Fprintln(w, u.render(configStyle, string(b)))
}

// colorEnabled reports whether w is a terminal and NO_COLOR is unset.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
