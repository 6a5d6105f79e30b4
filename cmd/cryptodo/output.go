package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

func printSuccess(format string, args ...interface{}) {
	fmt.Fprintln(os.Stdout, color.GreenString("✓")+" "+fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintln(os.Stdout, color.CyanString("→")+" "+fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.YellowString("!")+" "+fmt.Sprintf(format, args...))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+fmt.Sprintf(format, args...))
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

// startSpinner shows progress on an interactive stderr. The returned stop
// function is always safe to call.
func startSpinner(msg string) func() {
	if jsonOutput || !isatty.IsTerminal(os.Stderr.Fd()) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + msg
	s.Start()
	return s.Stop
}
