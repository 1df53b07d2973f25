package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

const shellPrompt = "impactor> "

// shell is the interactive front end. It also answers login prompts, so
// one-shot commands share its terminal handling.
type shell struct {
	rl *readline.Instance
}

func newShell() (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          shellPrompt,
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("login"),
			readline.PcItem("accounts"),
			readline.PcItem("select"),
			readline.PcItem("remove"),
			readline.PcItem("teams"),
			readline.PcItem("team"),
			readline.PcItem("check"),
			readline.PcItem("certs"),
			readline.PcItem("registered"),
			readline.PcItem("devices"),
			readline.PcItem("use"),
			readline.PcItem("pair"),
			readline.PcItem("apps"),
			readline.PcItem("install"),
			readline.PcItem("pairing-file"),
			readline.PcItem("scan"),
			readline.PcItem("log"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &shell{rl: rl}, nil
}

// Stdout returns a writer that coordinates with the input line.
func (s *shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that coordinates with the input line.
func (s *shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Close restores the terminal.
func (s *shell) Close() error {
	return s.rl.Close()
}

// Prompt reads one line with a temporary prompt.
func (s *shell) Prompt(prompt string) (string, error) {
	s.rl.SetPrompt(prompt)
	defer s.rl.SetPrompt(shellPrompt)
	line, err := s.rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Password reads a line without echo.
func (s *shell) Password(prompt string) (string, error) {
	pw, err := s.rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// Run reads and executes commands until quit, EOF or ctx ends.
func (s *shell) Run(ctx context.Context, cancel context.CancelFunc, app *App) {
	app.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		err = app.Exec(ctx, args)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		case errors.Is(err, errUsage):
			fmt.Fprintf(s.rl.Stdout(), "Usage: %s\n", strings.TrimPrefix(err.Error(), errUsage.Error()+": "))
		default:
			fmt.Fprintf(s.rl.Stdout(), "Error: %s\n", describe(err))
		}
	}
}
