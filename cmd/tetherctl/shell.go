package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/kballard/go-shellquote"
)

var errExit = errors.New("exit")

// runShell reads commands until EOF or "exit". Each line runs through a
// fresh command tree so flag values do not leak between lines.
func runShell(c *ctl) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tetherctl> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &shellCompleter{ctl: c},
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "tetherctl connected to %s\n", c.addr)
	fmt.Fprintln(c.out, "Type 'help' for commands")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := c.dispatch(line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func (c *ctl) dispatch(line string) error {
	args, err := shellquote.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "exit", "quit":
		return errExit
	}
	cmd := root(c, true)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tetherctl_history")
}

// shellCompleter completes the first word of a shell line.
type shellCompleter struct {
	ctl *ctl
}

func (sc *shellCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	if strings.ContainsAny(text, " \t") {
		return nil, 0
	}
	return completeWord(sc.commands(), text), len([]rune(text))
}

func (sc *shellCompleter) commands() []string {
	names := []string{"exit", "help", "quit"}
	for _, sub := range root(sc.ctl, true).Commands() {
		names = append(names, sub.Name())
	}
	sort.Strings(names)
	return names
}

// completeWord returns the suffixes of candidates that start with prefix.
func completeWord(candidates []string, prefix string) [][]rune {
	var out [][]rune
	for _, c := range candidates {
		if strings.HasPrefix(c, prefix) {
			out = append(out, []rune(c[len(prefix):]+" "))
		}
	}
	return out
}
