// Package repl is the terminal front end: a line-editing prompt with a
// calculator mode and an AI chat mode.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/comigor/calcai/internal/calculator"
	"github.com/comigor/calcai/internal/chat"
	"github.com/comigor/calcai/internal/logger"
)

type Mode int

const (
	ModeCalc Mode = iota
	ModeAI
)

func (m Mode) prompt() string {
	if m == ModeAI {
		return "ai> "
	}
	return "calc> "
}

const helpText = `Calculator mode: type an expression and press enter.
AI mode: ask a math question in plain language.

  :calc          switch to calculator mode
  :ai            switch to AI mode
  :history       list recent calculations
  :recall N      restore calculation N from the list
  :del           delete the last character of the expression
  :clear         clear the expression and result
  :clearhistory  forget recent calculations
  :help          show this help
  :quit          exit`

// REPL ties a calculator session and a conversation to a terminal.
type REPL struct {
	calc   *calculator.Session
	conv   *chat.Conversation
	render *chat.TerminalRenderer
	out    io.Writer
	mode   Mode
}

// New returns a REPL writing to out. render may be nil, in which case replies
// are printed as plain Markdown.
func New(calc *calculator.Session, conv *chat.Conversation, render *chat.TerminalRenderer, out io.Writer) *REPL {
	return &REPL{calc: calc, conv: conv, render: render, out: out}
}

// Mode returns the current input mode.
func (r *REPL) Mode() Mode { return r.mode }

// Handle processes one input line. It returns false when the user asked to
// quit.
func (r *REPL) Handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if strings.HasPrefix(line, ":") {
		return r.command(line)
	}
	if r.mode == ModeAI {
		r.ask(ctx, line)
	} else {
		r.evaluate(line)
	}
	return true
}

func (r *REPL) command(line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case ":quit", ":q", ":exit":
		return false
	case ":help", ":h":
		fmt.Fprintln(r.out, helpText)
	case ":ai":
		r.mode = ModeAI
		fmt.Fprintln(r.out, r.renderText(r.conv.Messages()[0].Text))
	case ":calc":
		r.mode = ModeCalc
	case ":history":
		r.printHistory()
	case ":recall":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: :recall N")
			break
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintln(r.out, "usage: :recall N")
			break
		}
		if _, ok := r.calc.Recall(n - 1); !ok {
			fmt.Fprintf(r.out, "no calculation %d\n", n)
			break
		}
		r.printDisplay()
	case ":del":
		r.calc.DeleteLast()
		r.printDisplay()
	case ":clear":
		r.calc.Clear()
	case ":clearhistory":
		r.calc.ClearHistory()
	default:
		fmt.Fprintf(r.out, "unknown command %s (type :help)\n", fields[0])
	}
	return true
}

func (r *REPL) evaluate(line string) {
	r.calc.Clear()
	r.calc.Append(line)
	out := r.calc.Evaluate()
	fmt.Fprintf(r.out, "= %s\n", out.Result)
}

func (r *REPL) ask(ctx context.Context, query string) {
	fmt.Fprintln(r.out, "Thinking...")
	msg, err := r.conv.Send(ctx, query)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintln(r.out, r.renderText(msg.Text))
}

func (r *REPL) renderText(text string) string {
	return strings.TrimRight(r.render.Render(text), "\n")
}

func (r *REPL) printDisplay() {
	st := r.calc.State()
	if st.Result != "" {
		fmt.Fprintf(r.out, "%s = %s\n", st.Expression, st.Result)
		return
	}
	fmt.Fprintln(r.out, st.Expression)
}

func (r *REPL) printHistory() {
	h := r.calc.History()
	if len(h) == 0 {
		fmt.Fprintln(r.out, "No history yet")
		return
	}
	for i, e := range h {
		fmt.Fprintf(r.out, "%2d. %s = %s\n", i+1, e.Expression, e.Result)
	}
}

// Run reads lines until :quit, Ctrl+C or Ctrl+D. Input history is loaded from
// and saved to historyFile when it is not empty.
func (r *REPL) Run(ctx context.Context, historyFile string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer saveHistory(line, historyFile)
	}

	fmt.Fprintln(r.out, "calcai: type :help for commands")
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt(r.mode.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		if !r.Handle(ctx, input) {
			return nil
		}
	}
}

func saveHistory(line *liner.State, path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		logger.L.Warn("failed to save input history", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		logger.L.Warn("failed to save input history", "path", path, "error", err)
	}
}
