package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harunnryd/mnemo/internal/conversation"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	"charm.land/lipgloss/v2"
)

// Styles colours the terminal output of the REPL.
type Styles struct {
	Assistant lipgloss.Style
	Notice    lipgloss.Style
	Error     lipgloss.Style
	Prompt    lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true),
		Notice:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// REPL is the interactive chat loop. Each line is one turn; Interrupt cancels the turn in
// flight without leaving the loop.
type REPL struct {
	components *Components
	commands   *CommandHandler
	in         *bufio.Reader
	out        io.Writer
	styles     Styles

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

func NewREPL(c *Components, in io.Reader, out io.Writer) *REPL {
	return &REPL{
		components: c,
		commands:   NewCommandHandler(c),
		in:         bufio.NewReader(in),
		out:        out,
		styles:     DefaultStyles(),
	}
}

// Interrupt cancels the running turn and reports whether there was one.
func (r *REPL) Interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelTurn == nil {
		return false
	}
	r.cancelTurn()
	r.cancelTurn = nil
	return true
}

func (r *REPL) Start() error {
	name := r.components.Config.Persona.AssistantName
	fmt.Fprintln(r.out, r.styles.Notice.Render(fmt.Sprintf("Chatting with %s. Type /help for commands, /exit to quit.", name)))

	if r.components.Config.Context.EnableAssistantGreeting {
		r.runTurn(func(ctx context.Context, emit func(string) error) error {
			res, err := r.components.Greeting.Greet(ctx, r.components.UserID, emit)
			if err == nil && res == nil {
				return errNoOutput
			}
			return err
		})
	}

	lines := r.readLines()
	for {
		fmt.Fprint(r.out, r.styles.Prompt.Render("> "))

		var line string
		select {
		case <-r.components.Ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case in, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			if in.err != nil {
				return in.err
			}
			line = in.text
		}

		text := strings.TrimSpace(line)
		switch {
		case text == "":
			continue
		case text == "/exit":
			return nil
		case r.commands.CanHandle(text):
			if out := r.commands.Execute(r.components.Ctx, text); out != "" {
				fmt.Fprintln(r.out, out)
			}
		default:
			r.runTurn(func(ctx context.Context, emit func(string) error) error {
				_, err := r.components.Processor.ProcessMessage(ctx, conversation.TurnRequest{
					UserID: r.components.UserID,
					Role:   message.RoleUser,
					Text:   text,
				}, emit)
				return err
			})
		}
	}
}

var errNoOutput = errors.New("no output")

type inputLine struct {
	text string
	err  error
}

// readLines reads input in the background so that the loop can also watch for shutdown. The
// channel is closed on EOF.
func (r *REPL) readLines() <-chan inputLine {
	ch := make(chan inputLine)
	go func() {
		defer close(ch)
		for {
			text, err := r.in.ReadString('\n')
			if err != nil && text == "" {
				if !errors.Is(err, io.EOF) {
					ch <- inputLine{err: err}
				}
				return
			}
			ch <- inputLine{text: text}
		}
	}()
	return ch
}

func (r *REPL) runTurn(fn func(ctx context.Context, emit func(string) error) error) {
	ctx, cancel := context.WithCancel(r.components.Ctx)
	r.mu.Lock()
	r.cancelTurn = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelTurn = nil
		r.mu.Unlock()
		cancel()
	}()

	started := false
	emit := func(s string) error {
		if !started {
			started = true
			fmt.Fprint(r.out, r.styles.Assistant.Render(r.components.Config.Persona.AssistantName+": "))
		}
		_, err := io.WriteString(r.out, s)
		return err
	}

	err := fn(ctx, emit)
	if started {
		fmt.Fprintln(r.out)
	}
	switch {
	case err == nil, errors.Is(err, errNoOutput):
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.out, r.styles.Notice.Render("(interrupted, nothing was saved)"))
	case mnemoErrors.IsFatalForTurn(err):
		fmt.Fprintln(r.out, r.styles.Error.Render("Turn failed: "+err.Error()))
	default:
		fmt.Fprintln(r.out, r.styles.Error.Render("Error: "+err.Error()))
	}
}
