package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/tool"
)

// TerminalObserver prints a notice line for every tool the assistant runs.
type TerminalObserver struct {
	Out    io.Writer
	Styles Styles
}

var _ tool.Observer = (*TerminalObserver)(nil)

func (o *TerminalObserver) BeforeInvoke(_ context.Context, call message.ToolCall) {
	fmt.Fprintln(o.Out, o.Styles.Notice.Render(fmt.Sprintf("[tool] %s %s", call.FunctionName, string(call.Arguments))))
}

func (o *TerminalObserver) AfterInvoke(_ context.Context, call message.ToolCall, _ string, err error) {
	if err != nil {
		fmt.Fprintln(o.Out, o.Styles.Error.Render(fmt.Sprintf("[tool] %s failed: %v", call.FunctionName, err)))
	}
}
