package cntr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// UserMessenger surfaces operator-facing hints (cwd fallbacks, ambiguity
// notes) without touching the user command's stdio contract: messages go to
// stderr, dimmed, and always to the log.
type UserMessenger interface {
	Message(ctx context.Context, msg string)
}

type terminalMessenger struct {
	writer io.Writer
}

func NewTerminalMessenger(writer io.Writer) UserMessenger {
	return &terminalMessenger{writer: writer}
}

func (tm *terminalMessenger) Message(ctx context.Context, msg string) {
	slog.WarnContext(ctx, "userMsg", "msg", msg)
	if tm.writer == nil {
		return
	}
	fmt.Fprintln(tm.writer, "\033[90mcntr: "+msg+"\033[0m")
}

type nullMessenger struct{}

func NewNullMessenger() UserMessenger {
	return &nullMessenger{}
}

func (nm *nullMessenger) Message(ctx context.Context, msg string) {
	slog.DebugContext(ctx, "userMsg (null messenger)", "msg", msg)
}
