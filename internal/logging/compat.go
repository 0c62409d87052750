package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// PrintfAdapter satisfies Println/Printf style logger interfaces of third-party
// clients (the Telegram bot API logger in particular) and routes each line
// through slog at debug level under the given component.
type PrintfAdapter struct {
	component string
}

// NewPrintfAdapter returns an adapter that logs under component.
func NewPrintfAdapter(component string) *PrintfAdapter {
	return &PrintfAdapter{component: component}
}

func (p *PrintfAdapter) Println(v ...interface{}) {
	p.emit(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (p *PrintfAdapter) Printf(format string, v ...interface{}) {
	p.emit(fmt.Sprintf(format, v...))
}

func (p *PrintfAdapter) emit(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	ForComponent(p.component).Debug("library_log", slog.String("line", msg))
}
