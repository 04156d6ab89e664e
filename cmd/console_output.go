package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ConsoleWriter renders zerolog's JSON events as short colored lines
type ConsoleWriter struct {
	out     io.Writer
	verbose bool
	color   colorstring.Colorize
	buffer  strings.Builder
	lock    sync.Mutex
}

// NewConsoleWriter writes to out. verbose adds every event field below the message.
func NewConsoleWriter(out io.Writer, verbose, color bool) *ConsoleWriter {
	return &ConsoleWriter{
		out:     out,
		verbose: verbose,
		color: colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: !color,
			Reset:   true,
		},
	}
}

var levelColors = map[string]string{
	"panic": "[red]",
	"fatal": "[red]",
	"error": "[red]",
	"warn":  "[yellow]",
	"debug": "[blue]",
	"trace": "[blue]",
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(p))
	decoder.UseNumber()
	if err := decoder.Decode(&evt); err != nil {
		return 0, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	level, _ := evt["level"].(string)
	color, ok := levelColors[level]
	if !ok {
		color = "[green]"
	}

	w.buffer.Reset()
	w.buffer.WriteString(color)
	if task, ok := evt["task"].(string); ok {
		w.buffer.WriteString(task + ": ")
	}
	if level == "error" {
		w.buffer.WriteString("Error: ")
	}
	if isCmd, _ := evt["command"].(bool); isCmd {
		w.buffer.WriteString("$ ")
	}

	msg, _ := evt["message"].(string)
	if path, ok := evt["path"].(string); ok {
		if rel, err := filepath.Rel(".", path); err == nil {
			msg = strings.ReplaceAll(msg, path, rel)
		}
	}
	w.buffer.WriteString(msg)

	if details, ok := evt["error"].(string); ok {
		w.buffer.WriteString("\n" + details)
	}

	if w.verbose {
		w.buffer.WriteString("\n")
		w.writeFields(evt)
	}

	w.buffer.WriteString("[reset]\n")
	if _, err := io.WriteString(w.out, w.color.Color(w.buffer.String())); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *ConsoleWriter) writeFields(evt map[string]interface{}) {
	names := make([]string, 0, len(evt))
	for name := range evt {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(&w.buffer, "  %s: %+v\n", name, evt[name])
	}
}

// newLogger returns the logger for the console or, with jsonOutput, a plain JSON lines logger
func newLogger(out io.Writer, level zerolog.Level, jsonOutput, color bool) zerolog.Logger {
	debug := level <= zerolog.DebugLevel
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, debug)
	}

	if jsonOutput {
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(NewConsoleWriter(out, debug, color)).Level(level)
}
