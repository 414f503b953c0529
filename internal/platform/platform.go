// Package platform is the boundary to the host environment: window focus,
// dialogs, notifications and opening links.
package platform

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// FileFilter restricts a file dialog to the given extensions.
type FileFilter struct {
	Name       string
	Extensions []string
}

// Notification is a system notification. OnClick may be nil.
type Notification struct {
	Title   string
	Body    string
	Icon    string
	OnClick func()
}

// Platform is everything the stores need from the host.
type Platform interface {
	IsFocused() bool
	Focus()
	OpenExternal(url string) error
	ShowErrorBox(title, content string)
	// ShowOpenDialog returns the selected file contents; ok is false when
	// the user cancelled.
	ShowOpenDialog(filters []FileFilter) (data []byte, ok bool, err error)
	// ShowSaveDialog returns a writer for the chosen file, or nil when the
	// user cancelled.
	ShowSaveDialog(filters []FileFilter, defaultName string) (io.WriteCloser, error)
	Notify(n Notification)
	WindowBreakpoint() bool
}

// Terminal implements Platform for a command-line session. Dialog paths
// come from Prompt (typically stdin), error boxes go to Err and
// notifications are logged. The terminal never has window focus, so
// notifications are always delivered.
type Terminal struct {
	Err    io.Writer
	Prompt *bufio.Reader

	// OpenPath and SavePath answer the next dialog without prompting.
	OpenPath string
	SavePath string

	mu      sync.Mutex
	focused bool
}

// NewTerminal returns a terminal platform reading answers from stdin.
func NewTerminal() *Terminal {
	return &Terminal{Err: os.Stderr, Prompt: bufio.NewReader(os.Stdin)}
}

func (t *Terminal) IsFocused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// Focus marks the session as focused until the next notification.
func (t *Terminal) Focus() {
	t.mu.Lock()
	t.focused = true
	t.mu.Unlock()
}

// OpenExternal opens url with the desktop's default handler.
func (t *Terminal) OpenExternal(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	go cmd.Wait()
	return nil
}

func (t *Terminal) ShowErrorBox(title, content string) {
	fmt.Fprintf(t.Err, "Error: %s\n", title)
	if content != "" {
		fmt.Fprintln(t.Err, content)
	}
}

func (t *Terminal) ShowOpenDialog(filters []FileFilter) ([]byte, bool, error) {
	path := t.OpenPath
	t.OpenPath = ""
	if path == "" {
		path = t.ask("Open file", filters)
	}
	if path == "" {
		return nil, false, nil
	}
	if !matches(filters, path) {
		return nil, false, fmt.Errorf("%s does not match %s", path, describe(filters))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, true, nil
}

func (t *Terminal) ShowSaveDialog(filters []FileFilter, defaultName string) (io.WriteCloser, error) {
	path := t.SavePath
	t.SavePath = ""
	if path == "" {
		path = t.ask("Save as ["+defaultName+"]", filters)
		if path == "" {
			path = defaultName
		}
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (t *Terminal) Notify(n Notification) {
	t.mu.Lock()
	t.focused = false
	t.mu.Unlock()
	log.Printf("[notify] %s: %s", n.Title, n.Body)
}

// WindowBreakpoint reports whether the layout is wide enough for the side
// menu. A terminal is always treated as wide.
func (t *Terminal) WindowBreakpoint() bool {
	return true
}

func (t *Terminal) ask(label string, filters []FileFilter) string {
	if t.Prompt == nil {
		return ""
	}
	fmt.Fprintf(t.Err, "%s (%s): ", label, describe(filters))
	line, _ := t.Prompt.ReadString('\n')
	return strings.TrimSpace(line)
}

func describe(filters []FileFilter) string {
	var parts []string
	for _, f := range filters {
		parts = append(parts, fmt.Sprintf("%s *.%s", f.Name, strings.Join(f.Extensions, " *.")))
	}
	return strings.Join(parts, ", ")
}

func matches(filters []FileFilter, path string) bool {
	if len(filters) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, f := range filters {
		for _, e := range f.Extensions {
			if e == "*" || e == ext {
				return true
			}
		}
	}
	return false
}
