package clip

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

// Clipboard abstracts the system clipboard. Implementations must be safe
// for concurrent use.
type Clipboard interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, content []byte) error
}

// commandSet names the external tools used to reach the system clipboard
// on one platform.
type commandSet struct {
	read  []string
	write []string
}

// candidates lists tool sets in preference order per platform. Shelling
// out avoids cgo and display-server linkage; the poller absorbs the
// extra latency.
func candidates() []commandSet {
	switch runtime.GOOS {
	case "darwin":
		return []commandSet{
			{read: []string{"pbpaste"}, write: []string{"pbcopy"}},
		}
	case "windows":
		return []commandSet{
			{
				read:  []string{"powershell", "-NoProfile", "-Command", "Get-Clipboard -Raw"},
				write: []string{"powershell", "-NoProfile", "-Command", "Set-Clipboard -Value ([Console]::In.ReadToEnd())"},
			},
		}
	default:
		return []commandSet{
			{read: []string{"wl-paste", "--no-newline"}, write: []string{"wl-copy"}},
			{read: []string{"xclip", "-selection", "clipboard", "-o"}, write: []string{"xclip", "-selection", "clipboard", "-i"}},
			{read: []string{"xsel", "--clipboard", "--output"}, write: []string{"xsel", "--clipboard", "--input"}},
		}
	}
}

// System is a Clipboard backed by the platform's clipboard tool
// (pbpaste/pbcopy, wl-clipboard, xclip, xsel, or PowerShell).
type System struct {
	cmds commandSet
}

// NewSystem probes for an available clipboard tool and returns a System
// clipboard using it.
func NewSystem() (*System, error) {
	for _, cs := range candidates() {
		if _, err := exec.LookPath(cs.read[0]); err != nil {
			continue
		}

		return &System{cmds: cs}, nil
	}

	return nil, fmt.Errorf("no clipboard tool found for %s", runtime.GOOS)
}

func (s *System) Read(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.cmds.read[0], s.cmds.read[1:]...)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("reading clipboard via %s: %w", s.cmds.read[0], err)
	}

	return out, nil
}

func (s *System) Write(ctx context.Context, content []byte) error {
	cmd := exec.CommandContext(ctx, s.cmds.write[0], s.cmds.write[1:]...)
	cmd.Stdin = bytes.NewReader(content)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("writing clipboard via %s: %w", s.cmds.write[0], err)
	}

	return nil
}

// Memory is an in-process Clipboard for tests and headless operation.
type Memory struct {
	mu      sync.Mutex
	content []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.content))
	copy(out, m.content)

	return out, nil
}

func (m *Memory) Write(_ context.Context, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.content = make([]byte, len(content))
	copy(m.content, content)

	return nil
}
