package actor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// browserNames are looked up on PATH, in order.
var browserNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

// browserPaths lists well-known install locations per platform.
var browserPaths = map[string][]string{
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

// lookPath and statFile are replaced in tests.
var (
	lookPath = exec.LookPath
	statFile = os.Stat
)

// FindBrowser returns the browser executable to drive. A configured path
// wins if it exists; otherwise PATH and the platform's install locations
// are searched.
func FindBrowser(configured string) (string, error) {
	if configured != "" {
		if _, err := statFile(configured); err != nil {
			return "", fmt.Errorf("configured browser %s: %w", configured, ErrNoBrowser)
		}
		return configured, nil
	}

	for _, name := range browserNames {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	for _, p := range browserPaths[runtime.GOOS] {
		if _, err := statFile(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNoBrowser
}

// localProcess is a bridge started on a loopback port.
type localProcess struct {
	url    string
	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex
	waitErr error

	stopOnce sync.Once
}

// startLocal launches the bridge command. The port and browser are passed
// through the environment as BRIDGE_PORT and BRIDGE_BROWSER.
func startLocal(log zerolog.Logger, command, browserPath string) (*localProcess, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty bridge command")
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate bridge port: %w", err)
	}

	out := log.With().Str("stream", "bridge").Logger()

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(),
		"BRIDGE_PORT="+strconv.Itoa(port),
		"BRIDGE_BROWSER="+browserPath,
	)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	p := &localProcess{
		url:    fmt.Sprintf("ws://127.0.0.1:%d/", port),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()

	log.Info().Int("pid", cmd.Process.Pid).Int("port", port).Msg("local bridge started")
	return p, nil
}

func (p *localProcess) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return errors.New("exited without error")
	}
	return p.waitErr
}

// stop kills the process and waits for it to exit.
func (p *localProcess) stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		_ = p.cmd.Process.Kill()
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
		}
	})
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
