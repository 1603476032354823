// Package flasher wraps the external device tooling: mpremote for
// MicroPython targets, the PlatformIO CLI for Arduino-framework builds,
// serial device discovery, and the desktop-rooted file writer used by
// file edits. Everything here shells out; the narrow interfaces in the
// dispatch package keep the rest of the engine testable without
// hardware attached.
package flasher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/internal/config"
	"github.com/lumiagent/lumiagent/pkg/models"
)

const (
	probeTimeout   = 8 * time.Second
	flashTimeout   = 120 * time.Second
	buildTimeout   = 10 * time.Minute
	commandTimeout = 120 * time.Second
)

// Tool drives mpremote and the PlatformIO CLI.
type Tool struct {
	pioCmd string
}

// NewTool creates a flashing tool from config.
func NewTool(cfg config.FlashConfig) *Tool {
	return &Tool{pioCmd: cfg.PlatformIOCmd}
}

// FlashMicroPython copies a file batch to the device over mpremote,
// probing the REPL first so an unreachable board fails fast instead of
// half-copying.
func (t *Tool) FlashMicroPython(ctx context.Context, port string, files []models.FileOutput) ([]string, error) {
	var logs []string

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	out, err := runCmd(probeCtx, "mpremote", "connect", port, "exec", "print('ok')")
	cancel()
	if err != nil {
		logs = append(logs, out)
		return logs, models.NewError(models.ErrInvalidTarget,
			fmt.Sprintf("device on %s did not respond; check the cable and close other serial monitors", port))
	}
	logs = append(logs, fmt.Sprintf("device on %s responded", port))

	stage, err := os.MkdirTemp("", "lumi-flash-*")
	if err != nil {
		return logs, fmt.Errorf("staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	madeDirs := map[string]bool{}
	for _, f := range files {
		local := filepath.Join(stage, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return logs, fmt.Errorf("stage %s: %w", f.Path, err)
		}
		if err := os.WriteFile(local, []byte(f.Content), 0o644); err != nil {
			return logs, fmt.Errorf("stage %s: %w", f.Path, err)
		}

		// Nested device paths need their directories created first.
		for _, dir := range parentDirs(f.Path) {
			if madeDirs[dir] {
				continue
			}
			madeDirs[dir] = true
			mkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			_, _ = runCmd(mkCtx, "mpremote", "connect", port, "fs", "mkdir", ":"+dir)
			cancel()
		}

		cpCtx, cancel := context.WithTimeout(ctx, flashTimeout)
		out, err := runCmd(cpCtx, "mpremote", "connect", port, "fs", "cp", local, ":"+f.Path)
		cancel()
		if out != "" {
			logs = append(logs, out)
		}
		if err != nil {
			return logs, models.NewError(models.ErrUpstream,
				fmt.Sprintf("copy %s failed: %v", f.Path, err))
		}
		logs = append(logs, "copied "+f.Path)
	}

	// Soft reset so main.py starts running.
	rstCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	_, _ = runCmd(rstCtx, "mpremote", "connect", port, "reset")
	cancel()
	logs = append(logs, "device reset")
	return logs, nil
}

// FlashPlatformIO scaffolds a throwaway PlatformIO project around the
// generated main.cpp and runs build plus upload.
func (t *Tool) FlashPlatformIO(ctx context.Context, target models.Target, code string) ([]string, error) {
	var logs []string

	proj, err := os.MkdirTemp("", "lumi-pio-*")
	if err != nil {
		return logs, fmt.Errorf("project dir: %w", err)
	}
	defer os.RemoveAll(proj)

	ini := fmt.Sprintf("[env:%s]\nplatform = %s\nboard = %s\nframework = arduino\n",
		target.BoardID, target.Platform, target.BoardID)
	if err := os.WriteFile(filepath.Join(proj, "platformio.ini"), []byte(ini), 0o644); err != nil {
		return logs, fmt.Errorf("write platformio.ini: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(proj, "src"), 0o755); err != nil {
		return logs, fmt.Errorf("src dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(proj, "src", "main.cpp"), []byte(code), 0o644); err != nil {
		return logs, fmt.Errorf("write main.cpp: %w", err)
	}
	logs = append(logs, fmt.Sprintf("project scaffolded for board %s (platform %s)", target.BoardID, target.Platform))

	args := []string{"run", "-d", proj, "-t", "upload"}
	if target.Port != "" {
		args = append(args, "--upload-port", target.Port)
	}
	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	out, err := runCmd(buildCtx, t.pioCmd, args...)
	logs = append(logs, tailLines(out, 40)...)
	if err != nil {
		return logs, models.NewError(models.ErrUpstream,
			fmt.Sprintf("platformio upload failed: %v", err))
	}
	return logs, nil
}

// RunCommand executes one assistant-generated shell command with a
// bounded timeout and returns the combined output as log lines. Only
// commands whose first word is on the allow list reach the shell.
func (t *Tool) RunCommand(ctx context.Context, command string) ([]string, error) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return nil, models.NewError(models.ErrInvalidTarget, "command is empty")
	}
	if !commandAllowed(cmd) {
		return nil, models.NewError(models.ErrInvalidTarget,
			fmt.Sprintf("command refused, not in the allowed tool set: %.80s", cmd))
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := runCmd(runCtx, "sh", "-c", cmd)
	logs := tailLines(out, 60)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return logs, models.NewError(models.ErrTimeout, "command timed out")
		}
		return logs, models.NewError(models.ErrUpstream, fmt.Sprintf("command failed: %v", err))
	}
	return logs, nil
}

// allowedCommands is the set of first words an assistant-generated
// command may start with: dev tooling, file inspection, archive and
// network utilities, and read-only system info. No rm, no dd, no
// privilege escalation.
var allowedCommands = map[string]bool{
	"python": true, "python3": true, "pip": true, "pip3": true,
	"ls": true, "cat": true, "pwd": true, "echo": true, "head": true, "tail": true,
	"wc": true, "file": true, "stat": true, "du": true, "which": true, "find": true,
	"grep": true, "diff": true, "tree": true,
	"mkdir": true, "cp": true, "mv": true, "touch": true,
	"zip": true, "unzip": true, "tar": true,
	"curl": true, "wget": true,
	"npx": true, "node": true, "npm": true,
	"pio": true, "platformio": true, "mpremote": true,
	"make": true, "cmake": true, "cargo": true, "git": true,
	"uname": true, "whoami": true, "hostname": true, "date": true, "df": true,
	"ps": true, "top": true, "uptime": true, "env": true, "printenv": true,
	"free": true, "lscpu": true,
	"ping": true, "ip": true, "netstat": true, "nslookup": true, "dig": true,
	"ifconfig": true,
}

func commandAllowed(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	return allowedCommands[strings.ToLower(fields[0])]
}

// ToolStatus reports whether mpremote and the PlatformIO CLI are
// resolvable on PATH.
func (t *Tool) ToolStatus() (mpremoteOK, pioOK bool) {
	_, mpErr := exec.LookPath("mpremote")
	_, pioErr := exec.LookPath(t.pioCmd)
	return mpErr == nil, pioErr == nil
}

// ListPorts enumerates serial devices by scanning the usual device
// nodes. /dev/serial/by-id gives stable names with a usable
// description; the raw tty globs are the fallback.
func (t *Tool) ListPorts(ctx context.Context) ([]models.SerialDevice, error) {
	var devices []models.SerialDevice

	if entries, err := os.ReadDir("/dev/serial/by-id"); err == nil {
		for _, e := range entries {
			link := filepath.Join("/dev/serial/by-id", e.Name())
			resolved, err := filepath.EvalSymlinks(link)
			if err != nil {
				resolved = link
			}
			devices = append(devices, models.SerialDevice{
				Device:      resolved,
				Description: describeByID(e.Name()),
			})
		}
	}
	if len(devices) > 0 {
		sort.Slice(devices, func(i, j int) bool { return devices[i].Device < devices[j].Device })
		return devices, nil
	}

	for _, pattern := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/cu.usbserial*", "/dev/cu.usbmodem*"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			devices = append(devices, models.SerialDevice{Device: m, Description: "USB serial device"})
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Device < devices[j].Device })
	return devices, nil
}

func describeByID(name string) string {
	desc := strings.TrimPrefix(name, "usb-")
	desc = strings.ReplaceAll(desc, "_", " ")
	if i := strings.LastIndex(desc, "-if"); i > 0 {
		desc = desc[:i]
	}
	return desc
}

func parentDirs(p string) []string {
	var dirs []string
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		dirs = append(dirs, strings.Join(parts[:i], "/"))
	}
	return dirs
}

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		log.Debug().Str("cmd", name).Strs("args", args).Err(err).Msg("external tool failed")
	}
	return out, err
}

func tailLines(s string, n int) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
