// Package dispatch routes finished artifacts to their destination:
// MicroPython code to a serial device, PlatformIO projects through the
// build-and-upload toolchain, and file edits to disk. It owns target
// resolution, including the last-known-port fallback, but leaves
// session bookkeeping to its caller.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// Flasher pushes artifacts onto hardware. Implemented by the mpremote
// and PlatformIO runners in the flasher package.
type Flasher interface {
	FlashMicroPython(ctx context.Context, port string, files []models.FileOutput) ([]string, error)
	FlashPlatformIO(ctx context.Context, target models.Target, code string) ([]string, error)
}

// PortLister enumerates attached serial devices.
type PortLister interface {
	ListPorts(ctx context.Context) ([]models.SerialDevice, error)
}

// FileWriter applies a file edit to disk. Returns the resolved absolute
// path it wrote.
type FileWriter interface {
	Write(path, content string) (string, error)
}

// Request is one dispatch: an artifact plus where it should go.
// FallbackPort is the session's last-known port, used when the target
// names none.
type Request struct {
	Mode         string
	Target       models.Target
	Code         string
	Files        []models.FileOutput
	FallbackPort string
}

// Dispatcher routes artifacts to flashers and writers. defaultBoard
// and defaultPlatform back-fill PlatformIO targets that name neither.
type Dispatcher struct {
	flasher         Flasher
	ports           PortLister
	writer          FileWriter
	defaultBoard    string
	defaultPlatform string
}

// New creates a dispatcher.
func New(flasher Flasher, ports PortLister, writer FileWriter) *Dispatcher {
	return &Dispatcher{flasher: flasher, ports: ports, writer: writer}
}

// WithDefaults sets the fallback PlatformIO board and platform, used
// when neither the request nor the session names them.
func (d *Dispatcher) WithDefaults(board, platform string) *Dispatcher {
	d.defaultBoard = board
	d.defaultPlatform = platform
	return d
}

// Dispatch performs one flash/apply. Always returns a non-nil result;
// failures are carried in result.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *models.DispatchResult {
	switch req.Mode {
	case models.ModeMicroPython:
		return d.flashMicroPython(ctx, req)
	case models.ModePlatformIO:
		return d.flashPlatformIO(ctx, req)
	case models.ModeFileEdit, models.ModeCreateFile:
		return d.applyFiles(req)
	default:
		return &models.DispatchResult{
			Err: models.NewError(models.ErrInvalidTarget,
				fmt.Sprintf("mode %q has no dispatch target", req.Mode)),
		}
	}
}

func (d *Dispatcher) flashMicroPython(ctx context.Context, req Request) *models.DispatchResult {
	result := &models.DispatchResult{}

	port, portLogs := d.resolvePort(ctx, req)
	result.Logs = append(result.Logs, portLogs...)
	if port == "" {
		result.Err = models.NewError(models.ErrInvalidTarget,
			"no serial port available; connect a device or select a port")
		return result
	}
	result.Port = port

	files := req.Files
	if len(files) == 0 {
		if strings.TrimSpace(req.Code) == "" {
			result.Err = models.NewError(models.ErrInvalidTarget, "nothing to flash")
			return result
		}
		files = []models.FileOutput{{Path: "main.py", Content: req.Code}}
	}

	logs, err := d.flasher.FlashMicroPython(ctx, port, files)
	result.Logs = append(result.Logs, logs...)
	if err != nil {
		result.Err = models.AsError(err)
		return result
	}
	result.OK = true
	result.Logs = append(result.Logs, fmt.Sprintf("flashed %d file(s) to %s", len(files), port))
	log.Info().Str("port", port).Int("files", len(files)).Msg("micropython flash complete")
	return result
}

func (d *Dispatcher) flashPlatformIO(ctx context.Context, req Request) *models.DispatchResult {
	result := &models.DispatchResult{}

	if strings.TrimSpace(req.Code) == "" {
		result.Err = models.NewError(models.ErrInvalidTarget, "nothing to build")
		return result
	}

	target := req.Target
	if target.BoardID == "" {
		target.BoardID = d.defaultBoard
	}
	if target.Platform == "" {
		target.Platform = d.defaultPlatform
	}
	if target.BoardID == "" {
		result.Err = models.NewError(models.ErrInvalidTarget,
			"no board selected; pick a board before uploading")
		return result
	}
	if target.Port == "" {
		port, portLogs := d.resolvePort(ctx, req)
		result.Logs = append(result.Logs, portLogs...)
		target.Port = port
	}
	result.Port = target.Port

	logs, err := d.flasher.FlashPlatformIO(ctx, target, req.Code)
	result.Logs = append(result.Logs, logs...)
	if err != nil {
		result.Err = models.AsError(err)
		return result
	}
	result.OK = true
	log.Info().Str("board", target.BoardID).Str("port", target.Port).Msg("platformio upload complete")
	return result
}

func (d *Dispatcher) applyFiles(req Request) *models.DispatchResult {
	result := &models.DispatchResult{}

	files := req.Files
	if len(files) == 0 && req.Target.Path != "" {
		files = []models.FileOutput{{Path: req.Target.Path, Content: req.Code}}
	}
	if len(files) == 0 {
		result.Err = models.NewError(models.ErrInvalidTarget, "no file path to write")
		return result
	}

	var failed int
	for _, f := range files {
		abs, err := d.writer.Write(f.Path, f.Content)
		if err != nil {
			failed++
			result.Logs = append(result.Logs, fmt.Sprintf("write %s: %v", f.Path, err))
			continue
		}
		result.Logs = append(result.Logs, fmt.Sprintf("wrote %s", abs))
	}
	if failed == len(files) {
		result.Err = models.NewError(models.ErrInvalidTarget, "all file writes failed", result.Logs...)
		return result
	}
	result.OK = true
	return result
}

// resolvePort picks the serial port for a flash: the explicit target
// port, else the session's last-known port, else the first detected
// device that looks like a USB serial adapter.
func (d *Dispatcher) resolvePort(ctx context.Context, req Request) (string, []string) {
	if req.Target.Port != "" {
		return req.Target.Port, nil
	}
	if req.FallbackPort != "" {
		return req.FallbackPort, []string{fmt.Sprintf("no port given; falling back to last used port %s", req.FallbackPort)}
	}
	devices, err := d.ports.ListPorts(ctx)
	if err != nil || len(devices) == 0 {
		return "", nil
	}
	for _, dev := range devices {
		desc := strings.ToUpper(dev.Description)
		if strings.Contains(desc, "USB") || strings.Contains(desc, "UART") ||
			strings.Contains(desc, "CH340") || strings.Contains(desc, "CP210") {
			return dev.Device, []string{fmt.Sprintf("auto-detected serial port %s (%s)", dev.Device, dev.Description)}
		}
	}
	return devices[0].Device, []string{fmt.Sprintf("auto-detected serial port %s", devices[0].Device)}
}
