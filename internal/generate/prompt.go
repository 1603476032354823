package generate

import (
	"fmt"
	"strings"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// buildMessages assembles the provider-agnostic prompt for a request:
// system framing for the mode, optional hardware/file context, the
// truncated conversation window, then the user instruction.
func buildMessages(req models.GenerationRequest) []models.ChatMessage {
	msgs := []models.ChatMessage{{Role: "system", Content: systemPrompt(req)}}

	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	msgs = append(msgs, history...)

	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.Instruction})
	return msgs
}

// historyWindow caps how many prior turns are forwarded upstream.
const historyWindow = 10

func systemPrompt(req models.GenerationRequest) string {
	switch req.Mode {
	case models.ModeMicroPython:
		return micropythonPrompt(req)
	case models.ModePlatformIO:
		return platformioPrompt(req)
	case models.ModeTerminal:
		return terminalPrompt
	case models.ModeFileEdit:
		return fileEditPrompt(req)
	case models.ModePlan:
		return planPrompt
	case models.ModeTodo:
		return todoPrompt
	case models.ModeCreateFile:
		return createFilePrompt
	case models.ModeCodeComplete:
		return codeCompletePrompt(req)
	case models.ModeCodeOptimize:
		return codeOptimizePrompt(req)
	default:
		return assistantPrompt
	}
}

func micropythonPrompt(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are a senior embedded / MicroPython engineer.\n")
	b.WriteString("Target platform: ESP8266 running MicroPython firmware.\n")
	if req.MultiFile {
		b.WriteString("Output a MULTI-FILE project. Use EXACTLY this format for each file (no other text):\n")
		b.WriteString("---FILE: relative/path/on/device.py---\n(full file content)\n")
		b.WriteString("Must include main.py as the entry point. Paths are relative to device root.\n")
		b.WriteString("No Markdown fences, no explanations between files.\n")
	} else {
		b.WriteString("Output a single main.py, directly runnable. No explanations, no Markdown fences.\n")
	}
	b.WriteString("Hardware constraints (adjust to actual wiring):\n")
	b.WriteString("- Servo signal on GPIO 5 (D1); use machine.PWM with duty mapped to 0..180 degrees.\n")
	b.WriteString("- Use print() for debug output.\n")
	if req.BoardID != "" {
		fmt.Fprintf(&b, "Selected board: %s.\n", req.BoardID)
	}
	return b.String()
}

func platformioPrompt(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are a senior embedded C++ engineer using the Arduino framework with PlatformIO.\n")
	b.WriteString("Output the complete src/main.cpp for the project. Start with #include <Arduino.h>.\n")
	b.WriteString("No explanations, no Markdown fences.\n")
	if req.BoardID != "" {
		fmt.Fprintf(&b, "Target board: %s.\n", req.BoardID)
	}
	if req.Platform != "" {
		fmt.Fprintf(&b, "Target platform: %s. Avoid C++ standard-library headers the toolchain lacks.\n", req.Platform)
	}
	return b.String()
}

const terminalPrompt = "You are a careful shell assistant for the operator's local machine.\n" +
	"Output exactly one shell command that accomplishes the instruction, and nothing else.\n" +
	"Never output destructive commands (rm -rf on broad paths, disk formatting, fork bombs).\n" +
	"If the instruction cannot be done safely in one command, output a single echo explaining why."

func fileEditPrompt(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are editing a file on the operator's machine.\n")
	b.WriteString("Output the COMPLETE new file content and nothing else. No Markdown fences, no commentary.\n")
	if req.FilePath != "" {
		fmt.Fprintf(&b, "File path: %s\n", req.FilePath)
	}
	if req.FileContent != "" {
		fmt.Fprintf(&b, "Current content:\n%s\n", req.FileContent)
	}
	return b.String()
}

const planPrompt = "You are a pragmatic technical planner. Produce a short numbered plan " +
	"(5-10 steps) for the instruction. Plain text, one step per line."

const todoPrompt = "Turn the instruction into a concise to-do list. " +
	"Output one item per line, no numbering, no commentary."

const createFilePrompt = "You create complete project scaffolds.\n" +
	"Output a MULTI-FILE project. Use EXACTLY this format for each file (no other text):\n" +
	"---FILE: relative/path---\n(full file content)\n" +
	"Include an entry point (index.html or main.py). Paths are relative to the project root.\n" +
	"No Markdown fences, no explanations between files."

func codeCompletePrompt(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are a code completion engine.\n")
	b.WriteString("Continue the source code below from where it stops and output the COMPLETE resulting file.\n")
	b.WriteString("No Markdown fences, no commentary.\n")
	if req.Language != "" {
		fmt.Fprintf(&b, "Language: %s.\n", req.Language)
	}
	if req.FileContent != "" {
		fmt.Fprintf(&b, "Source code:\n%s\n", req.FileContent)
	}
	return b.String()
}

func codeOptimizePrompt(req models.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are a senior engineer improving existing code.\n")
	b.WriteString("Rewrite the source code below to be clearer and faster without changing its behavior.\n")
	b.WriteString("Output the COMPLETE rewritten file. No Markdown fences, no commentary.\n")
	if req.FileContent != "" {
		fmt.Fprintf(&b, "Source code:\n%s\n", req.FileContent)
	}
	return b.String()
}

const assistantPrompt = "You are Lumi, a helpful local computer assistant. " +
	"Answer concisely in plain text."
