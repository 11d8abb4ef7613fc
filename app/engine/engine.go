// Package engine adapts an external OMR recognizer command to the
// recognition contract consumed by the processor. The recognizer is any
// executable printing a JSON result to stdout; the orchestrator treats it as
// a black box.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/omrchecker/omrd/app/store"
)

// CLI invokes the recognizer command for one image. The command string may
// reference {image} and {config} placeholders, substituted per invocation.
type CLI struct {
	Command string
	Timeout time.Duration
}

// cliResult is the recognizer's stdout contract
type cliResult struct {
	Answers     map[string]any `json:"answers"`
	MultiMarked int            `json:"multi_marked_count"`
}

// Recognize runs the recognizer for imagePath with configDir, bounded by
// Timeout so a hung invocation cannot stall the sheet loop.
func (c *CLI) Recognize(ctx context.Context, imagePath, configDir string) (store.SheetResult, error) {
	if c.Command == "" {
		return store.SheetResult{}, fmt.Errorf("recognizer command is not configured")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := strings.ReplaceAll(c.Command, "{image}", imagePath)
	command = strings.ReplaceAll(command, "{config}", configDir)
	log.Printf("[DEBUG] executing recognizer: %s", command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command) // nolint gosec // command comes from service config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return store.SheetResult{}, fmt.Errorf("recognizer timed out after %s", timeout)
		}
		return store.SheetResult{}, fmt.Errorf("recognizer failed: %v, %s", err, tail(stderr.String(), 512))
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return store.SheetResult{}, fmt.Errorf("failed to decode recognizer output: %w", err)
	}
	return store.SheetResult{Answers: res.Answers, MultiMarked: res.MultiMarked}, nil
}

// tail returns the last n bytes of s, trimmed
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
