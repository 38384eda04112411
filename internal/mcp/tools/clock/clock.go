// Package clock provides built-in MCP tools for wall-clock awareness during
// support calls.
//
// Two tools are exported via [Tools]:
//   - "get_current_time"  — returns the current time in a requested timezone,
//     with the weekday so agents can reason about business hours.
//   - "format_timestamp"  — converts an RFC 3339 timestamp into a
//     speech-friendly phrase suitable for synthesis ("Tuesday, August 25
//     at 2:03 PM").
//
// All handlers are safe for concurrent use.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/mcp/tools"
	"github.com/parleyhq/parley/pkg/types"
)

// spokenLayout renders a timestamp the way a voice agent should say it.
const spokenLayout = "Monday, January 2 at 3:04 PM"

// currentTimeArgs is the JSON-decoded input for the "get_current_time" tool.
type currentTimeArgs struct {
	// Timezone is an IANA zone name (e.g. "Europe/Berlin"). Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`
}

// currentTimeResult is the JSON-encoded output of the "get_current_time" tool.
type currentTimeResult struct {
	// Time is the current instant in RFC 3339 format, in the requested zone.
	Time string `json:"time"`

	// Timezone echoes the zone the time is expressed in.
	Timezone string `json:"timezone"`

	// Weekday is the day name in the requested zone (e.g. "Tuesday").
	Weekday string `json:"weekday"`
}

// formatTimestampArgs is the JSON-decoded input for the "format_timestamp" tool.
type formatTimestampArgs struct {
	// Timestamp is the RFC 3339 instant to convert.
	Timestamp string `json:"timestamp"`

	// Timezone is the IANA zone to express the result in. Defaults to the
	// timestamp's own offset.
	Timezone string `json:"timezone,omitempty"`
}

// formatTimestampResult is the JSON-encoded output of the "format_timestamp" tool.
type formatTimestampResult struct {
	// Spoken is the speech-friendly rendering of the timestamp.
	Spoken string `json:"spoken"`

	// Timezone is the zone the rendering is expressed in.
	Timezone string `json:"timezone"`
}

// loadZone resolves an IANA zone name, defaulting to UTC for the empty string.
func loadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock tool: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// currentTimeHandler implements the "get_current_time" tool.
func currentTimeHandler(_ context.Context, args string) (string, error) {
	var a currentTimeArgs
	if args != "" {
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("clock tool: get_current_time: failed to parse arguments: %w", err)
		}
	}

	loc, err := loadZone(a.Timezone)
	if err != nil {
		return "", err
	}

	now := time.Now().In(loc)
	res, err := json.Marshal(currentTimeResult{
		Time:     now.Format(time.RFC3339),
		Timezone: loc.String(),
		Weekday:  now.Weekday().String(),
	})
	if err != nil {
		return "", fmt.Errorf("clock tool: get_current_time: failed to encode result: %w", err)
	}
	return string(res), nil
}

// formatTimestampHandler implements the "format_timestamp" tool.
func formatTimestampHandler(_ context.Context, args string) (string, error) {
	var a formatTimestampArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("clock tool: format_timestamp: failed to parse arguments: %w", err)
	}
	if a.Timestamp == "" {
		return "", fmt.Errorf("clock tool: format_timestamp: timestamp must not be empty")
	}

	ts, err := time.Parse(time.RFC3339, a.Timestamp)
	if err != nil {
		return "", fmt.Errorf("clock tool: format_timestamp: invalid timestamp %q: %w", a.Timestamp, err)
	}

	loc := ts.Location()
	if a.Timezone != "" {
		loc, err = loadZone(a.Timezone)
		if err != nil {
			return "", err
		}
		ts = ts.In(loc)
	}

	res, err := json.Marshal(formatTimestampResult{
		Spoken:   ts.Format(spokenLayout),
		Timezone: loc.String(),
	})
	if err != nil {
		return "", fmt.Errorf("clock tool: format_timestamp: failed to encode result: %w", err)
	}
	return string(res), nil
}

// Tools constructs the clock tool set, ready for registration with the MCP Host.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "get_current_time",
				Description: "Get the current date and time, optionally in a specific IANA timezone. Use this before promising callbacks, quoting business hours, or computing how long the caller has waited.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": "IANA timezone name such as Europe/Berlin or America/New_York. Defaults to UTC.",
						},
					},
					"required": []string{},
				},
				EstimatedDurationMs: 1,
				MaxDurationMs:       10,
				Idempotent:          true,
			},
			Handler:     currentTimeHandler,
			DeclaredP50: 1,
			DeclaredMax: 10,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "format_timestamp",
				Description: "Convert an RFC 3339 timestamp into a phrase suitable for speaking aloud, e.g. 'Tuesday, August 25 at 2:03 PM'. Use this whenever a reply will mention a specific date or time.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timestamp": map[string]any{
							"type":        "string",
							"description": "The RFC 3339 timestamp to convert, e.g. 2026-08-25T14:03:00Z.",
						},
						"timezone": map[string]any{
							"type":        "string",
							"description": "IANA timezone to express the result in. Defaults to the timestamp's own offset.",
						},
					},
					"required": []string{"timestamp"},
				},
				EstimatedDurationMs: 1,
				MaxDurationMs:       10,
				Idempotent:          true,
			},
			Handler:     formatTimestampHandler,
			DeclaredP50: 1,
			DeclaredMax: 10,
		},
	}
}
