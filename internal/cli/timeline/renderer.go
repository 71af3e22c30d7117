// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timeline renders the node timeline of a dispatch as ASCII bars.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/status"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
	// StatusIconOther marks nodes that were cancelled or never finished
	StatusIconOther = "○"
)

// Span is one node placed on the timeline.
type Span struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Status    status.Status
}

// Duration returns how long the node ran.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Renderer renders ASCII timelines from output manifests.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a renderer sized to the terminal on stdout.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(1)
	if err != nil {
		width = 100
	}
	return NewRendererWidth(width)
}

// NewRendererWidth creates a renderer for a fixed width.
func NewRendererWidth(width int) (*Renderer, error) {
	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// "│ node-id ██████░░░░  duration  status │"
	barWidth := min(width-40, 60)
	barWidth = max(barWidth, DefaultBarWidth)

	return &Renderer{Width: width, BarWidth: barWidth}, nil
}

// Render draws every node of m that has started. Nodes still running
// end at now.
func (r *Renderer) Render(m *result.Manifest, now time.Time) (string, error) {
	spans := Spans(m, now)
	if len(spans) == 0 {
		return "", fmt.Errorf("dispatch %s has no started nodes", m.Metadata.DispatchID)
	}

	minTime, maxTime := bounds(spans)
	total := maxTime.Sub(minTime)

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")
	fmt.Fprintf(&sb, "│ %-*s %10s │\n", r.Width-16, truncate(m.Metadata.Name+" "+m.Metadata.DispatchID, r.Width-16), formatDuration(total))
	sb.WriteString("├" + border + "┤\n")
	for _, s := range spans {
		sb.WriteString(r.renderSpan(s, minTime, total))
	}
	sb.WriteString("└" + border + "┘\n")
	return sb.String(), nil
}

// Spans extracts the started nodes of m in manifest order.
func Spans(m *result.Manifest, now time.Time) []Span {
	var spans []Span
	for _, n := range m.Nodes {
		if n.StartTime == nil {
			continue
		}
		end := now
		if n.EndTime != nil {
			end = *n.EndTime
		}
		spans = append(spans, Span{ID: n.ID, StartTime: *n.StartTime, EndTime: end, Status: n.Status})
	}
	return spans
}

func bounds(spans []Span) (time.Time, time.Time) {
	minTime, maxTime := spans[0].StartTime, spans[0].EndTime
	for _, s := range spans {
		if s.StartTime.Before(minTime) {
			minTime = s.StartTime
		}
		if s.EndTime.After(maxTime) {
			maxTime = s.EndTime
		}
	}
	return minTime, maxTime
}

func (r *Renderer) renderSpan(s Span, minTime time.Time, total time.Duration) string {
	startPos, barLength := 0, r.BarWidth
	if total > 0 {
		startPos = int(float64(s.StartTime.Sub(minTime)) / float64(total) * float64(r.BarWidth))
		barLength = int(float64(s.Duration()) / float64(total) * float64(r.BarWidth))
	}
	startPos = min(startPos, r.BarWidth-1)
	barLength = max(barLength, 1)
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	bar := make([]rune, r.BarWidth)
	for i := range bar {
		if i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	icon := StatusIconOther
	switch {
	case s.Status.IsSuccess():
		icon = StatusIconOK
	case s.Status.IsTerminal() && s.Status != status.Cancelled:
		icon = StatusIconError
	}

	nameWidth := r.Width - r.BarWidth - 20
	return fmt.Sprintf("│ %-*s %s %8s %s │\n",
		nameWidth, truncate(s.ID, nameWidth), string(bar), formatDuration(s.Duration()), icon)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
