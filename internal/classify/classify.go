// Package classify assigns a severity bucket to worker output lines and
// recognises benign decoder chatter that should stay on the local console.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/benaskins/lyceum/internal/events"
)

// DefaultNoise matches known-benign ffmpeg/libav decoder warnings.
var DefaultNoise = []string{
	`\[(h264|hevc|aac|mp3|mp3float|opus|vorbis|mov,mp4,m4a,3gp,3g2,mj2|matroska,webm|mpeg4|vp9|av1) @ 0x[0-9a-f]+\]`,
	`Invalid NAL unit size`,
	`co located POCs unavailable`,
	`mmco: unref short failure`,
	`error while decoding MB \d+ \d+`,
	`concealing \d+ DC, \d+ AC, \d+ MV errors`,
	`Last message repeated \d+ times`,
}

type rule struct {
	class    events.Classification
	patterns []*regexp.Regexp
}

// rules[0] must stay the error rule.
var rules = []rule{
	{events.Error, mustCompile(
		`\bERROR\b`,
		`\bFAILED\b`,
		`^Traceback \(most recent call last\)`,
		`\bException\b`,
	)},
	{events.Success, mustCompile(
		`\bCOMPLETED:`,
		`\bWORKER\b.*\bFINISHED\b`,
		`\bDone\b.*\btranscrib`,
	)},
	{events.Progress, mustCompile(
		`\bProcessing:`,
		`\[\d+/\d+\]`,
		`\bTranscribing\b`,
		`\d{1,3}%\|`,
	)},
	{events.Warning, mustCompile(
		`(?i)\bwarn(ing)?\b`,
		`No more courses`,
	)},
	// Python logging writes to stderr by default
	{events.Info, mustCompile(
		`\b(INFO|DEBUG)\b`,
	)},
}

func mustCompile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classifier turns raw output lines into classified text. It is safe for
// concurrent use.
type Classifier struct {
	noise []*regexp.Regexp
}

// New builds a classifier with the given noise patterns. A nil slice uses
// DefaultNoise; an empty non-nil slice disables noise filtering.
func New(noise []string) (*Classifier, error) {
	if noise == nil {
		noise = DefaultNoise
	}
	c := &Classifier{}
	for _, expr := range noise {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("noise pattern %q: %w", expr, err)
		}
		c.noise = append(c.noise, re)
	}
	return c, nil
}

// Result is the outcome of classifying one line.
type Result struct {
	Text           string
	Classification events.Classification
	// Noise lines go to the local console only.
	Noise bool
}

// Classify strips terminal escape codes and buckets the line. Markers are
// checked in precedence order error, success, progress, warning, info, and
// error markers are checked before noise patterns. Unmarked stderr lines are
// warnings; unmarked stdout lines are info.
func (c *Classifier) Classify(stream events.Stream, line string) Result {
	text := strings.TrimRight(ansi.Strip(line), " \t")

	if matchAny(rules[0].patterns, text) {
		return Result{Text: text, Classification: rules[0].class}
	}

	if matchAny(c.noise, text) {
		return Result{Text: text, Classification: events.Warning, Noise: true}
	}

	for _, r := range rules[1:] {
		if matchAny(r.patterns, text) {
			return Result{Text: text, Classification: r.class}
		}
	}

	if stream == events.Stderr {
		return Result{Text: text, Classification: events.Warning}
	}
	return Result{Text: text, Classification: events.Info}
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
