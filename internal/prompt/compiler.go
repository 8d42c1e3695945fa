// Package prompt compiles Midjourney-style prompts. Inline directives
// (--ar, --q, --seed, --chaos, --s, --no) are extracted into generation
// options and stripped from the text sent to the backend.
package prompt

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Directive patterns. Each is matched case-insensitively and removed from
// the prompt after extraction. --s requires whitespace after the marker so
// it never swallows --seed.
var (
	reAspect  = regexp.MustCompile(`(?i)--ar\s+(\d+):(\d+)`)
	reQuality = regexp.MustCompile(`(?i)--q\s+(\d+)`)
	reSeed    = regexp.MustCompile(`(?i)--seed\s+(\d+)`)
	reChaos   = regexp.MustCompile(`(?i)--chaos\s+(\d+)`)
	reStylize = regexp.MustCompile(`(?i)--s\s+(\d+)`)
	reExclude = regexp.MustCompile(`(?i)--no\s+`)
)

// Compile extracts directives from a raw prompt.
// Parameters:
//   - raw: user prompt text, directives included.
//
// Returns:
//   - string: cleaned prompt with all directive tokens removed.
//   - map[string]interface{}: derived generation options; empty when the
//     prompt carries no directives.
//
// Directives are scanned in a fixed left-to-right order of directive types
// (ar, quality, seed, chaos, stylize, exclude), so when two directives
// derive the same option the later type wins: --s overrides the steps
// value computed from --q.
func Compile(raw string) (string, map[string]interface{}) {
	opts := make(map[string]interface{})
	text := raw

	if m := reAspect.FindStringSubmatch(text); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w > 0 && h > 0 {
			ratio := float64(w) / float64(h)
			if ratio >= 1 {
				opts["width"] = 1024
				opts["height"] = int(math.Round(1024 / ratio))
			} else {
				opts["width"] = int(math.Round(1024 * ratio))
				opts["height"] = 1024
			}
		}
		text = reAspect.ReplaceAllString(text, "")
	}

	if m := reQuality.FindStringSubmatch(text); m != nil {
		quality, _ := strconv.Atoi(m[1])
		opts["steps"] = clampInt(quality*10, 10, 50)
		text = reQuality.ReplaceAllString(text, "")
	}

	if m := reSeed.FindStringSubmatch(text); m != nil {
		seed, _ := strconv.ParseInt(m[1], 10, 64)
		opts["seed"] = seed
		text = reSeed.ReplaceAllString(text, "")
	}

	if m := reChaos.FindStringSubmatch(text); m != nil {
		chaos, _ := strconv.Atoi(m[1])
		opts["cfg"] = 7.5 + float64(chaos)/100*5 // 7.5-12.5 for chaos 0-100
		text = reChaos.ReplaceAllString(text, "")
	}

	if m := reStylize.FindStringSubmatch(text); m != nil {
		stylize, _ := strconv.Atoi(m[1])
		opts["steps"] = int(math.Round(20 + float64(stylize)/1000*30))
		text = reStylize.ReplaceAllString(text, "")
	}

	// --no consumes free text up to the next -- marker or end of prompt, so
	// it is extracted last, after every other directive is already gone.
	if loc := reExclude.FindStringIndex(text); loc != nil {
		rest := text[loc[1]:]
		end := len(rest)
		if next := strings.Index(rest, "--"); next != -1 {
			end = next
		}
		if value := strings.TrimSpace(rest[:end]); value != "" {
			opts["negative_prompt"] = value
		}
		text = text[:loc[0]] + rest[end:]
	}

	return normalizeSpace(text), opts
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeSpace trims the prompt and collapses the whitespace runs left
// behind by directive removal.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
