package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	invokeRe    = regexp.MustCompile(`<invoke\s+name\s*=\s*["']([^"']+)["']\s*>([\s\S]*?)</invoke>`)
	invokeOpen  = regexp.MustCompile(`<invoke\b`)
	invokeStrip = regexp.MustCompile(`<invoke\s+name\s*=\s*["'][^"']+["']\s*>[\s\S]*?</invoke>`)
)

// ErrMalformedInvocation is returned when a response opens an invoke tag
// that cannot be parsed.
var ErrMalformedInvocation = errors.New("malformed tool invocation")

// Invocation is one tool call embedded in a model response.
type Invocation struct {
	Tool string
	Args []string
}

// ParseInvocation extracts the first <invoke name="...">args</invoke> tag.
// It returns nil, nil when the response contains no invocation at all.
//
// Arguments are read as a JSON string array; anything else, including a
// JSON object, is passed as a single raw argument. An empty body means no
// arguments.
func ParseInvocation(text string) (*Invocation, error) {
	m := invokeRe.FindStringSubmatch(text)
	if m == nil {
		if invokeOpen.MatchString(text) {
			return nil, ErrMalformedInvocation
		}
		return nil, nil
	}

	inv := &Invocation{Tool: strings.TrimSpace(m[1])}
	body := strings.TrimSpace(m[2])
	if body == "" {
		return inv, nil
	}

	var list []string
	if err := json.Unmarshal([]byte(body), &list); err == nil {
		inv.Args = list
		return inv, nil
	}
	// JSON objects and plain text both travel as one raw argument.
	inv.Args = []string{body}
	return inv, nil
}

// SanitizeInvokeTags removes invoke tags from untrusted text so tool
// output cannot smuggle tool calls back into the conversation.
func SanitizeInvokeTags(text string) string {
	return invokeStrip.ReplaceAllString(text, "[invoke tag removed]")
}
