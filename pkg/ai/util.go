package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// ErrUnparsable is returned by UnmarshalFlexible when no repair strategy
// turns the model output into JSON for the target.
var ErrUnparsable = errors.New("model output is not valid JSON")

// maxErrorExcerpt caps how much model output is quoted in parse errors.
// The errors end up in run summaries and published job events.
const maxErrorExcerpt = 120

// GenerateSchema returns the JSON schema of value's type for structured
// output. Nested types are inlined and extra properties are rejected.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflector.Reflect(reflect.New(t).Interface())
}

// UnmarshalFlexible decodes model output into out. Besides plain JSON it
// accepts a JSON document encoded as a string, a markdown code fence, prose
// around the payload, a duplicated leading brace and anything jsonrepair
// can fix, such as single quotes or a response cut off mid-array.
//
// Errors match ErrUnparsable and quote only a short excerpt of the input.
func UnmarshalFlexible(input string, out any) error {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return fmt.Errorf("%w: empty output", ErrUnparsable)
	}
	if json.Unmarshal([]byte(raw), out) == nil {
		return nil
	}

	text := raw
	var asString string
	if json.Unmarshal([]byte(raw), &asString) == nil {
		text = strings.TrimSpace(asString)
	}
	text = stripCodeFence(text)

	payload := trimToPayload(text)
	for _, candidate := range []string{text, payload} {
		if json.Unmarshal([]byte(candidate), out) == nil {
			return nil
		}
	}

	// Repair keeps the tail so a truncated last element can still be closed.
	var repairErr error
	for _, candidate := range []string{stripDuplicateLeadingBrace(trimPrefix(text)), payload} {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			repairErr = err
			continue
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			repairErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v (%d bytes, starting %q)", ErrUnparsable, repairErr, len(raw), excerpt(raw))
}

// stripCodeFence returns the body of a ``` or ```json fenced block.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	_, body, ok := strings.Cut(s, "\n")
	if !ok {
		return s
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// trimPrefix drops any text before the first object or array.
func trimPrefix(s string) string {
	if i := strings.IndexAny(s, "{["); i > 0 {
		return s[i:]
	}
	return s
}

// trimToPayload drops any text before the first and after the last
// bracket of the payload.
func trimToPayload(s string) string {
	s = trimPrefix(s)
	if i := strings.LastIndexAny(s, "}]"); i >= 0 {
		return s[:i+1]
	}
	return s
}

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

func excerpt(s string) string {
	s = util.NormalizeWhitespace(s)
	if cut := util.Truncate(s, maxErrorExcerpt); cut != s {
		return cut + "..."
	}
	return s
}
