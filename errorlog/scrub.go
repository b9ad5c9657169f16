package errorlog

import (
	"regexp"
	"strings"
)

var sensitiveKeys = map[string]bool{
	"cookie":        true,
	"cookies":       true,
	"set-cookie":    true,
	"authorization": true,
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Mask will mask a string by replacing the second half with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := l / 2
	return s[0:h] + strings.Repeat("*", l-h)
}

// MaskEmail masks both the local part and the domain name of an email address.
func MaskEmail(val string) string {
	local, domain, ok := strings.Cut(val, "@")
	if !ok {
		return Mask(val)
	}
	name, tld, _ := strings.Cut(domain, ".")
	return Mask(local) + "@" + Mask(name) + "." + tld
}

// MaskEmails masks every email address found in s.
func MaskEmails(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, MaskEmail)
}

// Scrub returns a deep copy of metadata without cookie or authorization keys
// and with email addresses masked.
func Scrub(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if sensitiveKeys[strings.ToLower(k)] {
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return MaskEmails(val)
	case map[string]any:
		return Scrub(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return Scrub(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = MaskEmails(item)
		}
		return out
	default:
		return v
	}
}

// ScrubReport returns a copy of r safe to send off the machine.
func ScrubReport(r Report) Report {
	out := r
	out.Message = MaskEmails(r.Message)
	out.Stack = MaskEmails(r.Stack)
	if r.Context != nil {
		c := *r.Context
		c.Metadata = Scrub(r.Context.Metadata)
		out.Context = &c
	}
	return out
}
