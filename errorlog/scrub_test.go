package errorlog

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "*", Mask("a"))
	assert.Equal(t, "sec***", Mask("secret"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo**@exa****.com", MaskEmail("john@example.com"))
	assert.Equal(t, "nom***", MaskEmail("nomail"))
}

func TestMaskEmails(t *testing.T) {
	out := MaskEmails("contact john@example.com or jane@example.co.uk")
	assert.NotContains(t, out, "john@example.com")
	assert.NotContains(t, out, "jane@example.co.uk")
	assert.Contains(t, out, "contact ")
}

func TestScrub(t *testing.T) {
	assert.Nil(t, Scrub(nil))
	out := Scrub(map[string]any{
		"COOKIE":  "a",
		"headers": map[string]string{"Authorization": "Bearer x", "X-Trace": "1"},
		"list":    []any{"bob@example.com", 3},
		"emails":  []string{"bob@example.com"},
		"count":   2,
	})
	assert.NotContains(t, out, "COOKIE")
	headers := out["headers"].(map[string]any)
	assert.NotContains(t, headers, "Authorization")
	assert.Equal(t, "1", headers["X-Trace"])
	assert.NotEqual(t, "bob@example.com", out["list"].([]any)[0])
	assert.Equal(t, 3, out["list"].([]any)[1])
	assert.NotEqual(t, "bob@example.com", out["emails"].([]string)[0])
	assert.Equal(t, 2, out["count"])
}

func TestScrubReport(t *testing.T) {
	r := Report{Entry: Entry{Message: "user a@b.io", Context: &Context{Metadata: map[string]any{"cookie": "x"}}}}
	out := ScrubReport(r)
	assert.NotContains(t, out.Message, "a@b.io")
	assert.Empty(t, out.Context.Metadata)
	assert.Contains(t, r.Context.Metadata, "cookie")
}

func TestStack(t *testing.T) {
	assert.Equal(t, "", Stack(nil))

	withStack := errors.New("has stack")
	assert.Contains(t, Stack(withStack), "TestStack")

	plain := stdError("plain")
	assert.Contains(t, Stack(plain), "plain")
}

type stdError string

func (e stdError) Error() string { return string(e) }
