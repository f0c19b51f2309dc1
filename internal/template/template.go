// Package template implements the {{NAME}} substitution used to fill a
// stored backend workflow document from top-level client request fields.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vast-ai/goworker/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Substitute replaces every {{NAME}} occurrence in doc with values[NAME].
// A referenced name missing from values is a validation error, never a
// silent no-op.
//
// Placeholders that stand for numbers are quoted in the stored document to
// keep it valid JSON ("{{STEPS}}"), so when a value is not a string the
// surrounding quotes are replaced along with the placeholder.
func Substitute(doc string, values map[string]interface{}) (string, error) {
	missing := map[string]string{}
	for _, m := range placeholderRe.FindAllStringSubmatch(doc, -1) {
		if _, ok := values[m[1]]; !ok {
			missing[m[1]] = "missing parameter"
		}
	}
	if len(missing) > 0 {
		return "", &models.ValidationError{Fields: missing}
	}

	out := doc
	for name, value := range values {
		placeholder := "{{" + name + "}}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		switch v := value.(type) {
		case string:
			out = strings.ReplaceAll(out, placeholder, v)
		default:
			out = strings.ReplaceAll(out, `"`+placeholder+`"`, fmt.Sprintf("%v", v))
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", v))
		}
	}
	return out, nil
}

// Placeholders lists the distinct names referenced by doc.
func Placeholders(doc string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(doc, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
