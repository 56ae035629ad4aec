// Package personalize substitutes merge-field placeholders into email
// subjects and bodies.
//
// Two historical placeholder syntaxes are supported, both case-insensitive
// and resolved against the same field map:
//
//	{{first_name}}
//	{{MERGE:first_name}}
//
// Unresolved user-supplied fields degrade to a bracketed label ("[First
// Name]") so recipients never see raw template syntax. System-injected
// fields (unsubscribe URL, view-in-browser URL, sender address, company
// name, current year) are generated internally and must always resolve;
// a template that still carries one after rendering is a validation failure.
package personalize

import (
	"fmt"
	"regexp"
	"strings"
)

// System field names. Dispatch fills these for every recipient; they are
// never user-supplied.
const (
	FieldUnsubscribeURL   = "unsubscribe_url"
	FieldViewInBrowserURL = "view_in_browser_url"
	FieldSenderAddress    = "sender_address"
	FieldCompanyName      = "company_name"
	FieldCurrentYear      = "current_year"
)

var systemFields = map[string]bool{
	FieldUnsubscribeURL:   true,
	FieldViewInBrowserURL: true,
	FieldSenderAddress:    true,
	FieldCompanyName:      true,
	FieldCurrentYear:      true,
}

// UnresolvedSystemFieldError reports a system placeholder the field map did
// not cover. This is a hard failure: system links are generated internally,
// so a miss means the send pipeline is broken, not the template.
type UnresolvedSystemFieldError struct {
	Field string
}

func (e *UnresolvedSystemFieldError) Error() string {
	return fmt.Sprintf("personalize: system field %q not resolved", e.Field)
}

// placeholderRe matches both syntaxes; the MERGE: prefix is optional and
// matched case-insensitively along with the field name.
var placeholderRe = regexp.MustCompile(`\{\{\s*((?i:MERGE:)?\s*[A-Za-z0-9_][A-Za-z0-9_ .-]*?)\s*\}\}`)

// Render substitutes every placeholder in template using fields. Field
// lookup is case-insensitive. Rendering output that contains no
// placeholders is a no-op, so Render(Render(t)) == Render(t).
func Render(template string, fields map[string]string) (string, error) {
	// Normalize the field map once; both syntaxes share it.
	normalized := make(map[string]string, len(fields))
	for k, v := range fields {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}

	var unresolved *UnresolvedSystemFieldError
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		name = strings.TrimSpace(stripMergePrefix(name))
		key := strings.ToLower(name)

		if v, ok := normalized[key]; ok {
			return v
		}
		if systemFields[key] {
			if unresolved == nil {
				unresolved = &UnresolvedSystemFieldError{Field: key}
			}
			return match
		}
		return FallbackLabel(name)
	})
	if unresolved != nil {
		return "", unresolved
	}
	return out, nil
}

// Normalize rewrites every placeholder in template to the canonical
// lowercase {{field}} form, so a downstream substitution engine sees one
// syntax regardless of which one the template author used.
func Normalize(template string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		name = strings.TrimSpace(stripMergePrefix(name))
		return "{{" + strings.ToLower(name) + "}}"
	})
}

// Fields lists the distinct normalized field names template references, in
// order of first appearance.
func Fields(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		name := strings.ToLower(strings.TrimSpace(stripMergePrefix(m[1])))
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func stripMergePrefix(name string) string {
	if len(name) >= 6 && strings.EqualFold(name[:6], "MERGE:") {
		return name[6:]
	}
	return name
}

// FallbackLabel turns an unresolved field name into a human-readable
// bracketed label: "first_name" → "[First Name]".
func FallbackLabel(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return "[" + strings.Join(words, " ") + "]"
}
