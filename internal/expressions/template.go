package expressions

// Render replaces ${name} references in a prompt template with the textual
// form of the named variable. Unknown names are left in place so authors can
// spot them in the rendered prompt.
func Render(template string, vars map[string]any) string {
	return replacePlaceholders(template, func(name string) (string, bool) {
		v, ok := vars[name]
		if !ok {
			return "", false
		}
		return Stringify(v), true
	})
}
