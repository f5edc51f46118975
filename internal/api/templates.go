package api

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*
var templateFS embed.FS

// newTemplates creates and parses the HTML templates with custom functions.
func newTemplates() *template.Template {
	funcs := template.FuncMap{
		"pct": func(f *float64) string {
			if f == nil {
				return "n/a"
			}
			return fmt.Sprintf("%.0f%%", *f)
		},
		// A formatted float holds no markup; returning HTML keeps the
		// leading plus sign from being escaped to &#43;.
		"signed": func(f float64) template.HTML {
			return template.HTML(fmt.Sprintf("%+.1f", f))
		},
		"biasClass": biasClass,
		"upper":     strings.ToUpper,
		"label": func(metric string) string {
			return strings.ReplaceAll(metric, "_", " ")
		},
	}
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
}
