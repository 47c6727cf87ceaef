package email

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"
)

const imageSourcePlaceholder = "{{image_source}}"

var ErrEmptyTemplate = errors.New("template is empty")

type Body struct {
	HTML string
	Text string
}

// Renderer fills a campaign template per recipient. The image source is
// resolved once when the renderer is built.
type Renderer struct {
	template  string
	variables []string
}

func NewRenderer(template string, variables []string, imageSource string) (*Renderer, error) {
	if strings.TrimSpace(template) == "" {
		return nil, ErrEmptyTemplate
	}
	if imageSource != "" {
		template = strings.ReplaceAll(template, imageSourcePlaceholder, imageSource)
	}
	return &Renderer{template: template, variables: append([]string(nil), variables...)}, nil
}

// Render substitutes every recognized {{name}} with the recipient's value.
// Missing values render as empty strings; unknown placeholders are kept.
func (r *Renderer) Render(vars map[string]string) (Body, error) {
	pairs := make([]string, 0, 2*len(r.variables))
	for _, name := range r.variables {
		pairs = append(pairs, "{{"+name+"}}", vars[name])
	}
	html := strings.NewReplacer(pairs...).Replace(r.template)

	text, err := html2text.FromString(html, html2text.Options{PrettyTables: false})
	if err != nil {
		return Body{}, fmt.Errorf("derive text part: %w", err)
	}
	return Body{HTML: html, Text: text}, nil
}
