package localization

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultLanguage = "en"

//go:embed translations/*.yaml
var translationsFS embed.FS

// Message is a rendered email.
type Message struct {
	Subject string
	Body    string
}

type Service struct {
	translations map[string]map[string]interface{}
}

func NewService() (*Service, error) {
	s := &Service{
		translations: make(map[string]map[string]interface{}),
	}

	languages := []string{defaultLanguage}
	for _, lang := range languages {
		data, err := translationsFS.ReadFile(fmt.Sprintf("translations/%s.yaml", lang))
		if err != nil {
			return nil, fmt.Errorf("read %s translations: %w", lang, err)
		}

		var translations map[string]interface{}
		if err := yaml.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("parse %s translations: %w", lang, err)
		}

		s.translations[lang] = translations
	}

	return s, nil
}

// Get retrieves a translation by key for the given language
// Key format: "section.subsection.key" or "section.key"
// Params can contain placeholders like {{name}}, {{amount}}, etc.
func (s *Service) Get(lang, key string, params map[string]string) string {
	text, ok := s.lookup(lang, key)
	if !ok {
		return key
	}
	return replacePlaceholders(text, params)
}

// Message renders the subject and body stored under template.
func (s *Service) Message(lang, template string, params map[string]string) (Message, error) {
	subject, ok := s.lookup(lang, template+".subject")
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", template)
	}
	body, ok := s.lookup(lang, template+".body")
	if !ok {
		return Message{}, fmt.Errorf("template %q has no body", template)
	}

	return Message{
		Subject: replacePlaceholders(subject, params),
		Body:    replacePlaceholders(body, params),
	}, nil
}

func (s *Service) lookup(lang, key string) (string, bool) {
	if lang == "" {
		lang = defaultLanguage
	}

	langTranslations, ok := s.translations[lang]
	if !ok {
		langTranslations = s.translations[defaultLanguage]
	}

	var current interface{} = langTranslations
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current = m[part]
	}

	text, ok := current.(string)
	return text, ok
}

func replacePlaceholders(text string, params map[string]string) string {
	for key, value := range params {
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
	}
	return text
}
