// Package template provides subject/body rendering for email steps.
package template

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/dripmail/dripmail/pkg/models"
)

// ErrTemplateNotFound indicates the referenced template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// Message is a rendered subject and body.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Account carries the sender-side variables available to templates.
type Account struct {
	ID          string `json:"id"`
	CompanyName string `json:"company_name"`
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`
}

// Renderer resolves a template reference and interpolates contact and
// account variables.
type Renderer interface {
	Render(ctx context.Context, templateID string, contact *models.ContactSnapshot, account *Account) (*Message, error)
}

// Definition is one registered template.
type Definition struct {
	ID      string
	Subject string
	Body    string
}

// Store is a text/template-backed Renderer holding templates in memory. The
// surrounding application typically seeds it from its own template storage.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Definition
}

// NewStore creates an empty template store.
func NewStore() *Store {
	return &Store{templates: make(map[string]Definition)}
}

// Register adds or replaces a template definition.
func (s *Store) Register(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[def.ID] = def
}

// Render interpolates the template against contact and account variables.
func (s *Store) Render(ctx context.Context, templateID string, contact *models.ContactSnapshot, account *Account) (*Message, error) {
	s.mu.RLock()
	def, ok := s.templates[templateID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	data := map[string]any{
		"contact": map[string]any{
			"id":               contact.ID,
			"email":            contact.Email,
			"status":           string(contact.Status),
			"tags":             contact.Tags,
			"engagement_score": contact.EngagementScore,
		},
		"account": map[string]any{},
	}

	if account != nil {
		data["account"] = map[string]any{
			"id":           account.ID,
			"company_name": account.CompanyName,
			"sender_name":  account.SenderName,
			"sender_email": account.SenderEmail,
		}
	}

	subject, err := render(templateID+":subject", def.Subject, data)
	if err != nil {
		return nil, err
	}

	body, err := render(templateID+":body", def.Body, data)
	if err != nil {
		return nil, err
	}

	return &Message{Subject: subject, Body: body}, nil
}

func render(name, templateStr string, data any) (string, error) {
	tmpl, err := template.
		New(name).
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", name, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template %q: %w", name, err)
	}

	return buf.String(), nil
}
