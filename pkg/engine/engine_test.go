package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/clock"
	"github.com/dripmail/dripmail/pkg/contacts"
	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence/file"
	"github.com/dripmail/dripmail/pkg/template"
)

type sentEmail struct {
	Recipient string
	Subject   string
	Body      string
}

// stubDelivery records sends and can be told to fail.
type stubDelivery struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (d *stubDelivery) Send(_ context.Context, recipient, subject, body string) (*delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	d.sent = append(d.sent, sentEmail{Recipient: recipient, Subject: subject, Body: body})

	return &delivery.Result{ID: fmt.Sprintf("d-%d", len(d.sent))}, nil
}

func (d *stubDelivery) setError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.err = err
}

func (d *stubDelivery) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sent)
}

type fixture struct {
	engine    *Engine
	store     *file.Persistence
	contacts  *contacts.FileProvider
	templates *template.Store
	delivery  *stubDelivery
	clock     *clock.Fake
	logger    *slog.Logger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	fakeClock := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	contactProvider := contacts.NewStaticProvider(&models.ContactSnapshot{
		ID:              "c-1",
		Email:           "ada@example.com",
		Status:          models.ContactStatusSubscribed,
		Tags:            []string{"customer"},
		EngagementScore: 80,
		CreatedAt:       time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
	})

	templates := template.NewStore()
	templates.Register(template.Definition{
		ID:      "welcome",
		Subject: "Welcome, {{.contact.email}}",
		Body:    "Hello from {{.account.company_name}}",
	})
	templates.Register(template.Definition{
		ID:      "followup",
		Subject: "Checking in",
		Body:    "Still here",
	})

	stub := &stubDelivery{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts = append([]Option{
		WithClock(fakeClock),
		WithAccount(&template.Account{CompanyName: "Acme"}),
	}, opts...)

	return &fixture{
		engine:    New(store, contactProvider, templates, stub, logger, opts...),
		store:     store,
		contacts:  contactProvider,
		templates: templates,
		delivery:  stub,
		clock:     fakeClock,
		logger:    logger,
	}
}

// saveAutomation persists an active two-step automation: an email, then a
// one-day wait.
func (f *fixture) saveAutomation(t *testing.T) *models.Automation {
	t.Helper()

	automation := &models.Automation{
		ID:          "a-1",
		Name:        "Welcome series",
		TriggerType: models.TriggerContactSubscribed,
		Status:      models.AutomationStatusActive,
		Steps: []*models.StepDefinition{
			{ID: "s-1", AutomationID: "a-1", Type: models.StepTypeEmail, Order: 1, TemplateID: "welcome"},
			{ID: "s-2", AutomationID: "a-1", Type: models.StepTypeWait, Order: 2, Delay: models.Delay{Amount: 1, Unit: models.DelayDays}},
		},
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}

	require.NoError(t, automation.Validate())
	require.NoError(t, f.store.AutomationRepository().SaveAutomation(context.Background(), automation))

	return automation
}

// dueExecution returns the single due scheduled execution, failing the test
// when there is not exactly one.
func (f *fixture) dueExecution(t *testing.T) *models.Execution {
	t.Helper()

	due, err := f.store.ExecutionRepository().DueExecutions(context.Background(), f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	return due[0]
}

func (f *fixture) enrollment(t *testing.T, id string) *models.Enrollment {
	t.Helper()

	enrollment, err := f.store.EnrollmentRepository().EnrollmentByID(context.Background(), id)
	require.NoError(t, err)

	return enrollment
}

func (f *fixture) execution(t *testing.T, id string) *models.Execution {
	t.Helper()

	execution, err := f.store.ExecutionRepository().ExecutionByID(context.Background(), id)
	require.NoError(t, err)

	return execution
}
