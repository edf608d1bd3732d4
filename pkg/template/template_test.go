package template

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/models"
)

func testContact() *models.ContactSnapshot {
	return &models.ContactSnapshot{
		ID:              "c-1",
		Email:           "ada@example.com",
		Status:          models.ContactStatusSubscribed,
		Tags:            []string{"customer"},
		EngagementScore: 80,
	}
}

func TestStoreRender(t *testing.T) {
	ctx := context.Background()

	t.Run("interpolates contact and account variables", func(t *testing.T) {
		store := NewStore()
		store.Register(Definition{
			ID:      "welcome",
			Subject: "Welcome, {{.contact.email}}",
			Body:    "Greetings from {{.account.company_name}} ({{.account.sender_email}})",
		})

		message, err := store.Render(ctx, "welcome", testContact(), &Account{
			CompanyName: "Acme",
			SenderEmail: "hello@acme.test",
		})
		require.NoError(t, err)

		assert.Equal(t, "Welcome, ada@example.com", message.Subject)
		assert.Equal(t, "Greetings from Acme (hello@acme.test)", message.Body)
	})

	t.Run("nil account renders empty variables", func(t *testing.T) {
		store := NewStore()
		store.Register(Definition{ID: "t", Subject: "Hi", Body: "From {{.account.company_name}}"})

		message, err := store.Render(ctx, "t", testContact(), nil)
		require.NoError(t, err)
		assert.Equal(t, "From <no value>", message.Body)
	})

	t.Run("unknown template", func(t *testing.T) {
		store := NewStore()

		_, err := store.Render(ctx, "missing", testContact(), nil)
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})

	t.Run("malformed template surfaces a parse error", func(t *testing.T) {
		store := NewStore()
		store.Register(Definition{ID: "broken", Subject: "{{.contact.email", Body: ""})

		_, err := store.Render(ctx, "broken", testContact(), nil)
		assert.Error(t, err)
	})

	t.Run("register replaces an existing definition", func(t *testing.T) {
		store := NewStore()
		store.Register(Definition{ID: "t", Subject: "v1", Body: "b"})
		store.Register(Definition{ID: "t", Subject: "v2", Body: "b"})

		message, err := store.Render(ctx, "t", testContact(), nil)
		require.NoError(t, err)
		assert.Equal(t, "v2", message.Subject)
	})
}

func TestStoreLoadFile(t *testing.T) {
	definitions := []Definition{
		{ID: "welcome", Subject: "Hi {{.contact.email}}", Body: "Hello"},
		{ID: "followup", Subject: "Checking in", Body: "Still here"},
	}

	raw, err := json.Marshal(definitions)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "templates.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	store := NewStore()
	require.NoError(t, store.LoadFile(path))

	message, err := store.Render(context.Background(), "followup", testContact(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Checking in", message.Subject)

	assert.Error(t, store.LoadFile(filepath.Join(t.TempDir(), "absent.json")))
}
