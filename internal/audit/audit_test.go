package audit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenguard/licensed/internal/domain"
)

func TestAppendWithoutDatabaseLogsOnly(t *testing.T) {
	l := New(nil, zerolog.Nop())

	err := l.Append(context.Background(), domain.AuditEvent{
		EventType: domain.AuditCreation,
		ClientID:  "c1",
		Actor:     "ops",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityLow,
	})
	require.NoError(t, err)
}

func TestTailWithoutDatabase(t *testing.T) {
	l := New(nil, zerolog.Nop())
	events, err := l.Tail(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, events)
}
