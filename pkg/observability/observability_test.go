package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

func TestNew_WithoutEndpointUsesNoopExport(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	_, done := p.TrackOperation(ctx, "proposals.propose")
	done(contracts.ErrDuplicateProposal)
	_, done = p.TrackOperation(ctx, "proposals.execute")
	done(nil)
	p.RecordTransition(ctx, "executed", contracts.ZeroAddress)
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "noop")
	assert.NotNil(t, ctx)
	done(errors.New("ignored"))
	p.RecordTransition(ctx, "proposed", contracts.ZeroAddress)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "component", "vault")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "vault", line["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
}
