package logger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/conductor/sym"
)

func TestInitialize(t *testing.T) {
	original := Logger
	t.Cleanup(func() { Logger = original; JSONOutput = false })

	require.NoError(t, Initialize(false, VerbosityInfo))
	assert.False(t, JSONOutput)
	require.NotNil(t, Logger)

	require.NoError(t, Initialize(true, VerbosityDebug))
	assert.True(t, JSONOutput)
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestSymbolHelpersAttachField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("Claimed execution", FieldExecutionID, "e1")
	AddToolSymbol(base).Warnw("Tool call denied")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, sym.Pulse, entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "e1", entries[0].ContextMap()[FieldExecutionID])
	assert.Equal(t, sym.Tool, entries[1].ContextMap()[FieldSymbol])
}

func TestGlobalPulseHelpers(t *testing.T) {
	original := Logger
	t.Cleanup(func() { Logger = original })

	core, logs := observer.New(zapcore.InfoLevel)
	Logger = zap.New(core).Sugar()

	PulseInfow("Planner pass", FieldCount, 3)
	PulseWarnw("Planner slow")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, sym.Pulse, logs.All()[0].ContextMap()[FieldSymbol])
	assert.EqualValues(t, 3, logs.All()[0].ContextMap()[FieldCount])
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithExecutionID(context.Background(), "exec-1")
	ctx = WithSessionID(ctx, "sess-1")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldExecutionID, "exec-1", FieldSessionID, "sess-1"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	FromContext(WithSessionID(context.Background(), "s"), base).Infow("hello")
	FromContext(context.Background(), base).Infow("bare")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "s", logs.All()[0].ContextMap()[FieldSessionID])
	assert.Empty(t, logs.All()[1].ContextMap())
}

func TestConsoleEncoderPrefixesSymbol(t *testing.T) {
	enc := newConsoleEncoder()
	ent := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "Claimed execution"}

	buf, err := enc.EncodeEntry(ent, []zapcore.Field{
		zap.String(FieldSymbol, sym.Pulse),
		zap.String(FieldExecutionID, "e1"),
	})
	require.NoError(t, err)
	line := buf.String()

	assert.Contains(t, line, sym.Pulse+" Claimed execution")
	assert.Contains(t, line, "e1")
	assert.NotContains(t, line, `"symbol"`)
}

func TestConsoleEncoderSymbolFromWith(t *testing.T) {
	enc := newConsoleEncoder().Clone()
	enc.AddString(FieldSymbol, sym.DB)
	ent := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "Migrations complete"}

	buf, err := enc.EncodeEntry(ent, nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), sym.DB+" Migrations complete"))

	// Clones carry the symbol forward
	buf, err = enc.Clone().EncodeEntry(ent, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), sym.DB+" Migrations complete")
}
