package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace": TRACE,
		"DEBUG": DEBUG,
		"info":  INFO,
		"warn":  WARN,
		"error": ERROR,
		"":      INFO,
		"loud":  INFO,
	}
	for name, want := range cases {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger("spawn", &buf, WARN)

	l.Debug("скрыто")
	l.Info("тоже скрыто")
	l.Warn("пул %s пуст", "missile")
	l.Error("ошибка")

	out := buf.String()
	assert.NotContains(t, out, "скрыто")
	assert.Contains(t, out, "[WARN] [spawn] пул missile пуст")
	assert.Contains(t, out, "[ERROR] [spawn] ошибка")
	assert.Equal(t, 2, strings.Count(out, "\n"))

	l.SetLevels(TRACE, ERROR)
	l.Trace("теперь видно")
	assert.Contains(t, buf.String(), "[TRACE] [spawn] теперь видно")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("ничего") })
}

func TestManagerReturnsSameComponentLogger(t *testing.T) {
	lm := &LoggerManager{loggers: make(map[string]*Logger), consoleLevel: ERROR}

	a, err := lm.GetLogger("session")
	require.NoError(t, err)
	b, err := lm.GetLogger("session")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"session"}, lm.ListComponents())

	require.NoError(t, lm.SetLogLevel("session", WARN, ERROR))
	assert.Error(t, lm.SetLogLevel("missing", WARN, ERROR))
	require.NoError(t, lm.CloseAll())
	assert.Empty(t, lm.ListComponents())
}
