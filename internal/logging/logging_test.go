package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.WithField("peer", "b").Debug("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "b", line["peer"])
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = newLogger(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestPionFactoryScopesAndLevels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	l := PionFactory(logger).NewLogger("ice")
	l.Infof("gathering %d", 3)
	l.Warn("slow")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, "gathering 3", entries[0].Message)
	assert.Equal(t, "ice", entries[0].Data["pion"])
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
}
