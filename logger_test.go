package pktdma

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/pktdma/config"
	"github.com/slackhq/pktdma/test"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: debug\n  format: json\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	f, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.True(t, f.DisableTimestamp)
	assert.Equal(t, time.RFC3339, f.TimestampFormat)

	require.NoError(t, c.LoadString("logging:\n  level: WARNING\n  timestamp_format: 2006\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	tf, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, tf.FullTimestamp)
	assert.Equal(t, "2006", tf.TimestampFormat)
	assert.False(t, tf.ForceColors)

	require.NoError(t, c.LoadString("logging:\n  colors: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.Level)
	assert.True(t, l.Formatter.(*logrus.TextFormatter).ForceColors)

	require.NoError(t, c.LoadString("logging:\n  level: loud\n"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	assert.EqualError(t, configLogger(l, c), "unknown log format `xml`. possible formats: [text json]")
}
