package mesh

import (
	"bytes"
	"os"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLayerLoggerTags(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf, true)
	defer SetLogOutput(os.Stderr, false)

	LayerLogger("network", Fields{"src": "0001"}).Warnf("replay seq %d", 7)

	var line map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "network", line["layer"])
	require.Equal(t, "0001", line["src"])
	require.Equal(t, "replay seq 7", line["msg"])
	require.Equal(t, "warning", line["level"])
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf, false)
	defer SetLogOutput(os.Stderr, false)
	defer SetLogLevel(logrus.InfoLevel)

	l := LayerLogger("transport")
	l.Debug("hidden")
	require.Empty(t, buf.String())

	SetLogLevelMax()
	l.Debug("shown")
	require.Contains(t, buf.String(), "layer=transport")
	require.Contains(t, buf.String(), "shown")
}
