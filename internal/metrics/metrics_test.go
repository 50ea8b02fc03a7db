package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	require.Equal(t, "forum.example.com", SanitizeSite("https://Forum.Example.com/register"))
	require.Equal(t, "example.org", SanitizeSite("example.org/path"))
	require.Equal(t, "unknown", SanitizeSite("://not a url"))
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Observations against the shared collectors must not panic.
	ObserveProbe("https://forum.example.com", "OPEN", 3*time.Second)
	IncProbesInFlight()
	DecProbesInFlight()
	ObserveBypass("solved")
	ObservePlannerCall("plan")
	ObserveDiscoveryDecision("ADDED")
}
