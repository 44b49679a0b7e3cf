package observability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	req := require.New(t)
	stats := NewStats()

	stats.AddBytesAcked(1024)
	stats.AddBytesAcked(2048)
	stats.IncrSessionsCompleted()
	stats.IncrSessionsAborted()
	stats.IncrSessionsResumed()
	stats.IncrClientConnects()
	stats.IncrCameraEvents()
	stats.IncrErrorCount()

	snap := stats.Snapshot()
	req.Equal(uint64(3072), snap["BytesAcked"])
	req.Equal(uint64(1), snap["SessionsCompleted"])
	req.Equal(uint64(1), snap["SessionsAborted"])
	req.Equal(uint64(1), snap["SessionsResumed"])
	req.Equal(uint64(1), snap["ClientConnects"])
	req.Equal(uint64(1), snap["CameraEvents"])
	req.Equal(uint64(1), snap["Errors"])
	req.Contains(snap, "DeliveryRateMBs")
	req.Contains(snap, "AllocMemMB")
}
