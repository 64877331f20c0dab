package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/automation"
)

func TestRunScheduler_RunsImmediatelyOnStart(t *testing.T) {
	f := setup(t)
	f.ingest(t, ultraSale("FBX-1001", "S"))

	scheduler := automation.NewRunScheduler(f.runner, quietLogger())
	scheduler.Interval = time.Hour
	scheduler.Start()
	scheduler.Start() // no-op
	scheduler.Stop()

	assert.Len(t, f.store.Runs(), 1)
}

func TestRunScheduler_Disabled(t *testing.T) {
	f := setup(t)

	scheduler := automation.NewRunScheduler(f.runner, quietLogger())
	scheduler.Enabled = false
	scheduler.Start()
	scheduler.Stop()

	assert.Empty(t, f.store.Runs())
}

func TestRunScheduler_RunNow(t *testing.T) {
	f := setup(t)
	f.ingest(t, ultraSale("FBX-1001", "S"))

	summary, err := automation.NewRunScheduler(f.runner, quietLogger()).RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.LineItemsCreated)
	last, ok := f.runner.LastSummary()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)
}
