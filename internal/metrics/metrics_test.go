package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	before := testutil.ToFloat64(JobOutcomes.WithLabelValues("generic_rest", "success"))
	JobOutcomes.WithLabelValues("generic_rest", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JobOutcomes.WithLabelValues("generic_rest", "success")))

	ActiveJobs.Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(ActiveJobs))
	ActiveJobs.Set(0)

	WriterDuration.WithLabelValues("oauth_rest").Observe(0.2)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(WriterDuration), 1)
}
