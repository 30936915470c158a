package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/pkg/api"
)

func TestBuildSeries(t *testing.T) {
	window := api.NewWindow(testWindow.Start, testWindow.Start.AddDate(0, 0, 6))
	a := record("EC2", 0, 10)
	a.ServiceCategory = "Compute"
	b := record("EC2", 3, 5)
	b.ServiceCategory = "Compute"
	b.AccountID = "222"
	c := record("S3", 3, 2.5)
	c.ServiceCategory = "Storage"
	u := record("Mystery", 6, 1)

	series := BuildSeries("acme", window, []api.NormalizedCostRecord{a, b, c, u})

	ids := make([]string, len(series))
	for i, s := range series {
		ids[i] = s.ID
		assert.Len(t, s.Points, 7, s.ID)
	}
	assert.Equal(t, []string{
		"acme/total",
		"acme/category/Compute",
		"acme/category/Storage",
		"acme/category/Uncategorized",
		"acme/account/111",
		"acme/account/222",
	}, ids)

	total := series[0].Values()
	assert.Equal(t, []float64{10, 0, 0, 7.5, 0, 0, 1}, total)
	assert.Nil(t, series[0].Points[0].Tags)
	assert.Equal(t, "Compute", series[1].Points[2].Tags[api.DimensionCategory])
	assert.Equal(t, window.Start.AddDate(0, 0, 3), series[1].Points[3].Timestamp)
	assert.Equal(t, []float64{0, 0, 0, 5, 0, 0, 0}, series[5].Values())
}

func TestBuildSeriesEmpty(t *testing.T) {
	assert.Nil(t, BuildSeries("acme", testWindow, nil))
}

func TestDedupe(t *testing.T) {
	recs := []api.NormalizedCostRecord{
		record("EC2", 1, 10),
		record("EC2", 1, 10),
		record("EC2", 2, 10),
		record("EC2", 200, 10),
	}
	out := Dedupe(recs, testWindow)
	require.Len(t, out, 2)
	assert.Equal(t, testWindow.Start.AddDate(0, 0, 1), out[0].Date)
}
