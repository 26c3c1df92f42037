package dataset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Business metrics, updated from the service layer.
var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipdash_uploads_total",
			Help: "Number of dataset uploads by result",
		},
		[]string{"result"},
	)

	recordsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "equipdash_records_ingested_total",
			Help: "Number of equipment records committed",
		},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "equipdash_datasets_evicted_total",
			Help: "Number of datasets removed by retention enforcement",
		},
	)
)
