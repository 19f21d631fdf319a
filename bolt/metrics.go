package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var _ prometheus.Collector = (*Client)(nil)

var (
	writesDesc = prometheus.NewDesc(
		"boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	readsDesc = prometheus.NewDesc(
		"boltdb_reads_total",
		"Total number of boltdb reads",
		nil, nil)

	changelogKeysDesc = prometheus.NewDesc(
		"replication_changelog_stored_entries",
		"Number of changelog entries stored on disk",
		[]string{"suffix"}, nil)
)

// Describe returns all descriptions of the collector.
func (c *Client) Describe(ch chan<- *prometheus.Desc) {
	ch <- writesDesc
	ch <- readsDesc
	ch <- changelogKeysDesc
}

// Collect returns the current state of all metrics of the collector.
func (c *Client) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(readsDesc, prometheus.CounterValue, float64(stats.TxN))
	ch <- prometheus.MustNewConstMetric(writesDesc, prometheus.CounterValue, float64(stats.TxStats.Write))

	_ = c.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(changelogBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			n := 0
			if b := root.Bucket(k).Bucket(entriesBucket); b != nil {
				n = b.Stats().KeyN
			}
			ch <- prometheus.MustNewConstMetric(changelogKeysDesc, prometheus.GaugeValue, float64(n), string(k))
			return nil
		})
	})
}
