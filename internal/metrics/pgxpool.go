package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// RegisterRecordPoolMetrics exposes the record database pool statistics.
func RegisterRecordPoolMetrics(reg prometheus.Registerer, pool PoolStatter) {
	gauge := func(name, help string, value func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "record_db",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(pool.Stat()))
		})
	}
	reg.MustRegister(
		gauge("acquired_conns", "Connections currently acquired from the record database pool.", (*pgxpool.Stat).AcquiredConns),
		gauge("idle_conns", "Idle connections in the record database pool.", (*pgxpool.Stat).IdleConns),
		gauge("total_conns", "Total connections in the record database pool.", (*pgxpool.Stat).TotalConns),
		gauge("max_conns", "Maximum size of the record database pool.", (*pgxpool.Stat).MaxConns),
	)
}
