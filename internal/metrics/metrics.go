package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txhash_pool_transactions_total",
		Help: "Pool transactions by outcome (commit, abort, crash)",
	}, []string{"outcome"})

	Allocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txhash_pool_allocations_total",
		Help: "Blocks handed out by the pool allocator",
	})

	AllocatedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txhash_pool_allocated_bytes_total",
		Help: "Bytes handed out by the pool allocator, block headers included",
	})

	UndoRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txhash_pool_undo_records_total",
		Help: "Before-images appended to undo logs",
	})

	Recoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txhash_pool_recoveries_total",
		Help: "Pools rolled back from a non-empty undo log on open",
	})

	TableOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txhash_table_operations_total",
		Help: "Table operations by op and result",
	}, []string{"op", "result"})

	Rehashed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txhash_table_rehashed_entries_total",
		Help: "Entries relinked into a new bucket array by op (expand, migrate)",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(Transactions)
	prometheus.MustRegister(Allocations)
	prometheus.MustRegister(AllocatedBytes)
	prometheus.MustRegister(UndoRecords)
	prometheus.MustRegister(Recoveries)
	prometheus.MustRegister(TableOps)
	prometheus.MustRegister(Rehashed)
}

func ObserveTx(outcome string) {
	Transactions.WithLabelValues(outcome).Inc()
}

func ObserveAlloc(blockSize int) {
	Allocations.Inc()
	AllocatedBytes.Add(float64(blockSize))
}

func IncUndoRecord() {
	UndoRecords.Inc()
}

func IncRecovery() {
	Recoveries.Inc()
}

func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TableOps.WithLabelValues(op, result).Inc()
}

func AddRehashed(op string, n int) {
	Rehashed.WithLabelValues(op).Add(float64(n))
}
