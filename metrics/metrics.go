package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chain metrics - submissions and confirmation
var (
	ChainSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_chain_submissions_total",
			Help: "Transaction groups submitted to algod by action and result",
		},
		[]string{"action", "result"},
	)

	ConfirmationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bounty_chain_confirmation_duration_seconds",
		Help:    "Time from submission until the group is confirmed",
		Buckets: []float64{1, 2, 4, 8, 15, 30, 60},
	})

	ConfirmationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bounty_chain_confirmation_timeouts_total",
		Help: "Confirmations that did not land within the round budget",
	})

	BoxReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_chain_box_reads_total",
			Help: "Box reads by result",
		},
		[]string{"result"},
	)
)

// Lifecycle metrics
var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_transitions_total",
			Help: "Lifecycle actions applied to the mirror by action",
		},
		[]string{"action"},
	)

	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_transition_rejections_total",
			Help: "Actions refused locally by the state machine by reason code",
		},
		[]string{"code"},
	)

	PendingCreates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bounty_pending_creates_total",
		Help: "Creates persisted without a contract id because confirmation timed out",
	})
)

// Reconciliation metrics
var (
	DuplicateContractIDRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bounty_duplicate_contract_id_recoveries_total",
		Help: "Creates folded into an update after a duplicate contract id",
	})

	BackfillFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bounty_backfill_filled_total",
		Help: "Mirror rows that received a contract id from backfill",
	})

	BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bounty_backfill_duration_seconds",
		Help:    "Duration of a backfill run",
		Buckets: prometheus.DefBuckets,
	})

	ExpiredRefunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_expired_refunds_total",
			Help: "Auto refunds attempted by the expiry sweep by result",
		},
		[]string{"result"},
	)

	SnapshotsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_box_snapshots_total",
			Help: "Raw box snapshots written to object storage by result",
		},
		[]string{"result"},
	)
)
