package collection

import "github.com/prometheus/client_golang/prometheus"

var (
	// PromotionCount counts stub materializations by who asked for them.
	PromotionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "collection",
		Name:      "promotions_total",
		Help:      "Stub items materialized, by collection and source (foreground or filler).",
	}, []string{"collection", "source"})

	// CorruptItems is the number of unreadable records per collection.
	CorruptItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "provisiond",
		Subsystem: "collection",
		Name:      "corrupt_items",
		Help:      "Persisted items that could not be decoded.",
	}, []string{"collection"})

	// MutationCount counts add/edit/remove/rename outcomes.
	MutationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "collection",
		Name:      "mutations_total",
		Help:      "Mutations by collection, operation and result.",
	}, []string{"collection", "op", "result"})

	// ItemCount is the number of items per collection, stubs included.
	ItemCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "provisiond",
		Subsystem: "collection",
		Name:      "items",
		Help:      "Items held per collection.",
	}, []string{"collection"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{PromotionCount, CorruptItems, MutationCount, ItemCount}
}
