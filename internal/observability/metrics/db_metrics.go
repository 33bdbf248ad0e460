package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func registerDBMetrics(db *sql.DB, logger zerolog.Logger) {
	gauges := []struct {
		name  string
		help  string
		query string
	}{
		{"supervised_down", "Supervised entities currently DOWN", "SELECT COUNT(*) FROM supervised_entities WHERE status = 'DOWN'"},
		{"alive_timers_active", "Active alive timers", "SELECT COUNT(*) FROM alive_timers WHERE active"},
		{"alarms_oscillating", "Alarms currently oscillating", "SELECT COUNT(*) FROM alarms WHERE oscillating"},
		{"rule_tags_unresolved", "Rule tags without resolved parent ids", "SELECT COUNT(*) FROM rule_tags WHERE jsonb_array_length(process_ids) = 0 AND jsonb_array_length(equipment_ids) = 0"},
	}
	for _, g := range gauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + g.name,
				Help: g.help,
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger zerolog.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		logger.Warn().Err(err).Msg("metrics query failed")
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
