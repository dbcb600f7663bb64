// Package partition maintains the yearly range partitions on the
// messages table ahead of need, so an insert for next January never
// races a missing partition. Grounded on apps/sms/tasks.py's
// maintain_partitions and the DDL shape in
// apps/sms/migrations/0003_partition_sms_table.py. messages_default is
// created once at migration time and is never touched here; it is the
// landing zone for any row outside a known yearly range.
package partition

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/durablestore"
)

// LeadYears is how many years ahead of the current one to keep a
// partition provisioned, matching the original's practice of creating
// next year's partition well before the rollover.
const LeadYears = 1

// Maintainer ensures the messages table carries a partition for the
// current year and LeadYears beyond it.
type Maintainer struct {
	durable *durablestore.Store
	log     zerolog.Logger
}

// New constructs a Maintainer.
func New(durable *durablestore.Store, log zerolog.Logger) *Maintainer {
	return &Maintainer{durable: durable, log: log.With().Str("component", "partition").Logger()}
}

// Run ensures every year from the current one through LeadYears ahead
// has a partition, creating any that are missing.
func (m *Maintainer) Run(ctx context.Context) error {
	now := time.Now().Year()
	for year := now; year <= now+LeadYears; year++ {
		if err := m.durable.EnsurePartition(ctx, year); err != nil {
			return err
		}
		m.log.Info().Int("year", year).Msg("partition ensured")
	}
	return nil
}

// DefaultInterval mirrors the original's monthly maintenance cadence.
const DefaultInterval = 30 * 24 * time.Hour
