package workspace

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parsec-cloud/parsec-go/pkg/events"
	"github.com/parsec-cloud/parsec-go/pkg/transport"
)

// Monitor runs the background sync loop of one workspace: poll the realm
// checkpoint, inbound-sync the entries the server advertised, outbound-sync
// the local changes. Offline periods are handled with exponential backoff.
type Monitor struct {
	ops      *Ops
	broker   *events.Broker
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor builds a sync monitor; interval is the poll period when online
func NewMonitor(ops *Ops, broker *events.Broker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		ops:      ops,
		broker:   broker,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sync loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the sync loop and waits for it to finish
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	m.ops.logger.Info().Msg("Sync monitor started")
	defer m.ops.logger.Info().Msg("Sync monitor stopped")

	retryDelay := backoff.NewExponentialBackOff()
	retryDelay.MaxElapsedTime = 0

	wasOffline := false
	for {
		err := m.cycle(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, transport.ErrOffline):
			if !wasOffline {
				wasOffline = true
				m.broker.Publish(&events.Event{Type: events.EventOffline})
			}
			if !m.sleep(retryDelay.NextBackOff()) {
				return
			}
			continue
		case err != nil:
			m.ops.logger.Error().Err(err).Msg("Sync cycle failed")
		}

		if wasOffline {
			wasOffline = false
			m.broker.Publish(&events.Event{Type: events.EventOnline})
		}
		retryDelay.Reset()
		if !m.sleep(m.interval) {
			return
		}
	}
}

func (m *Monitor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.stopCh:
		return false
	}
}

// cycle is one full sync pass
func (m *Monitor) cycle(ctx context.Context) error {
	// New certificates first: manifest validation depends on them
	if err := m.ops.certifOps.PollServerForNewCertificates(ctx); err != nil {
		return err
	}

	if err := m.ops.RefreshRealmCheckpoint(ctx); err != nil {
		return err
	}

	inbound, err := m.ops.GetNeedInboundSyncEntries(0)
	if err != nil {
		return err
	}
	for _, entryID := range inbound {
		outcome, err := m.ops.InboundSync(ctx, entryID)
		if err != nil {
			return err
		}
		if outcome == InboundSyncEntryIsBusy {
			// Locked by a local operation; next cycle retries
			m.ops.logger.Debug().Str("entry_id", entryID.Hex()).Msg("Entry busy, postponing inbound sync")
		}
	}

	return m.ops.OutboundSyncAll(ctx)
}
