/*
Package events provides the event broker used by the client core to notify
observers (GUI, monitors, tests) about state changes.

The broker is a simple channel fan-out: publishers push events into a buffered
channel, a background goroutine broadcasts them to every subscriber. Slow
subscribers are skipped rather than blocking the whole pipeline, so event
delivery is best-effort by design.

Typical producers are the certificate validator (certificates.updated,
certificates.invalid), the key bundle engine (realm.keys_bundle_*), and the
sync engine (entry.*, realm.checkpoint_advanced, timestamp.out_of_ballpark).

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()
*/
package events
