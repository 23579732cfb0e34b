/*
Package events provides an in-memory event broker for controller events.

The scheduler publishes one event per finished tick and the executor one per
processed batch. Subscribers, such as the /events stream of the api package,
receive every event published after they subscribed:

	Publisher → event channel (buffer: 100)
	     ↓
	broadcast loop
	     ↓
	subscriber channels (buffer: 50 each)

Event types:

	tick.finished     a tick ended without error
	tick.failed       a tick ended with an error
	batch.submitted   the ledger accepted a batch
	batch.rejected    the ledger refused a batch

Publishing never blocks: a full queue or a full subscriber drops the event.
Events are a notification channel, the tick journal is the durable record.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		fmt.Println(event.Type, event.Message)
	}
*/
package events
