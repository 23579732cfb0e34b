/*
Package journal keeps a local record of scheduler ticks in BoltDB.

The ledger stays the only source of truth for the pool, the journal only
answers "what did the controller do and when" after the fact:

	┌─────────────── journal.db ───────────────┐
	│ ticks       start time ‖ id → TickReport │
	│ tick_index  id → ticks key               │
	└──────────────────────────────────────────┘

Reports are stored as JSON. Keys of the ticks bucket start with the big
endian start time so a cursor walks them in chronological order.

	store, err := journal.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	scheduler.SetRecorder(journal.Retain(store, 10000))
	recent, err := store.List(20)

Retain prunes after every record so the file stays bounded.
*/
package journal
