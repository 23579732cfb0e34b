/*
Package api serves the rebalancer's HTTP surface: liveness, readiness,
Prometheus metrics and the tick journal.

# Endpoints

	GET /health       liveness, 503 when any tracked component is unhealthy
	GET /ready        readiness, 503 until the ledger and scheduler report in
	GET /metrics      Prometheus exposition
	GET /status       report of the latest tick, 404 before the first one
	GET /ticks        journaled tick reports, newest first (?limit=N, default 50)
	GET /ticks/{id}   one journaled tick report
	GET /events       server-sent stream of tick and batch events

Responses are JSON and gzip compressed when the client asks for it.

# Usage

	srv := api.NewServer(sched, store)
	go func() {
		if err := srv.Start(":9090"); err != nil {
			log.Errorf("api server failed", err)
		}
	}()
	defer srv.Shutdown(context.Background())

The journal store may be nil, in which case the /ticks routes answer 404.
/events answers 404 until SetBroker is called.
*/
package api
