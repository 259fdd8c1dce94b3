// Package dlq heals the dead-letter queue.
//
// Jobs that exhaust the queue engine's retries land in the DLQ with a
// classified error category. A Healer periodically scans the DLQ and either
// replays an entry onto its original queue, defers it until its cooldown has
// elapsed, or escalates it to an operator when automatic replay can never
// succeed.
//
// Every replay carries an incremented counter in its payload, so an entry
// that keeps failing reaches MaxAutoRetries and is escalated instead of
// cycling forever:
//
//	h := dlq.NewHealer(store, q,
//	    dlq.WithInterval(time.Minute),
//	    dlq.WithAdaptiveCooldowns(true),
//	    dlq.WithAlertSink(sink),
//	)
//	h.Attach(q)
//	go h.Start(ctx)
//
// Cooldowns start from the fixed per-category table in package classify and
// double with each replay. In adaptive mode the base cooldown is learned from
// how long successful replays had waited.
package dlq
