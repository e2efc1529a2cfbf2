/*
Package execution holds per-run state: the ExecutionContext created for every
node run and the Manager that indexes contexts by id and workflow.

A Context is a typed state holder, not an active component. All mutation goes
through its methods, which stamp UpdatedAt and maintain the append-only status
history; entering RUNNING records the metrics start time once, entering a
terminal state records the end time and duration. Named checkpoints snapshot
and restore the intermediate data map.

Contexts can be persisted as JSON through the Store interface; FileStore
writes one file per context and RedisStore keeps snapshots in redis with a
TTL. Eviction is an explicit caller responsibility; the Manager never
garbage-collects on its own.
*/
package execution
