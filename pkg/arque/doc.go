// Package arque defines the core data model and adapter contracts of the
// event-sourcing runtime: events with strictly monotonic per-aggregate
// versions, snapshots, projection checkpoints, stream registrations, and the
// error taxonomy shared by every adapter implementation.
//
// The package contains no I/O. Persistence lives behind StoreAdapter,
// transport behind StreamAdapter, and event-type routing behind
// ConfigAdapter; implementations are provided under pkg/store, pkg/stream
// and pkg/config.
package arque
