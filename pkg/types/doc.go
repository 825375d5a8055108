/*
Package types defines the shared data model for the relay control plane.

Routers are remote RouterOS devices identified by a stable business id
(BusID) and a mesh public key. Peers are mesh network entries (public key
plus allowed-address set) each associated with exactly one Router.
Tenants isolate reconciliation; the "default" tenant always exists.
Bindings map a mesh identity to the router address used for device
commands. Jobs are delayed-execution queue entries consumed by the job
runner.

Allowed-address sets are stored normalized (trimmed, sorted,
comma-joined) so that any two representations of the same set compare
equal during reconciliation diffing.
*/
package types
