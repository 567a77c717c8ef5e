/*
Package testutil provides the in-memory server and organization fixtures
used by the certif and workspace test suites.

Server implements transport.Client entirely in memory. It does not verify
signatures (that is the client's job, and precisely what the tests
exercise) but it enforces the structural rules a real server would: vlob
version sequence, key index sequence, participant-based access, checkpoint
bookkeeping. Tamper* helpers corrupt stored data for the self-healing and
key-corruption scenarios.

Org bundles a root signing key, a Server and a deterministic monotonic
clock; EnrollDevice provisions a user with one device and registers the
certificates.
*/
package testutil
