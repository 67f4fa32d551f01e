// Package linestatus defines the domain types, collaborator interfaces and
// error taxonomy shared by the fetch, cache, dispatch and scheduling layers.
package linestatus
