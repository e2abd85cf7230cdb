// Package keyval provides the attribute model and the config key/value envelope.
//
// An Envelope addresses one managed object by Key and carries value Records,
// each tagged with the logical table it represents (main, controller overlay,
// rename). Every attribute of a record pairs a typed Value with a Validity tag
// and a ConfigStatus; the record also carries a row-level ConfigStatus.
//
// Multi-row results are plain slices of envelopes. Callers own what they
// allocate and use Clone when a copy must outlive a mutation.
package keyval
