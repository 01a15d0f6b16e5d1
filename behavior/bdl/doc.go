// Data model for behavior definitions (BDL): rules, triggers, tracking specs, the action node sum
// type, and the per-firing execution context.
//
// Everything in this package is plain data plus validation and JSON encoding. Rule definitions
// are produced by an authoring collaborator and persisted as JSON blobs; the engine only reads them.
package bdl
