// Package pipeline defines the domain types shared by the ledger, the run
// tracker, the stage runner and the catalog reconciler, together with the
// collaborator interfaces they depend on. It must not import concrete
// clients or drivers.
package pipeline
