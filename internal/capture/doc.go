// Package capture defines the domain types shared by the gated document capture
// engine: capture requests and their locators, page captures, assembled
// documents, the error taxonomy, and the collaborator interfaces (rendering
// backend, one-time-code source, progress notifier, delivery) that the gate
// machine, pager, assembler, and orchestrator are written against.
package capture
