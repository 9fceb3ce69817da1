// Package cluster manages the fixed set of party servers behind a secure
// model: bringing them up, health-checking them, and tearing them down.
//
// Two management modes exist. In external mode the party processes are
// launched elsewhere and the cluster only connects to them over the framed
// TCP mesh. In self-managed mode the cluster supervises in-process party
// workers connected over the in-memory network, which is what the demo and
// the test suites use.
package cluster
