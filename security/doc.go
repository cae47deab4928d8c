// Package security holds the policy manager the inbound dispatcher and
// subscription engine consult before acting on any command: credential
// checks, per-member and per-offer access rules, and the client to
// security-identity mapping store. The proxy never looks policy up through
// process-wide storage; a Manager is constructed by the enclosing
// application and passed down as an explicit collaborator.
package security
