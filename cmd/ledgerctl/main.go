// Command ledgerctl is the operator and auditor companion to ledgerd: it computes
// canonical forms and chain hashes offline, checks signatures against a published
// public key, asks a running ledgerd to verify a stream, and mints development tokens.
package main

func main() {
	Execute()
}
