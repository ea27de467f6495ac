package mptcp

import "log"

// Logger is the package-wide logger. Callers running several MPCBs in one
// process can redirect it; it defaults to the standard library logger the
// same way the teacher's code calls log.Println/log.Printf directly.
var Logger = log.Default()
