// Package testutil provides fixtures and a controllable clock for the storage
// test suites.
package testutil
