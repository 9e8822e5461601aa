// Package memory provides process-local implementations of the store and
// cache contracts. They back single-node development runs and the tests of
// every package above them.
package memory
