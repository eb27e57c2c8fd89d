// Package main is the entry point for meterd, the usage metering and
// quota enforcement service.
package main

func main() {
	Execute()
}
